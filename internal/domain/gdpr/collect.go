package gdpr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vetcare/internal/store"
)

// activityLogCap bounds the activity log slice of an export; older entries are
// dropped.
const activityLogCap = 1000

// Collector assembles the export bundle for access and portability requests.
// The profile is loaded first to resolve the subject, then the remaining
// categories are collected concurrently. A category that fails to load is
// reported in the bundle's Errors list and never sinks the whole export.
type Collector struct {
	store store.RecordStore
	now   func() time.Time
}

func NewCollector(s store.RecordStore) *Collector {
	return &Collector{store: s, now: time.Now}
}

func (c *Collector) Collect(ctx context.Context, tenantID, subjectID string) (*ExportBundle, error) {
	profileRow, err := c.loadProfile(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	bundle := newBundle(c.now())
	bundle.DataSubject = DataSubjectInfo{
		UserID:           subjectID,
		Email:            str(profileRow, "email"),
		FullName:         str(profileRow, "full_name"),
		TenantID:         tenantID,
		TenantName:       c.tenantName(ctx, tenantID),
		Role:             str(profileRow, "role"),
		AccountCreatedAt: timeStr(profileRow, "created_at"),
	}
	bundle.Profile = &ProfileData{
		ID:        str(profileRow, "id"),
		FullName:  str(profileRow, "full_name"),
		Email:     str(profileRow, "email"),
		Phone:     str(profileRow, "phone"),
		CreatedAt: timeStr(profileRow, "created_at"),
		UpdatedAt: timeStr(profileRow, "updated_at"),
	}

	// Pets come before the fan-out so the concurrent collectors can resolve
	// pet names from a stable map.
	var mu sync.Mutex
	fail := func(category Category, err error) {
		mu.Lock()
		bundle.Errors = append(bundle.Errors, CategoryError{Category: category, Error: err.Error()})
		mu.Unlock()
	}

	petNames := map[string]string{}
	var petIDs []string
	petRows, err := c.store.Select(ctx, tenantID, "pets", store.Filter{"owner_id": subjectID})
	if err != nil {
		fail(CategoryPets, err)
	} else {
		for _, row := range petRows {
			id := str(row, "id")
			petNames[id] = str(row, "name")
			petIDs = append(petIDs, id)
			bundle.Pets = append(bundle.Pets, PetData{
				ID:          id,
				Name:        str(row, "name"),
				Species:     str(row, "species"),
				Breed:       str(row, "breed"),
				DateOfBirth: timeStr(row, "date_of_birth"),
				Gender:      str(row, "gender"),
				Weight:      num(row, "weight"),
				MicrochipID: str(row, "microchip_id"),
				IsDeceased:  boolVal(row, "is_deceased"),
				CreatedAt:   timeStr(row, "created_at"),
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	collect := func(category Category, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				fail(category, err)
			}
			return nil
		})
	}

	collect(CategoryAppointments, func(ctx context.Context) error {
		return c.collectAppointments(ctx, tenantID, subjectID, petNames, bundle, &mu)
	})
	collect(CategoryMedicalRecords, func(ctx context.Context) error {
		return c.collectMedicalRecords(ctx, tenantID, petIDs, petNames, bundle, &mu)
	})
	collect(CategoryPrescriptions, func(ctx context.Context) error {
		return c.collectPrescriptions(ctx, tenantID, petIDs, petNames, bundle, &mu)
	})
	collect(CategoryInvoices, func(ctx context.Context) error {
		return c.collectInvoices(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryPayments, func(ctx context.Context) error {
		return c.collectPayments(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryMessages, func(ctx context.Context) error {
		return c.collectMessages(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryLoyalty, func(ctx context.Context) error {
		return c.collectLoyalty(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryStoreOrders, func(ctx context.Context) error {
		return c.collectStoreOrders(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryStoreReviews, func(ctx context.Context) error {
		return c.collectStoreReviews(ctx, tenantID, subjectID, bundle, &mu)
	})
	collect(CategoryConsents, func(ctx context.Context) error {
		return c.collectConsents(ctx, tenantID, subjectID, petNames, bundle, &mu)
	})
	collect(CategoryAuditLogs, func(ctx context.Context) error {
		return c.collectActivityLog(ctx, tenantID, subjectID, bundle, &mu)
	})

	// Collectors report their own failures; the group only propagates context
	// cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// newBundle returns a bundle with every slice initialized so the JSON shape is
// identical whether or not the subject has data in a category.
func newBundle(now time.Time) *ExportBundle {
	return &ExportBundle{
		ExportedAt:     now.UTC().Format(time.RFC3339),
		Format:         "vetcare-export-v1",
		Pets:           []PetData{},
		Appointments:   []AppointmentData{},
		MedicalRecords: []MedicalRecordData{},
		Prescriptions:  []PrescriptionData{},
		Invoices:       []InvoiceData{},
		Payments:       []PaymentData{},
		Messages:       []MessageData{},
		StoreOrders:    []StoreOrderData{},
		StoreReviews:   []StoreReviewData{},
		Consents:       []ConsentData{},
		ActivityLog:    []ActivityLogEntry{},
		Errors:         []CategoryError{},
	}
}

func (c *Collector) loadProfile(ctx context.Context, tenantID, subjectID string) (store.Record, error) {
	rows, err := c.store.Select(ctx, tenantID, "profiles", store.Filter{"id": subjectID})
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrSubjectNotFound
	}
	return rows[0], nil
}

func (c *Collector) tenantName(ctx context.Context, tenantID string) string {
	rows, err := c.store.Select(ctx, "", "tenants", store.Filter{"id": tenantID})
	if err != nil || len(rows) == 0 {
		return ""
	}
	return str(rows[0], "name")
}

func (c *Collector) collectAppointments(ctx context.Context, tenantID, subjectID string, petNames map[string]string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "appointments", store.Filter{"owner_id": subjectID})
	if err != nil {
		return err
	}
	serviceNames, err := c.nameIndex(ctx, tenantID, "services", collectIDs(rows, "service_id"))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.Appointments = append(bundle.Appointments, AppointmentData{
			ID:          str(row, "id"),
			PetName:     petNames[str(row, "pet_id")],
			ServiceName: serviceNames[str(row, "service_id")],
			ScheduledAt: timeStr(row, "scheduled_at"),
			Status:      str(row, "status"),
			Notes:       str(row, "notes"),
			CreatedAt:   timeStr(row, "created_at"),
		})
	}
	return nil
}

func (c *Collector) collectMedicalRecords(ctx context.Context, tenantID string, petIDs []string, petNames map[string]string, bundle *ExportBundle, mu *sync.Mutex) error {
	if len(petIDs) == 0 {
		return nil
	}
	rows, err := c.store.Select(ctx, tenantID, "medical_records", store.Filter{"pet_id": petIDs})
	if err != nil {
		return err
	}
	vetNames, err := c.vetNameIndex(ctx, tenantID, collectIDs(rows, "vet_id"))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.MedicalRecords = append(bundle.MedicalRecords, MedicalRecordData{
			ID:         str(row, "id"),
			PetName:    petNames[str(row, "pet_id")],
			RecordType: str(row, "record_type"),
			Date:       timeStr(row, "record_date"),
			Diagnosis:  str(row, "diagnosis"),
			Treatment:  str(row, "treatment"),
			Notes:      str(row, "notes"),
			VetName:    vetNames[str(row, "vet_id")],
			CreatedAt:  timeStr(row, "created_at"),
		})
	}
	return nil
}

func (c *Collector) collectPrescriptions(ctx context.Context, tenantID string, petIDs []string, petNames map[string]string, bundle *ExportBundle, mu *sync.Mutex) error {
	if len(petIDs) == 0 {
		return nil
	}
	rows, err := c.store.Select(ctx, tenantID, "prescriptions", store.Filter{"pet_id": petIDs})
	if err != nil {
		return err
	}
	vetNames, err := c.vetNameIndex(ctx, tenantID, collectIDs(rows, "vet_id"))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.Prescriptions = append(bundle.Prescriptions, PrescriptionData{
			ID:           str(row, "id"),
			PetName:      petNames[str(row, "pet_id")],
			Medications:  decodeMedications(row["medications"]),
			PrescribedAt: timeStr(row, "prescribed_at"),
			ValidUntil:   timeStr(row, "valid_until"),
			VetName:      vetNames[str(row, "vet_id")],
		})
	}
	return nil
}

func (c *Collector) collectInvoices(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "invoices", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	itemsByInvoice := map[string][]InvoiceItemData{}
	if ids := collectIDs(rows, "id"); len(ids) > 0 {
		itemRows, err := c.store.Select(ctx, tenantID, "invoice_items", store.Filter{"invoice_id": ids})
		if err != nil {
			return err
		}
		for _, item := range itemRows {
			invoiceID := str(item, "invoice_id")
			itemsByInvoice[invoiceID] = append(itemsByInvoice[invoiceID], InvoiceItemData{
				Description: str(item, "description"),
				Quantity:    num(item, "quantity"),
				UnitPrice:   num(item, "unit_price"),
				Total:       num(item, "total"),
			})
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		id := str(row, "id")
		items := itemsByInvoice[id]
		if items == nil {
			items = []InvoiceItemData{}
		}
		bundle.Invoices = append(bundle.Invoices, InvoiceData{
			ID:            id,
			InvoiceNumber: str(row, "invoice_number"),
			Date:          timeStr(row, "issued_at"),
			Items:         items,
			Subtotal:      num(row, "subtotal"),
			Tax:           num(row, "tax"),
			Total:         num(row, "total"),
			Status:        str(row, "status"),
		})
	}
	return nil
}

func (c *Collector) collectPayments(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "payments", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	invoiceNumbers := map[string]string{}
	if ids := collectIDs(rows, "invoice_id"); len(ids) > 0 {
		invoiceRows, err := c.store.Select(ctx, tenantID, "invoices", store.Filter{"id": ids})
		if err != nil {
			return err
		}
		for _, row := range invoiceRows {
			invoiceNumbers[str(row, "id")] = str(row, "invoice_number")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.Payments = append(bundle.Payments, PaymentData{
			ID:            str(row, "id"),
			InvoiceNumber: invoiceNumbers[str(row, "invoice_id")],
			Amount:        num(row, "amount"),
			Method:        str(row, "method"),
			Date:          timeStr(row, "paid_at"),
			Status:        str(row, "status"),
		})
	}
	return nil
}

func (c *Collector) collectMessages(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	convRows, err := c.store.Select(ctx, tenantID, "conversations", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	convIDs := collectIDs(convRows, "id")
	if len(convIDs) == 0 {
		return nil
	}
	rows, err := c.store.Select(ctx, tenantID, "messages", store.Filter{"conversation_id": convIDs})
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		direction := "received"
		if str(row, "sender_id") == subjectID {
			direction = "sent"
		}
		bundle.Messages = append(bundle.Messages, MessageData{
			ID:             str(row, "id"),
			ConversationID: str(row, "conversation_id"),
			Direction:      direction,
			Content:        str(row, "content"),
			Timestamp:      timeStr(row, "created_at"),
			Status:         str(row, "status"),
		})
	}
	return nil
}

func (c *Collector) collectLoyalty(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "loyalty_points", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	txRows, err := c.store.Select(ctx, tenantID, "loyalty_transactions", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	loyalty := &LoyaltyData{
		CurrentBalance: num(rows[0], "balance"),
		LifetimeEarned: num(rows[0], "lifetime_earned"),
		Transactions:   []LoyaltyTransaction{},
	}
	for _, row := range txRows {
		loyalty.Transactions = append(loyalty.Transactions, LoyaltyTransaction{
			Date:        timeStr(row, "created_at"),
			Points:      num(row, "points"),
			Description: str(row, "description"),
			Type:        str(row, "type"),
		})
	}
	mu.Lock()
	bundle.LoyaltyPoints = loyalty
	mu.Unlock()
	return nil
}

func (c *Collector) collectStoreOrders(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "store_orders", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	itemsByOrder := map[string][]StoreOrderItemData{}
	if ids := collectIDs(rows, "id"); len(ids) > 0 {
		itemRows, err := c.store.Select(ctx, tenantID, "store_order_items", store.Filter{"order_id": ids})
		if err != nil {
			return err
		}
		for _, item := range itemRows {
			orderID := str(item, "order_id")
			itemsByOrder[orderID] = append(itemsByOrder[orderID], StoreOrderItemData{
				ProductName: str(item, "product_name"),
				Quantity:    num(item, "quantity"),
				UnitPrice:   num(item, "unit_price"),
				Total:       num(item, "total"),
			})
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		id := str(row, "id")
		items := itemsByOrder[id]
		if items == nil {
			items = []StoreOrderItemData{}
		}
		bundle.StoreOrders = append(bundle.StoreOrders, StoreOrderData{
			ID:              id,
			OrderNumber:     str(row, "order_number"),
			Date:            timeStr(row, "created_at"),
			Items:           items,
			Total:           num(row, "total"),
			Status:          str(row, "status"),
			ShippingAddress: str(row, "shipping_address"),
		})
	}
	return nil
}

func (c *Collector) collectStoreReviews(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "store_reviews", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	productNames, err := c.nameIndex(ctx, tenantID, "store_products", collectIDs(rows, "product_id"))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.StoreReviews = append(bundle.StoreReviews, StoreReviewData{
			ID:          str(row, "id"),
			ProductName: productNames[str(row, "product_id")],
			Rating:      num(row, "rating"),
			Comment:     str(row, "comment"),
			CreatedAt:   timeStr(row, "created_at"),
		})
	}
	return nil
}

func (c *Collector) collectConsents(ctx context.Context, tenantID, subjectID string, petNames map[string]string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "consent_documents", store.Filter{"customer_id": subjectID})
	if err != nil {
		return err
	}
	templateNames, err := c.nameIndex(ctx, tenantID, "consent_templates", collectIDs(rows, "template_id"))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.Consents = append(bundle.Consents, ConsentData{
			ID:           str(row, "id"),
			TemplateName: templateNames[str(row, "template_id")],
			SignedAt:     timeStr(row, "signed_at"),
			PetName:      petNames[str(row, "pet_id")],
			DocumentURL:  str(row, "document_url"),
		})
	}
	return nil
}

func (c *Collector) collectActivityLog(ctx context.Context, tenantID, subjectID string, bundle *ExportBundle, mu *sync.Mutex) error {
	rows, err := c.store.Select(ctx, tenantID, "audit_logs", store.Filter{"user_id": subjectID},
		store.OrderByDesc("created_at"), store.Limit(activityLogCap))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, row := range rows {
		bundle.ActivityLog = append(bundle.ActivityLog, ActivityLogEntry{
			ID:        str(row, "id"),
			Action:    str(row, "action"),
			Resource:  str(row, "resource"),
			Timestamp: timeStr(row, "created_at"),
			IPAddress: str(row, "ip_address"),
			UserAgent: str(row, "user_agent"),
		})
	}
	return nil
}

// nameIndex resolves ids to the "name" column of a lookup table.
func (c *Collector) nameIndex(ctx context.Context, tenantID, table string, ids []string) (map[string]string, error) {
	names := map[string]string{}
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := c.store.Select(ctx, tenantID, table, store.Filter{"id": ids})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		names[str(row, "id")] = str(row, "name")
	}
	return names, nil
}

func (c *Collector) vetNameIndex(ctx context.Context, tenantID string, ids []string) (map[string]string, error) {
	names := map[string]string{}
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := c.store.Select(ctx, tenantID, "profiles", store.Filter{"id": ids})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		names[str(row, "id")] = str(row, "full_name")
	}
	return names, nil
}

func collectIDs(rows []store.Record, col string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, row := range rows {
		id := str(row, col)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func decodeMedications(v any) []MedicationData {
	meds := []MedicationData{}
	if v == nil {
		return meds
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return meds
	}
	if err := json.Unmarshal(raw, &meds); err != nil {
		return []MedicationData{}
	}
	return meds
}

func str(row store.Record, col string) string {
	s, _ := row[col].(string)
	return s
}

func num(row store.Record, col string) float64 {
	switch v := row[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func boolVal(row store.Record, col string) bool {
	b, _ := row[col].(bool)
	return b
}

func timeStr(row store.Record, col string) string {
	switch v := row[col].(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}
