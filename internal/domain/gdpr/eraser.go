package gdpr

import (
	"context"
	"fmt"
	"time"

	"vetcare/internal/store"
)

// AuthDeleter removes the subject's login identity. It is the very last step
// of an erasure run; everything referencing the user must already be deleted
// or anonymized.
type AuthDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

type erasureOp string

const (
	opDelete    erasureOp = "delete"
	opAnonymize erasureOp = "anonymize"
)

// subjectRefs holds the row identifiers an erasure run fans out over. They are
// resolved once, up front, so child rows can be removed before their parents.
type subjectRefs struct {
	subjectID       string
	petIDs          []string
	conversationIDs []string
	messageIDs      []string
}

type erasureStep struct {
	Category Category
	Table    string
	Op       erasureOp
	filter   func(r subjectRefs) store.Filter
	// patch overrides the category anonymizer for steps whose scrub differs
	// from the category default.
	patch func(r subjectRefs, now time.Time) store.Patch
}

// erasurePlan is the ordered sequence of an erasure run. Children precede
// parents (attachments before messages before conversations, medical rows
// before pets) and the profile is scrubbed last, after everything that joins
// against it.
var erasurePlan = []erasureStep{
	{Category: CategoryMessages, Table: "message_attachments", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"message_id": r.messageIDs} }},
	{Category: CategoryMessages, Table: "messages", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"conversation_id": r.conversationIDs} }},
	{Category: CategoryMessages, Table: "conversations", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryCart, Table: "store_cart", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryWishlist, Table: "store_wishlist", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryStockAlerts, Table: "stock_alerts", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryStoreReviews, Table: "store_reviews", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryReminders, Table: "reminders", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryNotifications, Table: "notifications", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"user_id": r.subjectID} }},
	{Category: CategoryLoyalty, Table: "loyalty_transactions", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryLoyalty, Table: "loyalty_points", Op: opDelete,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},

	{Category: CategoryMedicalRecords, Table: "medical_records", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"pet_id": r.petIDs} }},
	{Category: CategoryPrescriptions, Table: "prescriptions", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"pet_id": r.petIDs} }},
	{Category: CategoryConsents, Table: "consent_documents", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryAppointments, Table: "appointments", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"owner_id": r.subjectID} }},
	{Category: CategoryInvoices, Table: "invoices", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryPayments, Table: "payments", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryStoreOrders, Table: "store_orders", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"customer_id": r.subjectID} }},
	{Category: CategoryAuditLogs, Table: "audit_logs", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"user_id": r.subjectID} }},

	// Pets are scrubbed in place rather than removed so retained medical
	// records keep a valid parent row.
	{Category: CategoryPets, Table: "pets", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"owner_id": r.subjectID} },
		patch: func(r subjectRefs, now time.Time) store.Patch {
			return store.Patch{"name": placeholderText, "microchip_id": nil, "is_deleted": true, "deleted_at": now}
		}},
	{Category: CategoryProfile, Table: "profiles", Op: opAnonymize,
		filter: func(r subjectRefs) store.Filter { return store.Filter{"id": r.subjectID} }},
}

// Eraser runs the deletion plan for a verified erasure request. Every step,
// the final auth-identity removal included, is bounded by its own timeout and
// a failing step never stops the run.
type Eraser struct {
	store       store.RecordStore
	auth        AuthDeleter
	stepTimeout time.Duration
	now         func() time.Time
}

func NewEraser(s store.RecordStore, auth AuthDeleter, stepTimeout time.Duration) *Eraser {
	return &Eraser{store: s, auth: auth, stepTimeout: stepTimeout, now: time.Now}
}

func (e *Eraser) Erase(ctx context.Context, tenantID, subjectID string) (*DeletionResult, error) {
	refs, err := e.resolveRefs(ctx, tenantID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve subject references: %w", err)
	}

	result := &DeletionResult{
		DeletedCategories:    []Category{},
		AnonymizedCategories: []Category{},
		RetainedCategories:   RetainedCategories(),
		Errors:               []CategoryError{},
	}
	seenDeleted := map[Category]bool{}
	seenAnonymized := map[Category]bool{}

	for _, step := range erasurePlan {
		if err := e.runStep(ctx, tenantID, step, refs); err != nil {
			result.Errors = append(result.Errors, CategoryError{Category: step.Category, Error: err.Error()})
			continue
		}
		switch Classify(step.Category) {
		case DispositionDeletable:
			if !seenDeleted[step.Category] {
				seenDeleted[step.Category] = true
				result.DeletedCategories = append(result.DeletedCategories, step.Category)
			}
		default:
			if !seenAnonymized[step.Category] {
				seenAnonymized[step.Category] = true
				result.AnonymizedCategories = append(result.AnonymizedCategories, step.Category)
			}
		}
	}

	// The login identity goes last, after every other step has been
	// attempted, under the same isolation rule. It is irreversible, so it
	// runs to completion even if the request context is cancelled mid-erase.
	authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout)
	defer cancel()
	if err := e.auth.DeleteUser(authCtx, subjectID); err != nil {
		result.Errors = append(result.Errors, CategoryError{Category: CategoryAuthUser, Error: err.Error()})
	} else {
		result.DeletedCategories = append(result.DeletedCategories, CategoryAuthUser)
	}

	result.Success = len(result.Errors) == 0
	result.CompletedAt = e.now().UTC().Format(time.RFC3339)
	return result, nil
}

func (e *Eraser) runStep(ctx context.Context, tenantID string, step erasureStep, refs subjectRefs) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	filter := step.filter(refs)
	switch step.Op {
	case opDelete:
		_, err := e.store.Delete(stepCtx, tenantID, step.Table, filter)
		return err
	case opAnonymize:
		var patch store.Patch
		if step.patch != nil {
			patch = step.patch(refs, e.now())
		} else {
			fn, ok := anonymizers[step.Category]
			if !ok {
				return fmt.Errorf("no anonymizer for category %s", step.Category)
			}
			patch = fn(e.now())
		}
		_, err := e.store.Update(stepCtx, tenantID, step.Table, filter, patch)
		return err
	default:
		return fmt.Errorf("unknown erasure op %s", step.Op)
	}
}

// resolveRefs collects the identifiers the plan's filters need before any row
// is touched. An empty slice is fine; a filter on an empty id list simply
// matches nothing.
func (e *Eraser) resolveRefs(ctx context.Context, tenantID, subjectID string) (subjectRefs, error) {
	refs := subjectRefs{
		subjectID:       subjectID,
		petIDs:          []string{},
		conversationIDs: []string{},
		messageIDs:      []string{},
	}

	pets, err := e.store.Select(ctx, tenantID, "pets", store.Filter{"owner_id": subjectID})
	if err != nil {
		return refs, err
	}
	refs.petIDs = collectIDs(pets, "id")

	conversations, err := e.store.Select(ctx, tenantID, "conversations", store.Filter{"customer_id": subjectID})
	if err != nil {
		return refs, err
	}
	refs.conversationIDs = collectIDs(conversations, "id")

	if len(refs.conversationIDs) > 0 {
		messages, err := e.store.Select(ctx, tenantID, "messages", store.Filter{"conversation_id": refs.conversationIDs})
		if err != nil {
			return refs, err
		}
		refs.messageIDs = collectIDs(messages, "id")
	}
	return refs, nil
}
