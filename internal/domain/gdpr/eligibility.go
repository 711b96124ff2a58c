package gdpr

import (
	"context"

	"vetcare/internal/store"
)

// Blocker messages surfaced to the subject when erasure cannot proceed. They
// match the clinic's customer-facing language.
const (
	blockerUnpaidInvoices   = "Tiene facturas pendientes de pago"
	blockerUpcomingVisits   = "Tiene citas pendientes"
	blockerHospitalizedPets = "Tiene mascotas hospitalizadas"
	blockerPendingOrders    = "Tiene pedidos pendientes de entrega"
)

// EligibilityChecker decides whether an erasure request may run. All blocking
// conditions are evaluated so the subject sees every outstanding obligation at
// once, not one per attempt.
type EligibilityChecker struct {
	store store.RecordStore
}

func NewEligibilityChecker(s store.RecordStore) *EligibilityChecker {
	return &EligibilityChecker{store: s}
}

func (c *EligibilityChecker) Check(ctx context.Context, tenantID, subjectID string) (*Eligibility, error) {
	blockers := []string{}

	unpaid, err := c.store.Select(ctx, tenantID, "invoices", store.Filter{
		"customer_id": subjectID,
		"status":      []string{"sent", "pending", "overdue"},
	}, store.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(unpaid) > 0 {
		blockers = append(blockers, blockerUnpaidInvoices)
	}

	upcoming, err := c.store.Select(ctx, tenantID, "appointments", store.Filter{
		"owner_id": subjectID,
		"status":   []string{"scheduled", "confirmed"},
	}, store.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(upcoming) > 0 {
		blockers = append(blockers, blockerUpcomingVisits)
	}

	hospitalized, err := c.store.Select(ctx, tenantID, "pets", store.Filter{
		"owner_id":        subjectID,
		"is_hospitalized": true,
	}, store.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(hospitalized) > 0 {
		blockers = append(blockers, blockerHospitalizedPets)
	}

	pendingOrders, err := c.store.Select(ctx, tenantID, "store_orders", store.Filter{
		"customer_id": subjectID,
		"status":      []string{"pending", "processing", "shipped"},
	}, store.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(pendingOrders) > 0 {
		blockers = append(blockers, blockerPendingOrders)
	}

	return &Eligibility{CanDelete: len(blockers) == 0, Blockers: blockers}, nil
}
