package gdpr

import "fmt"

type Disposition string

const (
	DispositionDeletable    Disposition = "deletable"
	DispositionAnonymizable Disposition = "anonymizable"
	DispositionRetained     Disposition = "retained"
	DispositionUnknown      Disposition = "unknown"
)

type Category string

const (
	CategoryCart          Category = "store_cart"
	CategoryWishlist      Category = "store_wishlist"
	CategoryStockAlerts   Category = "stock_alerts"
	CategoryStoreReviews  Category = "store_reviews"
	CategoryReminders     Category = "reminders"
	CategoryNotifications Category = "notifications"
	CategoryMessages      Category = "messages"
	CategoryLoyalty       Category = "loyalty"
	CategoryPets          Category = "pets"
	CategoryAuthUser      Category = "auth_user"

	CategoryMedicalRecords Category = "medical_records"
	CategoryPrescriptions  Category = "prescriptions"
	CategoryConsents       Category = "consent_documents"
	CategoryInvoices       Category = "invoices"
	CategoryPayments       Category = "payments"
	CategoryAppointments   Category = "appointments"
	CategoryStoreOrders    Category = "store_orders"
	CategoryAuditLogs      Category = "audit_logs"
	CategoryProfile        Category = "profile"
)

// RetentionRule documents why a category must outlive an erasure request and
// for how long. These are legal policy constants, not user data.
type RetentionRule struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
	Period   string   `json:"period"`
}

var deletableCategories = []Category{
	CategoryCart,
	CategoryWishlist,
	CategoryStockAlerts,
	CategoryStoreReviews,
	CategoryReminders,
	CategoryNotifications,
	CategoryMessages,
	CategoryLoyalty,
	CategoryPets,
	CategoryAuthUser,
}

var anonymizableCategories = []Category{
	CategoryMedicalRecords,
	CategoryPrescriptions,
	CategoryConsents,
	CategoryInvoices,
	CategoryPayments,
	CategoryAppointments,
	CategoryStoreOrders,
	CategoryAuditLogs,
	CategoryProfile,
}

var retentionRules = map[Category]RetentionRule{
	CategoryMedicalRecords: {Category: CategoryMedicalRecords, Reason: "Historial clínico veterinario obligatorio", Period: "10 años"},
	CategoryPrescriptions:  {Category: CategoryPrescriptions, Reason: "Registro de medicamentos recetados", Period: "5 años"},
	CategoryConsents:       {Category: CategoryConsents, Reason: "Prueba de consentimiento informado", Period: "5 años"},
	CategoryInvoices:       {Category: CategoryInvoices, Reason: "Obligaciones fiscales y contables", Period: "5 años"},
	CategoryAuditLogs:      {Category: CategoryAuditLogs, Reason: "Registro de actividad para auditorías", Period: "1 año"},
}

// Classify returns the single disposition governing a category. Retained wins
// over Anonymizable: a retained category is always anonymized, never deleted.
func Classify(category Category) Disposition {
	if _, ok := retentionRules[category]; ok {
		return DispositionRetained
	}
	for _, c := range anonymizableCategories {
		if c == category {
			return DispositionAnonymizable
		}
	}
	for _, c := range deletableCategories {
		if c == category {
			return DispositionDeletable
		}
	}
	return DispositionUnknown
}

func RetentionRuleFor(category Category) (RetentionRule, bool) {
	rule, ok := retentionRules[category]
	return rule, ok
}

func RetainedCategories() []RetentionRule {
	rules := make([]RetentionRule, 0, len(retentionRules))
	for _, c := range anonymizableCategories {
		if rule, ok := retentionRules[c]; ok {
			rules = append(rules, rule)
		}
	}
	return rules
}

// ValidateRegistry enforces the registry invariants at startup: the deletable
// and anonymizable sets are disjoint, every retention rule points at an
// anonymizable category, and every category the deletion plan touches is
// classified.
func ValidateRegistry() error {
	anonymizable := map[Category]bool{}
	for _, c := range anonymizableCategories {
		anonymizable[c] = true
	}
	for _, c := range deletableCategories {
		if anonymizable[c] {
			return fmt.Errorf("category %s is both deletable and anonymizable", c)
		}
	}
	for c := range retentionRules {
		if !anonymizable[c] {
			return fmt.Errorf("retained category %s is not anonymizable", c)
		}
	}
	for _, step := range erasurePlan {
		if Classify(step.Category) == DispositionUnknown {
			return fmt.Errorf("deletion step touches unclassified category %s", step.Category)
		}
	}
	return nil
}
