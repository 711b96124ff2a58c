package gdpr

import (
	"time"

	"vetcare/internal/store"
)

// Placeholder values written over personal fields during anonymization. They
// are deliberately recognizable so staff reading a retained record can tell an
// anonymized field from an empty one.
const (
	placeholderText    = "[DATOS ELIMINADOS]"
	placeholderEmail   = "deleted@anonymized.local"
	placeholderPhone   = "0000000000"
	placeholderContent = "[CONTENIDO ELIMINADO POR SOLICITUD GDPR]"
	placeholderIP      = "0.0.0.0"
)

type anonymizeFunc func(now time.Time) store.Patch

// anonymizers maps each anonymizable category to the patch that scrubs its
// personal fields while leaving the legally required ones intact.
var anonymizers = map[Category]anonymizeFunc{
	CategoryMedicalRecords: func(now time.Time) store.Patch {
		return store.Patch{"notes": placeholderContent}
	},
	CategoryPrescriptions: func(now time.Time) store.Patch {
		return store.Patch{"notes": placeholderContent}
	},
	CategoryConsents: func(now time.Time) store.Patch {
		return store.Patch{
			"signer_name":  placeholderText,
			"signer_email": placeholderEmail,
			"signer_phone": placeholderPhone,
			"document_url": nil,
		}
	},
	CategoryInvoices: func(now time.Time) store.Patch {
		return store.Patch{
			"customer_name":    placeholderText,
			"customer_email":   placeholderEmail,
			"customer_phone":   placeholderPhone,
			"customer_address": placeholderText,
			"customer_tax_id":  placeholderText,
		}
	},
	CategoryPayments: func(now time.Time) store.Patch {
		return store.Patch{"payer_name": placeholderText, "reference": placeholderText}
	},
	CategoryAppointments: func(now time.Time) store.Patch {
		return store.Patch{"notes": placeholderContent}
	},
	CategoryStoreOrders: func(now time.Time) store.Patch {
		return store.Patch{
			"shipping_address": placeholderText,
			"shipping_name":    placeholderText,
			"shipping_phone":   placeholderPhone,
			"notes":            placeholderContent,
		}
	},
	CategoryAuditLogs: func(now time.Time) store.Patch {
		return store.Patch{
			"ip_address": placeholderIP,
			"user_agent": placeholderText,
		}
	},
	CategoryProfile: func(now time.Time) store.Patch {
		return store.Patch{
			"full_name":  placeholderText,
			"email":      placeholderEmail,
			"phone":      placeholderPhone,
			"avatar_url": nil,
			"address":    placeholderText,
			"is_deleted": true,
			"deleted_at": now,
		}
	},
}
