package gdpr

import (
	"encoding/json"
	"time"
)

const (
	RequestTypeAccess        = "access"
	RequestTypeRectification = "rectification"
	RequestTypeErasure       = "erasure"
	RequestTypeRestriction   = "restriction"
	RequestTypePortability   = "portability"
	RequestTypeObjection     = "objection"
)

const (
	StatusPending              = "pending"
	StatusIdentityVerification = "identity_verification"
	StatusProcessing           = "processing"
	StatusCompleted            = "completed"
	StatusRejected             = "rejected"
	StatusCancelled            = "cancelled"
)

var validTransitions = map[string][]string{
	StatusPending:              {StatusIdentityVerification, StatusCancelled},
	StatusIdentityVerification: {StatusProcessing, StatusCancelled},
	StatusProcessing:           {StatusCompleted, StatusRejected},
}

// CanTransition reports whether a lifecycle request may move between the two
// statuses. Terminal statuses (completed, rejected, cancelled) have no
// outgoing transitions.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected || status == StatusCancelled
}

func ValidRequestType(requestType string) bool {
	switch requestType {
	case RequestTypeAccess, RequestTypeRectification, RequestTypeErasure,
		RequestTypeRestriction, RequestTypePortability, RequestTypeObjection:
		return true
	}
	return false
}

type LifecycleRequest struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	SubjectID         string     `json:"subjectId"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	RequestedAt       time.Time  `json:"requestedAt"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	VerificationToken string     `json:"-"`
	TokenExpiresAt    *time.Time `json:"-"`
	RejectionReason   string     `json:"rejectionReason,omitempty"`
	ExportPath        string     `json:"-"`
	ExportEncrypted   bool       `json:"-"`
	DownloadToken     string     `json:"-"`
	DownloadExpiresAt *time.Time `json:"-"`
}

type CategoryError struct {
	Category Category `json:"category"`
	Error    string   `json:"error"`
}

// ExportBundle is the point-in-time snapshot produced for access and
// portability requests. Its shape is fixed: every slice field is non-nil even
// when the subject has no data in that category, so serialization is
// deterministic and losslessly round-trippable.
type ExportBundle struct {
	ExportedAt     string              `json:"exportedAt"`
	Format         string              `json:"format"`
	DataSubject    DataSubjectInfo     `json:"dataSubject"`
	Profile        *ProfileData        `json:"profile"`
	Pets           []PetData           `json:"pets"`
	Appointments   []AppointmentData   `json:"appointments"`
	MedicalRecords []MedicalRecordData `json:"medicalRecords"`
	Prescriptions  []PrescriptionData  `json:"prescriptions"`
	Invoices       []InvoiceData       `json:"invoices"`
	Payments       []PaymentData       `json:"payments"`
	Messages       []MessageData       `json:"messages"`
	LoyaltyPoints  *LoyaltyData        `json:"loyaltyPoints"`
	StoreOrders    []StoreOrderData    `json:"storeOrders"`
	StoreReviews   []StoreReviewData   `json:"storeReviews"`
	Consents       []ConsentData       `json:"consents"`
	ActivityLog    []ActivityLogEntry  `json:"activityLog"`
	Errors         []CategoryError     `json:"errors"`
}

type DataSubjectInfo struct {
	UserID           string `json:"userId"`
	Email            string `json:"email"`
	FullName         string `json:"fullName"`
	TenantID         string `json:"tenantId"`
	TenantName       string `json:"tenantName"`
	Role             string `json:"role"`
	AccountCreatedAt string `json:"accountCreatedAt"`
}

type ProfileData struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type PetData struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Species     string  `json:"species"`
	Breed       string  `json:"breed,omitempty"`
	DateOfBirth string  `json:"dateOfBirth,omitempty"`
	Gender      string  `json:"gender,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	MicrochipID string  `json:"microchipId,omitempty"`
	IsDeceased  bool    `json:"isDeceased"`
	CreatedAt   string  `json:"createdAt"`
}

type AppointmentData struct {
	ID          string `json:"id"`
	PetName     string `json:"petName"`
	ServiceName string `json:"serviceName"`
	ScheduledAt string `json:"scheduledAt"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type MedicalRecordData struct {
	ID         string `json:"id"`
	PetName    string `json:"petName"`
	RecordType string `json:"recordType"`
	Date       string `json:"date"`
	Diagnosis  string `json:"diagnosis,omitempty"`
	Treatment  string `json:"treatment,omitempty"`
	Notes      string `json:"notes,omitempty"`
	VetName    string `json:"vetName,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type MedicationData struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

type PrescriptionData struct {
	ID           string           `json:"id"`
	PetName      string           `json:"petName"`
	Medications  []MedicationData `json:"medications"`
	PrescribedAt string           `json:"prescribedAt"`
	ValidUntil   string           `json:"validUntil"`
	VetName      string           `json:"vetName"`
}

type InvoiceItemData struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

type InvoiceData struct {
	ID            string            `json:"id"`
	InvoiceNumber string            `json:"invoiceNumber"`
	Date          string            `json:"date"`
	Items         []InvoiceItemData `json:"items"`
	Subtotal      float64           `json:"subtotal"`
	Tax           float64           `json:"tax"`
	Total         float64           `json:"total"`
	Status        string            `json:"status"`
}

type PaymentData struct {
	ID            string  `json:"id"`
	InvoiceNumber string  `json:"invoiceNumber,omitempty"`
	Amount        float64 `json:"amount"`
	Method        string  `json:"method"`
	Date          string  `json:"date"`
	Status        string  `json:"status"`
}

type MessageData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Direction      string `json:"direction"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
}

type LoyaltyTransaction struct {
	Date        string  `json:"date"`
	Points      float64 `json:"points"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
}

type LoyaltyData struct {
	CurrentBalance float64              `json:"currentBalance"`
	LifetimeEarned float64              `json:"lifetimeEarned"`
	Transactions   []LoyaltyTransaction `json:"transactions"`
}

type StoreOrderItemData struct {
	ProductName string  `json:"productName"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

type StoreOrderData struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"orderNumber"`
	Date            string               `json:"date"`
	Items           []StoreOrderItemData `json:"items"`
	Total           float64              `json:"total"`
	Status          string               `json:"status"`
	ShippingAddress string               `json:"shippingAddress,omitempty"`
}

type StoreReviewData struct {
	ID          string  `json:"id"`
	ProductName string  `json:"productName"`
	Rating      float64 `json:"rating"`
	Comment     string  `json:"comment,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

type ConsentData struct {
	ID           string `json:"id"`
	TemplateName string `json:"templateName"`
	SignedAt     string `json:"signedAt"`
	PetName      string `json:"petName,omitempty"`
	DocumentURL  string `json:"documentUrl,omitempty"`
}

type ActivityLogEntry struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Timestamp string `json:"timestamp"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// DeletionResult reports what an erasure run actually did, category by
// category. It is immutable once written to the compliance log.
type DeletionResult struct {
	Success              bool            `json:"success"`
	DeletedCategories    []Category      `json:"deletedCategories"`
	AnonymizedCategories []Category      `json:"anonymizedCategories"`
	RetainedCategories   []RetentionRule `json:"retainedCategories"`
	Errors               []CategoryError `json:"errors"`
	CompletedAt          string          `json:"completedAt"`
}

type Eligibility struct {
	CanDelete bool     `json:"canDelete"`
	Blockers  []string `json:"blockers"`
}

type ComplianceLogEntry struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"requestId"`
	SubjectID   string          `json:"subjectId"`
	TenantID    string          `json:"tenantId"`
	Action      string          `json:"action"`
	Details     json.RawMessage `json:"details,omitempty"`
	PerformedBy string          `json:"performedBy"`
	PerformedAt time.Time       `json:"performedAt"`
}
