package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"vetcare/internal/store"
)

func seedSubject(mem *store.Memory) {
	mem.Seed("tenants", store.Record{"id": "t1", "name": "Clínica San Antón"})
	mem.Seed("profiles", store.Record{
		"tenant_id":  "t1",
		"id":         "u1",
		"full_name":  "Marta García",
		"email":      "marta@example.com",
		"phone":      "600111222",
		"role":       "owner",
		"created_at": time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		"updated_at": time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		"is_deleted": false,
	})
}

func TestCollectEmptySubjectHasFixedShape(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)

	bundle, err := NewCollector(mem).Collect(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	data, err := GenerateExportJSON(bundle)
	if err != nil {
		t.Fatalf("GenerateExportJSON: %v", err)
	}
	out := string(data)
	for _, field := range []string{"pets", "appointments", "invoices", "messages", "consents", "activityLog", "errors"} {
		if strings.Contains(out, fmt.Sprintf("%q: null", field)) {
			t.Errorf("field %s serialized as null instead of an empty array", field)
		}
	}
	if bundle.Profile == nil {
		t.Fatal("profile missing")
	}
	if bundle.DataSubject.TenantName != "Clínica San Antón" {
		t.Errorf("tenant name = %q", bundle.DataSubject.TenantName)
	}
	if len(bundle.Errors) != 0 {
		t.Errorf("unexpected collection errors: %v", bundle.Errors)
	}
}

func TestCollectUnknownSubject(t *testing.T) {
	mem := store.NewMemory()
	if _, err := NewCollector(mem).Collect(context.Background(), "t1", "ghost"); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("err = %v, want ErrSubjectNotFound", err)
	}
}

func TestCollectJoinsRelatedNames(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)
	mem.Seed("pets", store.Record{
		"tenant_id": "t1", "id": "p1", "owner_id": "u1", "name": "Rocky",
		"species": "dog", "is_deceased": false,
		"created_at": time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	mem.Seed("services", store.Record{"tenant_id": "t1", "id": "s1", "name": "Vacunación anual"})
	mem.Seed("appointments", store.Record{
		"tenant_id": "t1", "id": "a1", "owner_id": "u1", "pet_id": "p1", "service_id": "s1",
		"status": "completed", "scheduled_at": time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC),
		"created_at": time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
	})
	mem.Seed("profiles", store.Record{
		"tenant_id": "t1", "id": "vet1", "full_name": "Dr. Íñigo Ruiz", "email": "inigo@clinic.example", "role": "vet",
		"created_at": time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		"updated_at": time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	mem.Seed("medical_records", store.Record{
		"tenant_id": "t1", "id": "m1", "pet_id": "p1", "vet_id": "vet1",
		"record_type": "vaccination", "record_date": time.Date(2025, 2, 3, 10, 30, 0, 0, time.UTC),
		"diagnosis": "sano", "created_at": time.Date(2025, 2, 3, 11, 0, 0, 0, time.UTC),
	})
	mem.Seed("prescriptions", store.Record{
		"tenant_id": "t1", "id": "rx1", "pet_id": "p1", "vet_id": "vet1",
		"medications": []any{
			map[string]any{"name": "Amoxicilina", "dosage": "250mg", "frequency": "12h", "duration": "7 días"},
		},
		"prescribed_at": time.Date(2025, 2, 3, 11, 0, 0, 0, time.UTC),
		"valid_until":   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
	})

	bundle, err := NewCollector(mem).Collect(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(bundle.Appointments) != 1 || bundle.Appointments[0].ServiceName != "Vacunación anual" {
		t.Errorf("appointment service name not resolved: %+v", bundle.Appointments)
	}
	if len(bundle.MedicalRecords) != 1 {
		t.Fatalf("medical records = %d, want 1", len(bundle.MedicalRecords))
	}
	if bundle.MedicalRecords[0].PetName != "Rocky" || bundle.MedicalRecords[0].VetName != "Dr. Íñigo Ruiz" {
		t.Errorf("medical record names not resolved: %+v", bundle.MedicalRecords[0])
	}
	if len(bundle.Prescriptions) != 1 || len(bundle.Prescriptions[0].Medications) != 1 {
		t.Fatalf("prescriptions not collected: %+v", bundle.Prescriptions)
	}
	if bundle.Prescriptions[0].Medications[0].Name != "Amoxicilina" {
		t.Errorf("medication = %+v", bundle.Prescriptions[0].Medications[0])
	}
}

func TestCollectIsolatesCategoryFailures(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)
	mem.Seed("invoices", store.Record{
		"tenant_id": "t1", "id": "i1", "customer_id": "u1", "invoice_number": "F-2025-001",
		"subtotal": 40.0, "tax": 8.4, "total": 48.4, "status": "paid",
		"issued_at": time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	mem.FailWith("messages", errors.New("connection reset"))
	mem.FailWith("conversations", errors.New("connection reset"))

	bundle, err := NewCollector(mem).Collect(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(bundle.Invoices) != 1 {
		t.Errorf("healthy category lost: invoices = %d", len(bundle.Invoices))
	}
	var found bool
	for _, ce := range bundle.Errors {
		if ce.Category == CategoryMessages {
			found = true
		}
	}
	if !found {
		t.Errorf("messages failure not reported in bundle errors: %v", bundle.Errors)
	}
}

func TestExportBundleRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)
	mem.Seed("audit_logs", store.Record{
		"tenant_id": "t1", "id": "l1", "user_id": "u1", "action": "login",
		"resource": "session", "ip_address": "192.0.2.10",
		"created_at": time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
	})

	bundle, err := NewCollector(mem).Collect(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	data, err := GenerateExportJSON(bundle)
	if err != nil {
		t.Fatalf("GenerateExportJSON: %v", err)
	}
	parsed, err := ParseExportBundle(data)
	if err != nil {
		t.Fatalf("ParseExportBundle: %v", err)
	}
	again, err := GenerateExportJSON(parsed)
	if err != nil {
		t.Fatalf("re-serialize: %v", err)
	}
	if string(data) != string(again) {
		t.Error("export bundle does not round trip losslessly")
	}
	if len(parsed.ActivityLog) != 1 || parsed.ActivityLog[0].Action != "login" {
		t.Errorf("activity log lost in round trip: %+v", parsed.ActivityLog)
	}
}

func TestActivityLogCapped(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < activityLogCap+50; i++ {
		mem.Seed("audit_logs", store.Record{
			"tenant_id": "t1", "id": fmt.Sprintf("l%04d", i), "user_id": "u1",
			"action": "view", "resource": "pet",
			"created_at": base.Add(time.Duration(i) * time.Minute),
		})
	}

	bundle, err := NewCollector(mem).Collect(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(bundle.ActivityLog) != activityLogCap {
		t.Errorf("activity log = %d entries, want %d", len(bundle.ActivityLog), activityLogCap)
	}
}

func TestBundleJSONOmitsSecrets(t *testing.T) {
	req := LifecycleRequest{
		ID: "r1", VerificationToken: "secret-token", DownloadToken: "dl-token",
		ExportPath: "/var/exports/export-r1.json", RequestedAt: time.Now(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, leak := range []string{"secret-token", "dl-token", "/var/exports"} {
		if strings.Contains(string(data), leak) {
			t.Errorf("request JSON leaks %q: %s", leak, data)
		}
	}
}
