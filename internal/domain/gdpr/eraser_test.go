package gdpr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vetcare/internal/store"
)

type fakeAuthDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeAuthDeleter) DeleteUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, userID)
	return nil
}

func seedErasureFixture(mem *store.Memory) {
	seedSubject(mem)
	mem.Seed("pets", store.Record{
		"tenant_id": "t1", "id": "p1", "owner_id": "u1", "name": "Rocky",
		"species": "dog", "microchip_id": "941000012345678", "is_deleted": false,
	})
	mem.Seed("medical_records", store.Record{
		"tenant_id": "t1", "id": "m1", "pet_id": "p1", "notes": "se asusta con el torno",
	})
	mem.Seed("conversations", store.Record{"tenant_id": "t1", "id": "c1", "customer_id": "u1"})
	mem.Seed("messages", store.Record{"tenant_id": "t1", "id": "msg1", "conversation_id": "c1", "sender_id": "u1", "content": "hola"})
	mem.Seed("message_attachments", store.Record{"tenant_id": "t1", "id": "att1", "message_id": "msg1"})
	mem.Seed("store_cart", store.Record{"tenant_id": "t1", "id": "cart1", "customer_id": "u1"})
	mem.Seed("notifications", store.Record{"tenant_id": "t1", "id": "n1", "user_id": "u1"})
	mem.Seed("loyalty_points", store.Record{"tenant_id": "t1", "id": "lp1", "customer_id": "u1", "balance": 120.0})
	mem.Seed("invoices", store.Record{
		"tenant_id": "t1", "id": "i1", "customer_id": "u1", "status": "paid",
		"customer_name": "Marta García", "customer_email": "marta@example.com", "total": 48.4,
	})
	mem.Seed("audit_logs", store.Record{
		"tenant_id": "t1", "id": "l1", "user_id": "u1", "action": "login", "ip_address": "192.0.2.10", "user_agent": "Mozilla/5.0",
	})
}

func TestEraseHappyPath(t *testing.T) {
	mem := store.NewMemory()
	seedErasureFixture(mem)
	auth := &fakeAuthDeleter{}
	eraser := NewEraser(mem, auth, time.Second)

	result, err := eraser.Erase(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !result.Success {
		t.Fatalf("erasure failed: %+v", result.Errors)
	}

	for _, table := range []string{"message_attachments", "messages", "conversations", "store_cart", "notifications", "loyalty_points"} {
		if rows := mem.Rows(table); len(rows) != 0 {
			t.Errorf("%s not emptied: %d rows left", table, len(rows))
		}
	}

	records := mem.Rows("medical_records")
	if len(records) != 1 {
		t.Fatalf("medical record deleted instead of anonymized")
	}
	if records[0]["notes"] != placeholderContent {
		t.Errorf("medical notes = %v, want placeholder", records[0]["notes"])
	}

	invoices := mem.Rows("invoices")
	if invoices[0]["customer_name"] != placeholderText || invoices[0]["customer_email"] != placeholderEmail {
		t.Errorf("invoice not anonymized: %+v", invoices[0])
	}
	if invoices[0]["total"] != 48.4 {
		t.Errorf("invoice amount changed during anonymization: %v", invoices[0]["total"])
	}

	logs := mem.Rows("audit_logs")
	if logs[0]["ip_address"] != placeholderIP {
		t.Errorf("audit log ip = %v", logs[0]["ip_address"])
	}

	pets := mem.Rows("pets")
	if pets[0]["name"] != placeholderText || pets[0]["is_deleted"] != true || pets[0]["microchip_id"] != nil {
		t.Errorf("pet not scrubbed: %+v", pets[0])
	}
	if pets[0]["deleted_at"] == nil {
		t.Error("pet missing deletion timestamp")
	}

	profiles := mem.Rows("profiles")
	if profiles[0]["full_name"] != placeholderText || profiles[0]["email"] != placeholderEmail ||
		profiles[0]["phone"] != placeholderPhone || profiles[0]["is_deleted"] != true {
		t.Errorf("profile not anonymized: %+v", profiles[0])
	}
	if profiles[0]["deleted_at"] == nil {
		t.Error("profile missing deletion timestamp")
	}

	if len(auth.deleted) != 1 || auth.deleted[0] != "u1" {
		t.Errorf("auth identity not removed: %v", auth.deleted)
	}
	if len(result.RetainedCategories) == 0 {
		t.Error("result missing retained category rules")
	}
}

func TestEraseStepFailureStillRemovesAuthIdentity(t *testing.T) {
	mem := store.NewMemory()
	seedErasureFixture(mem)
	mem.FailWith("invoices", errors.New("deadlock detected"))
	auth := &fakeAuthDeleter{}
	eraser := NewEraser(mem, auth, time.Second)

	result, err := eraser.Erase(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if result.Success {
		t.Fatal("run reported success despite a failed step")
	}

	var invoiceErr bool
	for _, ce := range result.Errors {
		if ce.Category == CategoryInvoices {
			invoiceErr = true
		}
	}
	if !invoiceErr {
		t.Errorf("invoice failure not recorded: %v", result.Errors)
	}

	// A failed category never blocks the login removal.
	if len(auth.deleted) != 1 || auth.deleted[0] != "u1" {
		t.Errorf("auth identity not removed: %v", auth.deleted)
	}

	// Other steps keep going: messages were still removed.
	if rows := mem.Rows("messages"); len(rows) != 0 {
		t.Errorf("messages left behind: %d", len(rows))
	}
}

func TestEraseAuthDeletionFailureRecorded(t *testing.T) {
	mem := store.NewMemory()
	seedErasureFixture(mem)
	auth := &fakeAuthDeleter{err: errors.New("identity provider unavailable")}
	eraser := NewEraser(mem, auth, time.Second)

	result, err := eraser.Erase(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if result.Success {
		t.Fatal("run reported success despite auth deletion failing")
	}

	var authErr bool
	for _, ce := range result.Errors {
		if ce.Category == CategoryAuthUser {
			authErr = true
		}
	}
	if !authErr {
		t.Errorf("auth failure not recorded: %v", result.Errors)
	}
	for _, c := range result.DeletedCategories {
		if c == CategoryAuthUser {
			t.Error("auth user reported deleted despite failure")
		}
	}
}

func TestEraseFailureResolvesViaStoreError(t *testing.T) {
	mem := store.NewMemory()
	seedSubject(mem)
	mem.FailWith("pets", errors.New("connection refused"))
	eraser := NewEraser(mem, &fakeAuthDeleter{}, time.Second)

	if _, err := eraser.Erase(context.Background(), "t1", "u1"); err == nil {
		t.Fatal("expected resolve failure to surface")
	}
}

func TestEraseIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	seedErasureFixture(mem)
	auth := &fakeAuthDeleter{}
	eraser := NewEraser(mem, auth, time.Second)

	if _, err := eraser.Erase(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := eraser.Erase(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !result.Success {
		t.Fatalf("second run failed: %+v", result.Errors)
	}

	profiles := mem.Rows("profiles")
	if profiles[0]["full_name"] != placeholderText {
		t.Errorf("profile changed on second run: %+v", profiles[0])
	}
}

func TestErasurePlanOrdering(t *testing.T) {
	index := map[string]int{}
	for i, step := range erasurePlan {
		index[step.Table] = i
	}

	before := []struct{ child, parent string }{
		{"message_attachments", "messages"},
		{"messages", "conversations"},
		{"medical_records", "pets"},
		{"prescriptions", "pets"},
		{"pets", "profiles"},
	}
	for _, tc := range before {
		ci, ok := index[tc.child]
		if !ok {
			t.Fatalf("plan missing table %s", tc.child)
		}
		pi, ok := index[tc.parent]
		if !ok {
			t.Fatalf("plan missing table %s", tc.parent)
		}
		if ci >= pi {
			t.Errorf("%s (step %d) must run before %s (step %d)", tc.child, ci, tc.parent, pi)
		}
	}

	if erasurePlan[len(erasurePlan)-1].Table != "profiles" {
		t.Errorf("profiles must be the final plan step, got %s", erasurePlan[len(erasurePlan)-1].Table)
	}
}
