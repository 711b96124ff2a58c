package gdpr

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vetcare/internal/platform/crypto"
)

func sampleBundle() *ExportBundle {
	bundle := newBundle(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	bundle.DataSubject = DataSubjectInfo{
		UserID: "u1", Email: "marta@example.com", FullName: "Marta García",
		TenantID: "t1", TenantName: "Clínica San Antón", Role: "owner",
	}
	bundle.Profile = &ProfileData{ID: "u1", FullName: "Marta García", Email: "marta@example.com"}
	bundle.Pets = append(bundle.Pets, PetData{ID: "p1", Name: "Rocky", Species: "dog"})
	return bundle
}

func TestExporterWritesPlaintextWithoutKey(t *testing.T) {
	dir := t.TempDir()
	encryptor, _ := crypto.New("")
	exporter := NewExporter(dir, encryptor)

	path, encrypted, token, expiresAt, err := exporter.Write(context.Background(), "r1", sampleBundle())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if encrypted {
		t.Error("no key configured but artifact marked encrypted")
	}
	if token == "" || expiresAt.IsZero() {
		t.Error("download token not issued")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.Contains(string(raw), "marta@example.com") {
		t.Error("plaintext artifact does not contain the bundle")
	}

	if _, err := os.Stat(filepath.Join(dir, "export-r1-summary.pdf")); err != nil {
		t.Errorf("summary pdf missing: %v", err)
	}
}

func TestExporterEncryptsAtRest(t *testing.T) {
	dir := t.TempDir()
	encryptor, err := crypto.New(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	exporter := NewExporter(dir, encryptor)

	bundle := sampleBundle()
	path, encrypted, _, _, err := exporter.Write(context.Background(), "r2", bundle)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !encrypted {
		t.Fatal("configured key but artifact not marked encrypted")
	}
	if !strings.HasSuffix(path, ".enc") {
		t.Errorf("encrypted artifact path = %s", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if bytes.Contains(raw, []byte("marta@example.com")) {
		t.Error("personal data readable in encrypted artifact")
	}

	plain, err := exporter.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	parsed, err := ParseExportBundle(plain)
	if err != nil {
		t.Fatalf("decrypted artifact is not a bundle: %v", err)
	}
	if parsed.DataSubject.Email != "marta@example.com" {
		t.Errorf("decrypted bundle subject = %+v", parsed.DataSubject)
	}
}

func TestExportSizeMatchesSerialization(t *testing.T) {
	bundle := sampleBundle()
	data, err := GenerateExportJSON(bundle)
	if err != nil {
		t.Fatalf("GenerateExportJSON: %v", err)
	}
	size, err := ExportSize(bundle)
	if err != nil {
		t.Fatalf("ExportSize: %v", err)
	}
	if size != len(data) {
		t.Errorf("ExportSize = %d, serialized length = %d", size, len(data))
	}
}
