package gdpr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jung-kurt/gofpdf"

	"vetcare/internal/platform/crypto"
)

// downloadTTL bounds how long a generated export stays downloadable.
const downloadTTL = 24 * time.Hour

// GenerateExportJSON serializes a bundle as indented UTF-8 JSON. The output is
// stable for a given bundle: field order is fixed by the struct and every
// collection is present even when empty.
func GenerateExportJSON(bundle *ExportBundle) ([]byte, error) {
	return json.MarshalIndent(bundle, "", "  ")
}

// ParseExportBundle is the inverse of GenerateExportJSON, used by the
// portability flow and by integrity checks on stored exports.
func ParseExportBundle(data []byte) (*ExportBundle, error) {
	var bundle ExportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse export bundle: %w", err)
	}
	return &bundle, nil
}

func ExportSize(bundle *ExportBundle) (int, error) {
	data, err := GenerateExportJSON(bundle)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Exporter writes export artifacts to disk: the JSON bundle, encrypted at
// rest when a data key is configured, plus a human-readable PDF cover sheet.
type Exporter struct {
	dir       string
	encryptor *crypto.Service
	now       func() time.Time
}

func NewExporter(dir string, encryptor *crypto.Service) *Exporter {
	return &Exporter{dir: dir, encryptor: encryptor, now: time.Now}
}

// Write persists the bundle for a request and returns the artifact path,
// whether it was encrypted, and a single-use download token valid for 24
// hours.
func (e *Exporter) Write(ctx context.Context, requestID string, bundle *ExportBundle) (path string, encrypted bool, token string, expiresAt time.Time, err error) {
	if err = ctx.Err(); err != nil {
		return "", false, "", time.Time{}, err
	}

	data, err := GenerateExportJSON(bundle)
	if err != nil {
		return "", false, "", time.Time{}, err
	}

	if err = os.MkdirAll(e.dir, 0o750); err != nil {
		return "", false, "", time.Time{}, err
	}

	encrypted = e.encryptor.Configured()
	payload, err := e.encryptor.Encrypt(data)
	if err != nil {
		return "", false, "", time.Time{}, err
	}

	name := fmt.Sprintf("export-%s.json", requestID)
	if encrypted {
		name += ".enc"
	}
	path = filepath.Join(e.dir, name)
	if err = os.WriteFile(path, payload, 0o600); err != nil {
		return "", false, "", time.Time{}, err
	}

	if err = e.writeSummaryPDF(requestID, bundle); err != nil {
		return "", false, "", time.Time{}, err
	}

	raw := make([]byte, tokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", false, "", time.Time{}, err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	expiresAt = e.now().Add(downloadTTL)
	return path, encrypted, token, expiresAt, nil
}

// Read loads and, if needed, decrypts a stored export artifact.
func (e *Exporter) Read(path string) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.encryptor.Decrypt(payload)
}

func (e *Exporter) writeSummaryPDF(requestID string, bundle *ExportBundle) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Exportación de datos personales")
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(60, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}
	line("Solicitud", requestID)
	line("Titular", bundle.DataSubject.FullName)
	line("Email", bundle.DataSubject.Email)
	line("Clínica", bundle.DataSubject.TenantName)
	line("Generado", bundle.ExportedAt)
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Contenido del archivo")
	pdf.Ln(9)
	pdf.SetFont("Helvetica", "", 11)
	count := func(label string, n int) {
		pdf.CellFormat(90, 6, label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, fmt.Sprintf("%d", n), "", 1, "R", false, 0, "")
	}
	count("Mascotas", len(bundle.Pets))
	count("Citas", len(bundle.Appointments))
	count("Historiales clínicos", len(bundle.MedicalRecords))
	count("Recetas", len(bundle.Prescriptions))
	count("Facturas", len(bundle.Invoices))
	count("Pagos", len(bundle.Payments))
	count("Mensajes", len(bundle.Messages))
	count("Pedidos de tienda", len(bundle.StoreOrders))
	count("Reseñas", len(bundle.StoreReviews))
	count("Consentimientos", len(bundle.Consents))
	count("Registro de actividad", len(bundle.ActivityLog))

	name := fmt.Sprintf("export-%s-summary.pdf", requestID)
	return pdf.OutputFileAndClose(filepath.Join(e.dir, name))
}
