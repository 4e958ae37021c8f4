// Package extract turns fiscal documents (PDF or photo) into the raw
// key-value payload the normalization layer consumes.
//
// Two backends are supported: Google Document AI for native PDFs, and a
// Vision OCR plus chat-completion pipeline for photos and scans. Both
// produce the same payload shape, keyed by the Brazilian fiscal field
// names (numero_nota, serie, cnpj_emissor, valor_total, items, ...), so
// downstream code never knows which backend ran.
//
// Required Environment Variables:
//   - GOOGLE_APPLICATION_CREDENTIALS: Path to service account JSON file, OR
//   - GOOGLE_CREDENTIALS: Inline JSON credentials string
//   - GOOGLE_PROJECT_ID: Google Cloud project ID (Document AI only)
//   - OPENAI_API_KEY: OpenAI API key (image pipeline only)
package extract

import (
	"bytes"
	"context"
	"strings"
)

// MaxDocumentSizeBytes is the maximum accepted document size (10MB).
const MaxDocumentSizeBytes = 10 * 1024 * 1024

// Supported input MIME types.
const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
)

// Extractor produces a raw fiscal payload from document bytes. The
// payload keys follow the NFe field naming; values are whatever the
// backend saw, unvalidated.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (map[string]any, error)
}

// Prober is implemented by backends that can verify their upstream
// service is reachable with the configured credentials.
type Prober interface {
	Probe(ctx context.Context) error
}

// Router dispatches documents to the extractor matching their MIME type.
type Router struct {
	pdf   Extractor
	image Extractor
}

// NewRouter creates a Router over the given backends. Either backend may
// be nil, in which case documents of that kind are rejected as unsupported.
func NewRouter(pdf, image Extractor) *Router {
	return &Router{pdf: pdf, image: image}
}

// Extract validates size and format, then delegates to the matching backend.
func (r *Router) Extract(ctx context.Context, data []byte, mimeType string) (map[string]any, error) {
	const op = "Extract"

	if len(data) == 0 {
		return nil, WrapExtractionError(op, ErrEmptyDocument, "empty input")
	}
	if len(data) > MaxDocumentSizeBytes {
		return nil, WrapExtractionError(op, ErrDocumentTooLarge, "input exceeds 10MB")
	}

	switch NormalizeMimeType(data, mimeType) {
	case MimePDF:
		if r.pdf == nil {
			return nil, WrapExtractionError(op, ErrUnsupportedFormat, "no PDF backend configured")
		}
		return r.pdf.Extract(ctx, data, MimePDF)
	case MimeJPEG, MimePNG, MimeWebP:
		if r.image == nil {
			return nil, WrapExtractionError(op, ErrUnsupportedFormat, "no image backend configured")
		}
		return r.image.Extract(ctx, data, mimeType)
	default:
		return nil, WrapExtractionError(op, ErrUnsupportedFormat, mimeType)
	}
}

// Probe checks upstream connectivity of the configured backends. Backends
// that expose no probe of their own count as reachable; a Router with no
// backends at all does not.
func (r *Router) Probe(ctx context.Context) error {
	const op = "Probe"

	if r.pdf == nil && r.image == nil {
		return WrapExtractionError(op, ErrMissingCredentials, "no extraction backends configured")
	}
	for _, backend := range []Extractor{r.pdf, r.image} {
		p, ok := backend.(Prober)
		if !ok {
			continue
		}
		if err := p.Probe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeMimeType resolves the effective MIME type, preferring content
// sniffing over the declared type: messaging clients routinely mislabel
// PDFs as octet-stream.
func NormalizeMimeType(data []byte, declared string) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return MimePDF
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return MimeJPEG
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return MimePNG
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return MimeWebP
	}

	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared == "image/jpg" {
		return MimeJPEG
	}
	return declared
}
