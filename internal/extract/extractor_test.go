package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExtractor records what it was asked to extract.
type stubExtractor struct {
	payload  map[string]any
	err      error
	gotMime  string
	gotBytes int
}

func (s *stubExtractor) Extract(ctx context.Context, data []byte, mimeType string) (map[string]any, error) {
	s.gotMime = mimeType
	s.gotBytes = len(data)
	return s.payload, s.err
}

var (
	pdfBytes  = []byte("%PDF-1.7 fake content")
	jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	pngBytes  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
)

func TestNormalizeMimeType(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		declared string
		want     string
	}{
		{"pdf header wins", pdfBytes, "application/octet-stream", MimePDF},
		{"jpeg header wins", jpegBytes, "", MimeJPEG},
		{"png header wins", pngBytes, "text/plain", MimePNG},
		{"declared used when unsniffable", []byte("plain"), "application/pdf", MimePDF},
		{"jpg alias normalized", []byte("plain"), "image/jpg", MimeJPEG},
		{"parameters stripped", []byte("plain"), "image/png; charset=binary", MimePNG},
		{"unknown stays unknown", []byte("plain"), "text/html", "text/html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeMimeType(tc.data, tc.declared))
		})
	}
}

func TestRouter_DispatchesByType(t *testing.T) {
	pdf := &stubExtractor{payload: map[string]any{"numero_nota": "1"}}
	image := &stubExtractor{payload: map[string]any{"numero_nota": "2"}}
	r := NewRouter(pdf, image)

	payload, err := r.Extract(context.Background(), pdfBytes, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "1", payload["numero_nota"])
	assert.Equal(t, MimePDF, pdf.gotMime)

	payload, err = r.Extract(context.Background(), jpegBytes, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "2", payload["numero_nota"])
	assert.Equal(t, MimeJPEG, image.gotMime)
}

func TestRouter_RejectsBadInput(t *testing.T) {
	r := NewRouter(&stubExtractor{}, &stubExtractor{})

	_, err := r.Extract(context.Background(), nil, MimePDF)
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = r.Extract(context.Background(), []byte("hello"), "text/html")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	big := make([]byte, MaxDocumentSizeBytes+1)
	_, err = r.Extract(context.Background(), big, MimePDF)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestRouter_MissingBackend(t *testing.T) {
	r := NewRouter(nil, nil)

	_, err := r.Extract(context.Background(), pdfBytes, MimePDF)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = r.Extract(context.Background(), jpegBytes, MimeJPEG)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// probingExtractor is a stub backend with its own connectivity probe.
type probingExtractor struct {
	stubExtractor
	probeErr error
}

func (p *probingExtractor) Probe(ctx context.Context) error {
	return p.probeErr
}

func TestRouter_Probe(t *testing.T) {
	t.Run("no backends is unreachable", func(t *testing.T) {
		err := NewRouter(nil, nil).Probe(context.Background())
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("unprobeable backend counts as reachable", func(t *testing.T) {
		assert.NoError(t, NewRouter(nil, &stubExtractor{}).Probe(context.Background()))
	})

	t.Run("backend probe failure surfaces", func(t *testing.T) {
		failing := &probingExtractor{probeErr: WrapExtractionError("Probe", ErrInvalidCredentials, "key rejected")}
		err := NewRouter(&stubExtractor{}, failing).Probe(context.Background())
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("healthy probes pass", func(t *testing.T) {
		assert.NoError(t, NewRouter(&probingExtractor{}, &probingExtractor{}).Probe(context.Background()))
	})
}

func TestParseCompletion(t *testing.T) {
	t.Run("enveloped payload", func(t *testing.T) {
		payload, err := parseCompletion(`{"success": true, "data": {"numero_nota": "123", "valor_total": 99.9}}`)
		require.NoError(t, err)
		assert.Equal(t, "123", payload["numero_nota"])
		assert.Equal(t, 99.9, payload["valor_total"])
	})

	t.Run("markdown fences stripped", func(t *testing.T) {
		payload, err := parseCompletion("```json\n{\"success\": true, \"data\": {\"numero_nota\": \"5\"}}\n```")
		require.NoError(t, err)
		assert.Equal(t, "5", payload["numero_nota"])
	})

	t.Run("bare payload without envelope", func(t *testing.T) {
		payload, err := parseCompletion(`{"numero_nota": "7", "serie": "1"}`)
		require.NoError(t, err)
		assert.Equal(t, "7", payload["numero_nota"])
	})

	t.Run("reported failure surfaces error", func(t *testing.T) {
		_, err := parseCompletion(`{"success": false, "error": "imagem ilegível"}`)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrExtractionFailed)
		assert.Contains(t, err.Error(), "imagem ilegível")
	})

	t.Run("invalid json rejected", func(t *testing.T) {
		_, err := parseCompletion("sorry, I cannot do that")
		assert.Error(t, err)
	})
}

func TestExtractionError_Wrapping(t *testing.T) {
	err := WrapExtractionError("ExtractPDF", ErrQuotaExceeded, "burst")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "ExtractPDF")

	// Wrapping is idempotent.
	again := WrapExtractionError("Outer", err, "")
	assert.Equal(t, err, again)

	assert.NoError(t, WrapExtractionError("Op", nil, ""))
}
