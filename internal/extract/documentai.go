package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"nfsync/internal/logger"
)

// DocumentAIConfig holds configuration for the Document AI PDF backend.
type DocumentAIConfig struct {
	// ProjectID is the Google Cloud project ID where Document AI is enabled.
	ProjectID string

	// Location is the processing location (e.g., "us", "eu").
	Location string

	// ProcessorID is the Document AI processor ID. The processor is
	// expected to be trained on Brazilian fiscal documents.
	ProcessorID string

	// Timeout is the maximum time to wait for processing.
	// Default: 60 seconds.
	Timeout time.Duration
}

// DocumentAIExtractor implements Extractor for PDF documents using Google
// Document AI.
type DocumentAIExtractor struct {
	client *documentai.DocumentProcessorClient
	config DocumentAIConfig
	log    zerolog.Logger
}

// NewDocumentAIExtractor creates the PDF backend with credentials from environment.
// Expects: GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS
// Requires: GOOGLE_PROJECT_ID
// Optional: GOOGLE_LOCATION (default "us"), GOOGLE_PROCESSOR_ID
func NewDocumentAIExtractor(ctx context.Context) (*DocumentAIExtractor, error) {
	const op = "NewDocumentAIExtractor"

	config := DocumentAIConfig{
		ProjectID:   getEnvVar("GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
		Location:    getEnvVar("GOOGLE_LOCATION", "GOOGLE_CLOUD_LOCATION"),
		ProcessorID: getEnvVar("GOOGLE_PROCESSOR_ID", "DOCUMENT_AI_PROCESSOR_ID"),
		Timeout:     60 * time.Second,
	}

	if config.ProjectID == "" {
		return nil, WrapExtractionError(op, ErrMissingCredentials, "GOOGLE_PROJECT_ID or GOOGLE_CLOUD_PROJECT is required")
	}
	if config.Location == "" {
		config.Location = "us"
	}

	var clientOptions []option.ClientOption
	if config.Location != "us" {
		endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", config.Location)
		clientOptions = append(clientOptions, option.WithEndpoint(endpoint))
	}

	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		clientOptions = append(clientOptions, option.WithCredentialsJSON([]byte(credJSON)))
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(credFile))
	}

	client, err := documentai.NewDocumentProcessorClient(ctx, clientOptions...)
	if err != nil {
		if len(clientOptions) == 0 {
			return nil, WrapExtractionError(op, ErrMissingCredentials, "no credentials found in environment")
		}
		return nil, WrapExtractionError(op, err, fmt.Sprintf("failed to create Document AI client for location: %s", config.Location))
	}

	return NewDocumentAIExtractorWithClient(config, client), nil
}

// NewDocumentAIExtractorWithClient creates the backend with explicit config
// and client (for testing).
func NewDocumentAIExtractorWithClient(config DocumentAIConfig, client *documentai.DocumentProcessorClient) *DocumentAIExtractor {
	return &DocumentAIExtractor{
		client: client,
		config: config,
		log:    logger.WithComponent("document-ai"),
	}
}

// Extract processes a PDF and maps the recognized entities to the fiscal
// payload shape.
func (e *DocumentAIExtractor) Extract(ctx context.Context, data []byte, mimeType string) (map[string]any, error) {
	const op = "ExtractPDF"

	if len(data) < 4 || string(data[:4]) != "%PDF" {
		return nil, WrapExtractionError(op, ErrUnsupportedFormat, "missing PDF header")
	}

	processCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: e.processorName(),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: MimePDF,
			},
		},
	}

	resp, err := e.client.ProcessDocument(processCtx, req)
	if err != nil {
		return nil, e.handleProcessingError(op, err)
	}
	if resp.Document == nil {
		return nil, WrapExtractionError(op, ErrExtractionFailed, "no document in response")
	}

	payload := e.payloadFromDocument(resp.Document)
	if len(payload) == 0 {
		return nil, WrapExtractionError(op, ErrEmptyDocument, "no fiscal entities recognized")
	}
	return payload, nil
}

// Probe verifies the processor is reachable with the configured credentials.
func (e *DocumentAIExtractor) Probe(ctx context.Context) error {
	const op = "Probe"

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &documentaipb.GetProcessorRequest{Name: e.processorName()}
	if _, err := e.client.GetProcessor(probeCtx, req); err != nil {
		return e.handleProcessingError(op, err)
	}
	return nil
}

func (e *DocumentAIExtractor) processorName() string {
	processorID := e.config.ProcessorID
	if processorID == "" {
		processorID = "default-invoice-processor"
	}
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		e.config.ProjectID, e.config.Location, processorID)
}

// handleProcessingError converts Document AI errors to extraction errors.
func (e *DocumentAIExtractor) handleProcessingError(op string, err error) error {
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "PERMISSION_DENIED"):
		return WrapExtractionError(op, ErrInvalidCredentials, "insufficient permissions for Document AI")
	case strings.Contains(errStr, "QUOTA_EXCEEDED") || strings.Contains(errStr, "RESOURCE_EXHAUSTED"):
		return WrapExtractionError(op, ErrQuotaExceeded, "Document AI API quota exceeded")
	case strings.Contains(errStr, "NOT_FOUND"):
		return WrapExtractionError(op, ErrExtractionFailed, fmt.Sprintf("processor not found: %s", e.config.ProcessorID))
	case strings.Contains(errStr, "INVALID_ARGUMENT"):
		return WrapExtractionError(op, ErrUnsupportedFormat, "document format not supported or corrupted")
	case strings.Contains(errStr, "context deadline exceeded"):
		return WrapExtractionError(op, context.DeadlineExceeded, "processing timeout")
	case strings.Contains(errStr, "context canceled"):
		return WrapExtractionError(op, context.Canceled, "processing was canceled")
	default:
		return WrapExtractionError(op, ErrExtractionFailed, fmt.Sprintf("Document AI error: %v", err))
	}
}

// payloadFromDocument maps recognized entities to the fiscal payload keys.
// Entity type names cover both the stock invoice processor vocabulary and a
// processor trained directly on NFe field names.
func (e *DocumentAIExtractor) payloadFromDocument(doc *documentaipb.Document) map[string]any {
	payload := make(map[string]any)
	var items []any

	for _, entity := range doc.Entities {
		value := strings.TrimSpace(entity.MentionText)

		e.log.Debug().
			Str("entity_type", entity.Type).
			Str("value", value).
			Float32("confidence", entity.Confidence).
			Msg("Processing Document AI entity")

		switch entity.Type {
		case "invoice_id", "numero_nota":
			payload["numero_nota"] = value
		case "serie", "invoice_series":
			payload["serie"] = value
		case "invoice_date", "data_emissao":
			if date, ok := entityDate(entity); ok {
				payload["data_emissao"] = date
			}
		case "supplier_name", "razao_social_emissor":
			payload["razao_social_emissor"] = value
		case "supplier_tax_id", "cnpj_emissor":
			payload["cnpj_emissor"] = value
		case "receiver_name", "razao_social_destinatario":
			payload["razao_social_destinatario"] = value
		case "receiver_tax_id", "cnpj_destinatario":
			payload["cnpj_destinatario"] = value
		case "total_amount", "valor_total":
			if amount, ok := entityAmount(entity); ok {
				payload["valor_total"] = amount
			}
		case "total_tax_amount", "vat_amount", "valor_icms":
			if amount, ok := entityAmount(entity); ok {
				payload["valor_icms"] = amount
			}
		case "chave_acesso", "access_key":
			payload["chave_acesso"] = value
		case "line_item":
			if item := lineItemPayload(entity); len(item) > 0 {
				items = append(items, item)
			}
		}
	}

	if len(items) > 0 {
		payload["items"] = items
	}
	return payload
}

// lineItemPayload maps one line_item entity's properties to an item object.
func lineItemPayload(entity *documentaipb.Document_Entity) map[string]any {
	item := make(map[string]any)
	for _, prop := range entity.Properties {
		value := strings.TrimSpace(prop.MentionText)
		switch prop.Type {
		case "line_item/product_code", "line_item/product-code":
			item["codigo"] = value
		case "line_item/description":
			item["descricao"] = value
		case "line_item/quantity":
			item["quantidade"] = value
		case "line_item/unit":
			item["unidade"] = value
		case "line_item/unit_price":
			if amount, ok := entityAmount(prop); ok {
				item["valor_unitario"] = amount
			}
		case "line_item/amount":
			if amount, ok := entityAmount(prop); ok {
				item["valor_total"] = amount
			}
		}
	}
	return item
}

// entityDate prefers the normalized date value, formatted the Brazilian way.
func entityDate(entity *documentaipb.Document_Entity) (string, bool) {
	if entity.NormalizedValue != nil {
		if dv := entity.NormalizedValue.GetDateValue(); dv != nil {
			return fmt.Sprintf("%02d/%02d/%04d", dv.Day, dv.Month, dv.Year), true
		}
	}
	value := strings.TrimSpace(entity.MentionText)
	return value, value != ""
}

// entityAmount prefers the normalized money value over the mention text.
// The mention text is passed through as-is; the normalization layer knows
// how to read Brazilian decimal formatting.
func entityAmount(entity *documentaipb.Document_Entity) (any, bool) {
	if entity.NormalizedValue != nil {
		if mv := entity.NormalizedValue.GetMoneyValue(); mv != nil {
			return float64(mv.Units) + float64(mv.Nanos)/1e9, true
		}
	}
	value := strings.TrimSpace(entity.MentionText)
	return value, value != ""
}

func getEnvVar(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
