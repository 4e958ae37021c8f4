package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"nfsync/internal/logger"
)

// CompletionConfig configures the chat-completion payload extractor.
type CompletionConfig struct {
	// Model is the OpenAI model name (e.g., gpt-4o-mini).
	Model string

	// Temperature close to zero keeps the extraction deterministic.
	Temperature float32

	// MaxRetries is how many times a failed completion request is retried.
	MaxRetries int
}

// CompletionExtractor implements Extractor for photos and scans: Vision OCR
// produces the document text, then a chat completion structures it into the
// fiscal payload.
type CompletionExtractor struct {
	ocr    *VisionOCR
	client *openai.Client
	config CompletionConfig
	log    zerolog.Logger
}

// NewCompletionExtractor creates the image backend with dependencies from
// environment. Requires OPENAI_API_KEY; optional OPENAI_MODEL,
// OPENAI_TEMPERATURE, COMPLETION_MAX_RETRIES.
func NewCompletionExtractor(ctx context.Context) (*CompletionExtractor, error) {
	const op = "NewCompletionExtractor"

	ocr, err := NewVisionOCR(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create OCR service: %w", op, err)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, WrapExtractionError(op, ErrMissingCredentials, "OPENAI_API_KEY environment variable is required")
	}

	config := CompletionConfig{
		Model:       os.Getenv("OPENAI_MODEL"),
		Temperature: parseFloatEnv("OPENAI_TEMPERATURE", 0.1),
		MaxRetries:  parseIntEnv("COMPLETION_MAX_RETRIES", 3),
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}

	return NewCompletionExtractorWithDeps(ocr, openai.NewClient(apiKey), config), nil
}

// NewCompletionExtractorWithDeps creates the backend with explicit dependencies.
func NewCompletionExtractorWithDeps(ocr *VisionOCR, client *openai.Client, config CompletionConfig) *CompletionExtractor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &CompletionExtractor{
		ocr:    ocr,
		client: client,
		config: config,
		log:    logger.WithComponent("completion-extract"),
	}
}

// Extract OCRs the image and structures the text into the fiscal payload.
func (e *CompletionExtractor) Extract(ctx context.Context, data []byte, mimeType string) (map[string]any, error) {
	const op = "ExtractImage"

	text, err := e.ocr.Text(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: OCR failed: %w", op, err)
	}

	e.log.Debug().
		Int("text_length", len(text)).
		Str("mime_type", mimeType).
		Msg("OCR extraction completed")

	payload, err := e.structureText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payload, nil
}

// Probe verifies the OpenAI API accepts the configured key.
func (e *CompletionExtractor) Probe(ctx context.Context) error {
	const op = "Probe"

	if _, err := e.client.ListModels(ctx); err != nil {
		return WrapExtractionError(op, ErrInvalidCredentials, fmt.Sprintf("OpenAI API unreachable: %v", err))
	}
	return nil
}

// completionResponse is the envelope the model is instructed to answer with.
type completionResponse struct {
	Success *bool          `json:"success"`
	Error   string         `json:"error"`
	Data    map[string]any `json:"data"`
}

func (e *CompletionExtractor) structureText(ctx context.Context, text string) (map[string]any, error) {
	const op = "structureText"

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxRetries; attempt++ {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       e.config.Model,
			Temperature: e.config.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: extractionPrompt + "\n\nTEXTO DO DOCUMENTO:\n" + text,
				},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			lastErr = err
			e.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_retries", e.config.MaxRetries).
				Msg("Completion request failed, retrying")
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no response choices from completion")
			continue
		}

		payload, err := parseCompletion(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			e.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("Completion response unparseable, retrying")
			continue
		}
		return payload, nil
	}

	return nil, WrapExtractionError(op, ErrMalformedResponse, fmt.Sprintf("after %d attempts: %v", e.config.MaxRetries, lastErr))
}

// parseCompletion decodes the model's answer, tolerating markdown fences
// and the envelope being omitted.
func parseCompletion(content string) (map[string]any, error) {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var envelope completionResponse
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON in completion response: %w", err)
	}

	if envelope.Success != nil && !*envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "extraction reported failure without detail"
		}
		return nil, WrapExtractionError("parseCompletion", ErrExtractionFailed, msg)
	}

	if envelope.Data != nil {
		return envelope.Data, nil
	}

	// Some answers skip the envelope and return the payload directly.
	var payload map[string]any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	delete(payload, "success")
	delete(payload, "error")
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload in completion response")
	}
	return payload, nil
}

const systemPrompt = `Você é um especialista em análise de documentos fiscais brasileiros. Você extrai dados de notas fiscais eletrônicas (NFe) a partir de texto OCR e responde sempre com JSON válido, sem nenhum texto adicional.`

const extractionPrompt = `Analise o texto OCR de uma nota fiscal abaixo e extraia TODOS os dados disponíveis de forma precisa e estruturada.

Retorne APENAS um JSON válido com a seguinte estrutura exata:

{
  "success": true,
  "data": {
    "numero_nota": "número da nota fiscal (ignore pontos e vírgulas)",
    "serie": "série da nota",
    "data_emissao": "data de emissão no formato DD/MM/AAAA",
    "cnpj_emissor": "CNPJ do emissor (apenas números, sem pontuação)",
    "razao_social_emissor": "razão social completa do emissor",
    "cnpj_destinatario": "CNPJ do destinatário (apenas números, sem pontuação)",
    "razao_social_destinatario": "razão social completa do destinatário",
    "valor_total": 1234.56,
    "valor_icms": 123.45,
    "chave_acesso": "chave de acesso da NFe (44 dígitos)",
    "items": [
      {
        "codigo": "código do produto/serviço",
        "descricao": "descrição completa do produto/serviço",
        "quantidade": "quantidade",
        "unidade": "unidade de medida",
        "valor_unitario": 123.45,
        "valor_total": 1234.56
      }
    ]
  }
}

REGRAS IMPORTANTES:
1. Para valores numéricos, use sempre formato decimal (ex: 1234.56, não "1.234,56")
2. Para datas, use formato DD/MM/AAAA
3. Para CNPJs, remova toda pontuação (apenas números)
4. Se um campo não for encontrado, use null (não string vazia)
5. Para arrays vazios, use []
6. Seja muito preciso na extração de números e valores
7. Se não conseguir extrair dados essenciais, retorne: {"success": false, "error": "Descrição específica do problema"}

Extraia TODOS os itens/produtos listados na nota fiscal, mesmo que sejam muitos.`

func parseIntEnv(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseFloatEnv(name string, fallback float32) float32 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
