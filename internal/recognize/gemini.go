package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/api/option"

	"github.com/receiptwise/pipeline/internal/common"
)

const geminiPrompt = `Transcribe every line of text on this receipt photo, preserving line breaks.
Estimate how certain you are about the transcription as a number between 0 and 1.

Return ONLY valid JSON in this exact format:
{"text": "<full transcription>", "confidence": 0.0}

Do not use markdown code blocks.`

// providerSchema pins the shape of the provider's reply. Anything that does
// not validate is rejected at the boundary instead of flowing on as untyped
// data.
var providerSchema = jsonschema.MustCompileString("gemini_response.json", `{
	"type": "object",
	"required": ["text", "confidence"],
	"properties": {
		"text": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

// GeminiEngine is the alternate recognition provider.
type GeminiEngine struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiEngine fails with common.ErrMissingConfig when no API key is
// configured; that error class is never retried.
func NewGeminiEngine(ctx context.Context, apiKey, modelName string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, common.NewAppError("GEMINI_CONFIG", "api key is required", common.ErrMissingConfig)
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client, model: client.GenerativeModel(modelName)}, nil
}

func (g *GeminiEngine) Name() string { return "gemini" }

func (g *GeminiEngine) Recognize(ctx context.Context, img []byte) (EngineResult, error) {
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("webp", img), genai.Text(geminiPrompt))
	if err != nil {
		return EngineResult{}, common.NewAppError("PROVIDER_ERROR", "gemini generate", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return EngineResult{}, common.NewAppError("PROVIDER_ERROR", "empty gemini response", nil)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	return decodeProviderReply(sb.String())
}

// decodeProviderReply validates and decodes the raw provider payload into a
// typed result.
func decodeProviderReply(raw string) (EngineResult, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return EngineResult{}, common.NewAppError("PROVIDER_ERROR", "invalid provider json", err)
	}
	if err := providerSchema.Validate(generic); err != nil {
		return EngineResult{}, common.NewAppError("PROVIDER_ERROR", "provider reply failed schema validation", err)
	}

	var reply struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return EngineResult{}, common.NewAppError("PROVIDER_ERROR", "decode provider json", err)
	}
	return EngineResult{Text: reply.Text, Confidence: reply.Confidence}, nil
}

func (g *GeminiEngine) Close() error {
	return g.client.Close()
}
