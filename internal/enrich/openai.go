package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
)

// OpenAIConfig configures the provider-backed enricher.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string        // optional, for compatible endpoints
	EmbeddingModel  string        // default: text-embedding-3-small
	ChatModel       string        // default: gpt-4o-mini
	Dimensions      int           // default: 1536
	GenerateTimeout time.Duration // bounds one answer generation, 0 means caller-provided deadline only
}

// OpenAIEnricher implements Enricher against the OpenAI API.
type OpenAIEnricher struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// Verify interface implementation
var _ Enricher = (*OpenAIEnricher)(nil)

// NewOpenAIEnricher creates a provider-backed enricher.
func NewOpenAIEnricher(cfg OpenAIConfig) (*OpenAIEnricher, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Unavailable("enrichment provider not configured: missing API key")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEnricher{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEnricher) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (e *OpenAIEnricher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.cfg.EmbeddingModel),
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "embedding request failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.Newf(apperr.KindUnavailable,
			"embedding count mismatch: asked %d, got %d", len(texts), len(resp.Data))
	}

	// The API may reorder results; Index restores request order.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, apperr.Newf(apperr.KindUnavailable, "embedding index out of range: %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

const analyzeNodeSystem = `You analyze a chunk of captured text. Respond with JSON only:
{"title": "short descriptive title", "summary": "1-2 sentence summary", "keywords": ["up to 8 keywords"], "importance": 0.0-1.0}
Importance reflects how central the chunk is to its document.`

// AnalyzeNode derives title, summary, keywords, and importance.
func (e *OpenAIEnricher) AnalyzeNode(ctx context.Context, content string, chunkType memory.ChunkType) (*NodeAnalysis, error) {
	user := fmt.Sprintf("Chunk type: %s\n\nContent:\n%s", chunkType, clip(content, 8000))
	raw, err := e.chatJSON(ctx, analyzeNodeSystem, user)
	if err != nil {
		return nil, err
	}

	var analysis NodeAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "malformed analysis response")
	}
	if analysis.Importance < 0 {
		analysis.Importance = 0
	}
	if analysis.Importance > 1 {
		analysis.Importance = 1
	}
	return &analysis, nil
}

const analyzePromptSystem = `You classify a user query for memory retrieval. Respond with JSON only:
{"intent": "debugging|how_to|recall|factual|generation|general", "keywords": ["key terms"], "contextType": "", "urgency": "low|normal|high", "answerLength": "short|medium|long"}`

// AnalyzePrompt classifies a query prompt's intent and keywords.
func (e *OpenAIEnricher) AnalyzePrompt(ctx context.Context, prompt string) (*memory.PromptAnalysis, error) {
	raw, err := e.chatJSON(ctx, analyzePromptSystem, clip(prompt, 4000))
	if err != nil {
		return nil, err
	}

	var analysis memory.PromptAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "malformed prompt analysis response")
	}
	switch analysis.Intent {
	case memory.IntentDebugging, memory.IntentHowTo, memory.IntentRecall,
		memory.IntentFactual, memory.IntentGeneration, memory.IntentGeneral:
	default:
		analysis.Intent = memory.IntentGeneral
	}
	return &analysis, nil
}

const generateAnswerSystem = `You answer questions using ONLY the provided context. Cite the context
you rely on. If the context does not contain the answer, say so plainly
instead of guessing.`

// GenerateAnswer produces a grounded answer from assembled context.
func (e *OpenAIEnricher) GenerateAnswer(ctx context.Context, prompt, contextText string) (string, error) {
	if e.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		defer cancel()
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, prompt)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generateAnswerSystem},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindUnavailable, "answer generation failed")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.KindUnavailable, "no answer choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// chatJSON runs a completion in JSON mode and returns the raw content.
func (e *OpenAIEnricher) chatJSON(ctx context.Context, system, user string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindUnavailable, "analysis request failed")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.KindUnavailable, "no response choices returned")
	}
	return stripFences(resp.Choices[0].Message.Content), nil
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEnricher) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelVersion identifies the embedding model.
func (e *OpenAIEnricher) ModelVersion() string {
	return e.cfg.EmbeddingModel
}

// Available reports whether the provider is configured.
func (e *OpenAIEnricher) Available(_ context.Context) bool {
	return e.cfg.APIKey != ""
}

// Close releases resources.
func (e *OpenAIEnricher) Close() error {
	return nil
}
