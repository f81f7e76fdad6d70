package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/memory"
)

// GroundingThreshold is the minimum n-gram overlap between answer and
// window below which an unhedged answer is flagged as hallucinated.
const GroundingThreshold = 0.35

const groundingNgramSize = 3

// Answer outcome reasons.
const (
	ReasonGeneratorUnavailable = "generator_unavailable"
	ReasonNoRelevantContext    = "no_relevant_context"
	ReasonLowGrounding         = "low_grounding"
)

// AskRequest is a question answered from the caller's memory. NodeIDs
// pins the window to those nodes; SeedContextID grounds retrieval in one
// context's neighborhood; otherwise the window comes from scope-wide
// retrieval on the prompt.
type AskRequest struct {
	Scope         memory.Scope
	Prompt        string
	NodeIDs       []string
	SeedContextID string
	Budget        int // window token budget (default: 4000)
}

// AskResponse is the grounded answer plus its validation signals. Answer
// is null when generation was impossible; Reason says why.
type AskResponse struct {
	Answer                *string                `json:"answer"`
	Confidence            float64                `json:"confidence"`
	SourceNodeIDs         []string               `json:"sourceNodeIds"`
	Reason                string                 `json:"reason,omitempty"`
	Analysis              *memory.PromptAnalysis `json:"analysis"`
	Window                *memory.ContextWindow  `json:"window"`
	Grounding             float64                `json:"grounding"`
	CitationPresent       bool                   `json:"citationPresent"`
	Hedged                bool                   `json:"hedged"`
	HallucinationDetected bool                   `json:"hallucinationDetected"`
}

// Ask answers a prompt from memory: classify the prompt, assemble a
// context window, generate an answer grounded in it, and validate the
// answer against the window. A generator outage returns a null answer
// instead of an error so callers can fall back to the raw window.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperr.InvalidInput("prompt must not be empty")
	}
	if req.Budget <= 0 {
		req.Budget = 4000
	}

	analysis, err := e.enricher.AnalyzePrompt(ctx, req.Prompt)
	if err != nil {
		// Heuristic classification keeps retrieval going without the
		// provider.
		e.logger.Warn("prompt analysis degraded to heuristics",
			slog.String("error", err.Error()))
		analysis = &memory.PromptAnalysis{
			Intent:       enrich.ClassifyIntent(req.Prompt),
			Keywords:     enrich.TopKeywords(req.Prompt, 8),
			FromFallback: true,
		}
	}

	window, err := e.AssembleWindow(ctx, WindowRequest{
		Scope:         req.Scope,
		Query:         req.Prompt,
		NodeIDs:       req.NodeIDs,
		SeedContextID: req.SeedContextID,
		Budget:        req.Budget,
		Strategy:      strategyForIntent(analysis.Intent),
	})
	if err != nil {
		return nil, err
	}

	resp := &AskResponse{Analysis: analysis, Window: window, SourceNodeIDs: []string{}}
	for _, n := range window.Nodes {
		resp.SourceNodeIDs = append(resp.SourceNodeIDs, n.NodeID)
	}
	if len(window.Nodes) == 0 {
		resp.Reason = ReasonNoRelevantContext
		return resp, nil
	}

	answer, err := e.enricher.GenerateAnswer(ctx, req.Prompt, window.Text)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnavailable {
			resp.Reason = ReasonGeneratorUnavailable
			return resp, nil
		}
		return nil, err
	}

	resp.Answer = &answer
	resp.Grounding = groundingScore(answer, window.Text)
	resp.CitationPresent = hasVerbatimSpan(answer, window.Text, 5)
	resp.Hedged = isHedged(answer)
	if resp.Grounding < GroundingThreshold && !resp.Hedged {
		resp.HallucinationDetected = true
		resp.Reason = ReasonLowGrounding
	}
	resp.Confidence = confidence(resp.Grounding, resp.CitationPresent, window.Coverage)
	return resp, nil
}

// confidence blends the validation signals into one 0..1 score: grounding
// dominates, with citation presence and window coverage as corrections.
func confidence(grounding float64, citation bool, coverage float64) float64 {
	c := 0.6 * grounding
	if citation {
		c += 0.2
	}
	c += 0.2 * coverage
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// strategyForIntent biases window assembly: recall queries favor recent
// memory, everything else the mixed blend.
func strategyForIntent(intent memory.Intent) Strategy {
	switch intent {
	case memory.IntentRecall:
		return StrategyRecency
	case memory.IntentDebugging:
		return StrategyRelevance
	default:
		return StrategyMixed
	}
}

// groundingScore measures the fraction of answer word 3-grams that appear
// in the window text.
func groundingScore(answer, contextText string) float64 {
	answerGrams := wordNgrams(answer, groundingNgramSize)
	if len(answerGrams) == 0 {
		return 0
	}
	contextGrams := wordNgrams(contextText, groundingNgramSize)

	found := 0
	for gram := range answerGrams {
		if _, ok := contextGrams[gram]; ok {
			found++
		}
	}
	return float64(found) / float64(len(answerGrams))
}

// hasVerbatimSpan reports whether answer shares a run of spanWords
// consecutive words with the window text.
func hasVerbatimSpan(answer, contextText string, spanWords int) bool {
	spans := wordNgrams(answer, spanWords)
	contextSpans := wordNgrams(contextText, spanWords)
	for span := range spans {
		if _, ok := contextSpans[span]; ok {
			return true
		}
	}
	return false
}

var hedgePhrases = []string{
	"i'm not sure",
	"i am not sure",
	"does not contain",
	"doesn't contain",
	"cannot find",
	"can't find",
	"no information",
	"not mentioned",
	"unable to determine",
}

// isHedged reports whether the answer declines rather than asserts.
func isHedged(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func wordNgrams(text string, n int) map[string]struct{} {
	words := normalizeWords(text)
	if len(words) < n {
		if len(words) == 0 {
			return map[string]struct{}{}
		}
		return map[string]struct{}{strings.Join(words, " "): {}}
	}
	grams := make(map[string]struct{}, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		grams[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return grams
}

func normalizeWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		trimmed := strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
