package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	bquery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/contextd/contextd/internal/memory"
)

const (
	// MixedTokenizerName is the name of the identifier-aware tokenizer.
	MixedTokenizerName = "mixed_tokenizer"

	// StopFilterName is the name of the stop word filter.
	StopFilterName = "mixed_stop"

	// MixedAnalyzerName is the name of the full analyzer chain.
	MixedAnalyzerName = "mixed_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(MixedTokenizerName, mixedTokenizerConstructor)
	_ = registry.RegisterTokenFilter(StopFilterName, stopFilterConstructor)
}

// BleveTextIndex wraps Bleve v2 for BM25 keyword search over node text.
// Node content, title, summary, keywords, and context tags are all
// searchable; the scope key is a keyword field used for tenant filtering.
type BleveTextIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ TextIndex = (*BleveTextIndex)(nil)

// bleveDocument is the indexed document shape.
type bleveDocument struct {
	Scope     string   `json:"scope"`
	ContextID string   `json:"contextId"`
	Content   string   `json:"content"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Keywords  []string `json:"keywords"`
	Tags      []string `json:"tags"`
}

// validateIndexIntegrity checks whether a Bleve index is openable.
// A partially written index (crash during close) is detected here so the
// caller can clear and rebuild instead of failing every startup.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveTextIndex creates or opens the text index at path.
// An empty path creates an in-memory index for testing. Corrupted on-disk
// indexes are cleared and recreated; callers should trigger a reindex.
func NewBleveTextIndex(path string) (*BleveTextIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("text_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("text index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("text_index_cleared", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("text_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("text index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveTextIndex{index: idx, path: path}, nil
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(MixedAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": MixedTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			StopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = MixedAnalyzerName

	// Scope and context id are exact-match filters, never analyzed.
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("scope", keywordField)
	doc.AddFieldMappingsAt("contextId", keywordField)
	doc.AddFieldMappingsAt("content", textField)
	doc.AddFieldMappingsAt("title", textField)
	doc.AddFieldMappingsAt("summary", textField)
	doc.AddFieldMappingsAt("keywords", textField)
	doc.AddFieldMappingsAt("tags", textField)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = MixedAnalyzerName
	return indexMapping, nil
}

// Index adds documents to the index, replacing existing IDs.
func (b *BleveTextIndex) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		scope := memory.Scope{UserID: doc.UserID, ProjectID: doc.ProjectID}
		bd := bleveDocument{
			Scope:     scope.Key(),
			ContextID: doc.ContextID,
			Content:   doc.Content,
			Title:     doc.Title,
			Summary:   doc.Summary,
			Keywords:  doc.Keywords,
			Tags:      doc.Tags,
		}
		if err := batch.Index(doc.ID, bd); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search returns scope-filtered documents matching queryStr, scored by BM25.
// Title and keyword matches are boosted over body matches.
func (b *BleveTextIndex) Search(ctx context.Context, scope memory.Scope, queryStr string, limit int) ([]*TextResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	if strings.TrimSpace(queryStr) == "" {
		return []*TextResult{}, nil
	}

	fields := []struct {
		name  string
		boost float64
	}{
		{"content", 1.0},
		{"title", 2.0},
		{"summary", 1.2},
		{"keywords", 1.5},
		{"tags", 1.5},
	}
	var perField []bquery.Query
	for _, f := range fields {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(f.name)
		mq.SetBoost(f.boost)
		perField = append(perField, mq)
	}
	textQuery := bleve.NewDisjunctionQuery(perField...)

	scopeQuery := bleve.NewTermQuery(scope.Key())
	scopeQuery.SetField("scope")

	full := bleve.NewConjunctionQuery(scopeQuery, textQuery)

	searchRequest := bleve.NewSearchRequest(full)
	searchRequest.Size = limit
	searchRequest.IncludeLocations = true

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*TextResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &TextResult{
			DocID:        hit.ID,
			Score:        hit.Score,
			MatchedTerms: extractMatchedTerms(hit),
		})
	}
	return results, nil
}

// Delete removes documents from the index.
func (b *BleveTextIndex) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range docIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Stats returns index statistics.
func (b *BleveTextIndex) Stats() *TextIndexStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &TextIndexStats{}
	}

	docCount, _ := b.index.DocCount()
	return &TextIndexStats{DocumentCount: int(docCount)}
}

// Close closes the index.
func (b *BleveTextIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// extractMatchedTerms collects the query terms matched in a hit.
func extractMatchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for _, locations := range hit.Locations {
		for term := range locations {
			terms[term] = struct{}{}
		}
	}
	result := make([]string, 0, len(terms))
	for term := range terms {
		result = append(result, term)
	}
	return result
}

func mixedTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveMixedTokenizer{}, nil
}

// bleveMixedTokenizer adapts Tokenize for Bleve: prose plus identifier
// splitting in one pass.
type bleveMixedTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveMixedTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0

	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func stopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveStopFilter{stopWords: BuildStopWordMap(DefaultStopWords)}, nil
}

type bleveStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bleveStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
