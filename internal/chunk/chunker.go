// Package chunk decomposes context content into bounded, semantically
// grouped chunks. Structure (fenced code, headings, lists, tables,
// paragraphs) is detected in one pass; segments are packed greedily under
// the token budget and compatible neighbors are merged back together.
package chunk

import (
	"regexp"
	"strings"

	"github.com/contextd/contextd/internal/memory"
)

// Options configures the chunker.
type Options struct {
	// MaxChunkTokens is the hard per-chunk budget (default: 4000).
	MaxChunkTokens int
	// TargetChunkTokens is the merge target for adjacent compatible chunks
	// (default: 0.75 * MaxChunkTokens).
	TargetChunkTokens int
}

// Chunker splits context content into ordered chunk candidates.
// It never fails: unexpected input degrades to fixed-width splitting.
type Chunker struct {
	opts Options
}

// Chunk is one ordered candidate produced by the chunker. It becomes a
// memory.Node once ids and enrichment are attached.
type Chunk struct {
	Content     string
	TokenCount  int
	Type        memory.ChunkType
	Index       int
	Importance  float64
	HeadingPath string // nearest preceding heading path, summary prefix only
}

var (
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	listPattern    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	sentenceSplit  = regexp.MustCompile(`(?m)([.!?])(\s+)`)
)

// importance heuristics per detected kind, pending AI refinement.
var kindImportance = map[memory.ChunkType]float64{
	memory.ChunkHeading:   0.8,
	memory.ChunkCode:      0.7,
	memory.ChunkList:      0.5,
	memory.ChunkParagraph: 0.6,
	memory.ChunkTable:     0.6,
	memory.ChunkMixed:     0.6,
}

// New creates a chunker with the given options, applying defaults.
func New(opts Options) *Chunker {
	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = 4000
	}
	if opts.TargetChunkTokens <= 0 || opts.TargetChunkTokens > opts.MaxChunkTokens {
		opts.TargetChunkTokens = opts.MaxChunkTokens * 3 / 4
	}
	return &Chunker{opts: opts}
}

// Split chunks content into ordered candidates with chunkIndex 0..n-1.
// Empty or whitespace-only content yields zero chunks. Split never fails:
// if structured chunking panics on unexpected input, the content is cut on
// hard token boundaries instead.
func (c *Chunker) Split(content string) (out []Chunk) {
	defer func() {
		if r := recover(); r != nil {
			out = c.fixedWidth(normalize(content))
		}
	}()

	normalized := normalize(content)
	if strings.TrimSpace(normalized) == "" {
		return nil
	}

	segments := c.segment(normalized)
	out = c.pack(segments)
	out = c.mergeCompatible(out)
	for i := range out {
		out[i].Index = i
	}
	return out
}

// normalize converts Windows line endings to LF.
func normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

// segment is one atomic run of same-kind lines.
type segment struct {
	kind        memory.ChunkType
	text        string
	headingPath string
	tokens      int
}

// segment performs the one-pass structure detection over lines.
// Code fences and tables are atomic; consecutive list items form one run;
// paragraphs break on blank lines.
func (c *Chunker) segment(content string) []segment {
	lines := strings.Split(content, "\n")

	var segments []segment
	var cur []string
	var curKind memory.ChunkType
	inFence := false

	// Heading hierarchy stack, levels 1-6.
	headingStack := make([]string, 6)
	headingPathAt := func() string {
		var parts []string
		for _, h := range headingStack {
			if h != "" {
				parts = append(parts, h)
			}
		}
		return strings.Join(parts, " > ")
	}

	flush := func() {
		if len(cur) == 0 {
			return
		}
		text := strings.Join(cur, "\n")
		if strings.TrimSpace(text) != "" {
			segments = append(segments, segment{
				kind:        curKind,
				text:        text,
				headingPath: headingPathAt(),
				tokens:      EstimateTokens(text),
			})
		}
		cur = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inFence {
			cur = append(cur, line)
			if strings.HasPrefix(trimmed, "```") {
				inFence = false
				flush()
			}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "```"):
			flush()
			curKind = memory.ChunkCode
			cur = append(cur, line)
			inFence = true

		case headingPattern.MatchString(trimmed):
			flush()
			m := headingPattern.FindStringSubmatch(trimmed)
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			headingStack[level-1] = title
			for i := level; i < 6; i++ {
				headingStack[i] = ""
			}
			curKind = memory.ChunkHeading
			cur = append(cur, line)
			flush()

		case isTableLine(trimmed):
			if curKind != memory.ChunkTable || len(cur) == 0 {
				flush()
				curKind = memory.ChunkTable
			}
			cur = append(cur, line)

		case listPattern.MatchString(line):
			if curKind != memory.ChunkList || len(cur) == 0 {
				flush()
				curKind = memory.ChunkList
			}
			cur = append(cur, line)

		case trimmed == "":
			flush()

		default:
			if curKind != memory.ChunkParagraph || len(cur) == 0 {
				// Continuation lines of a list item stay in the list run.
				if curKind == memory.ChunkList && len(cur) > 0 && strings.HasPrefix(line, "  ") {
					cur = append(cur, line)
					continue
				}
				flush()
				curKind = memory.ChunkParagraph
			}
			cur = append(cur, line)
		}
	}
	if inFence {
		// Unclosed fence: emit what we have as code.
		flush()
	}
	flush()

	return segments
}

func isTableLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

// pack walks segments in order and packs them into chunks under the budget.
// An atomic segment larger than the budget is subdivided on sentence
// boundaries, then on hard word boundaries.
func (c *Chunker) pack(segments []segment) []Chunk {
	var chunks []Chunk

	var curText strings.Builder
	var curKinds []memory.ChunkType
	curTokens := 0
	curHeading := ""

	flush := func() {
		if curText.Len() == 0 {
			return
		}
		text := strings.TrimRight(curText.String(), "\n")
		chunks = append(chunks, Chunk{
			Content:     text,
			TokenCount:  EstimateTokens(text),
			Type:        dominantKind(curKinds),
			Importance:  kindImportance[dominantKind(curKinds)],
			HeadingPath: curHeading,
		})
		curText.Reset()
		curKinds = nil
		curTokens = 0
	}

	for _, seg := range segments {
		if seg.tokens > c.opts.MaxChunkTokens {
			// Oversized segment: flush current, subdivide the segment.
			flush()
			for _, part := range c.subdivide(seg.text) {
				chunks = append(chunks, Chunk{
					Content:     part,
					TokenCount:  EstimateTokens(part),
					Type:        seg.kind,
					Importance:  kindImportance[seg.kind],
					HeadingPath: seg.headingPath,
				})
			}
			continue
		}

		if seg.kind == memory.ChunkCode {
			// Fenced code never shares a chunk with surrounding prose.
			flush()
			chunks = append(chunks, Chunk{
				Content:     seg.text,
				TokenCount:  seg.tokens,
				Type:        seg.kind,
				Importance:  kindImportance[seg.kind],
				HeadingPath: seg.headingPath,
			})
			continue
		}

		if curTokens > 0 && curTokens+seg.tokens > c.opts.MaxChunkTokens {
			flush()
		}
		if curText.Len() == 0 {
			curHeading = seg.headingPath
		}
		if curText.Len() > 0 {
			curText.WriteString("\n\n")
			curTokens += 1 // separator cost, keeps the estimate monotone
		}
		curText.WriteString(seg.text)
		curTokens += seg.tokens
		curKinds = append(curKinds, seg.kind)
	}
	flush()

	return chunks
}

// dominantKind returns the most frequent kind, or mixed when no kind holds
// a majority of the segments.
func dominantKind(kinds []memory.ChunkType) memory.ChunkType {
	if len(kinds) == 0 {
		return memory.ChunkParagraph
	}
	counts := make(map[memory.ChunkType]int, len(kinds))
	for _, k := range kinds {
		counts[k]++
	}
	best, bestN := kinds[0], 0
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	if len(counts) > 1 && bestN*2 <= len(kinds) {
		return memory.ChunkMixed
	}
	return best
}

// subdivide cuts oversized text on sentence boundaries, falling back to
// hard word boundaries for sentences that alone exceed the budget.
func (c *Chunker) subdivide(text string) []string {
	sentences := splitSentences(text)

	var parts []string
	var cur strings.Builder
	curTokens := 0

	emit := func() {
		if cur.Len() > 0 {
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
			curTokens = 0
		}
	}

	for _, s := range sentences {
		st := EstimateTokens(s)
		if st > c.opts.MaxChunkTokens {
			emit()
			parts = append(parts, c.splitWords(s)...)
			continue
		}
		if curTokens+st > c.opts.MaxChunkTokens {
			emit()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s)
		curTokens += st
	}
	emit()
	return parts
}

// splitSentences splits on sentence-ending punctuation followed by space.
func splitSentences(text string) []string {
	marked := sentenceSplit.ReplaceAllString(text, "$1\x00")
	raw := strings.Split(marked, "\x00")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// splitWords cuts text on word boundaries at the token budget.
func (c *Chunker) splitWords(text string) []string {
	words := strings.Fields(text)
	var parts []string
	var cur strings.Builder
	curTokens := 0

	for _, w := range words {
		wt := EstimateTokens(w) + 1
		if curTokens+wt > c.opts.MaxChunkTokens && cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curTokens = 0
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(w)
		curTokens += wt
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// mergeCompatible merges adjacent chunks whose combined size stays within
// the target budget and whose kinds are compatible: both prose, or both
// list runs under the same heading.
func (c *Chunker) mergeCompatible(chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	out := make([]Chunk, 0, len(chunks))
	out = append(out, chunks[0])

	for _, next := range chunks[1:] {
		prev := &out[len(out)-1]
		if compatible(*prev, next) && prev.TokenCount+next.TokenCount+1 <= c.opts.TargetChunkTokens {
			prev.Content = prev.Content + "\n\n" + next.Content
			prev.TokenCount = EstimateTokens(prev.Content)
			if prev.Type != next.Type {
				prev.Type = memory.ChunkMixed
				prev.Importance = kindImportance[memory.ChunkMixed]
			}
			continue
		}
		out = append(out, next)
	}
	return out
}

func compatible(a, b Chunk) bool {
	prose := func(t memory.ChunkType) bool {
		return t == memory.ChunkParagraph || t == memory.ChunkHeading
	}
	if prose(a.Type) && prose(b.Type) {
		return true
	}
	if a.Type == memory.ChunkList && b.Type == memory.ChunkList {
		return a.HeadingPath == b.HeadingPath
	}
	return false
}

// fixedWidth is the degradation path: cut on hard token boundaries only.
func (c *Chunker) fixedWidth(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	parts := c.splitWords(content)
	chunks := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		chunks = append(chunks, Chunk{
			Content:    p,
			TokenCount: EstimateTokens(p),
			Type:       memory.ChunkParagraph,
			Index:      i,
			Importance: kindImportance[memory.ChunkParagraph],
		})
	}
	return chunks
}
