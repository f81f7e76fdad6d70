package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/memory"
)

func TestChunker_Split_EmptyContent(t *testing.T) {
	c := New(Options{})

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t\n  "))
}

func TestChunker_Split_SingleParagraph(t *testing.T) {
	// Given: a short paragraph
	c := New(Options{})

	// When: splitting
	chunks := c.Split("The quick brown fox jumps over the lazy dog.")

	// Then: exactly one paragraph chunk at index 0
	require.Len(t, chunks, 1)
	assert.Equal(t, memory.ChunkParagraph, chunks[0].Type)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Greater(t, chunks[0].TokenCount, 0)
}

func TestChunker_Split_IndicesAreOrdered(t *testing.T) {
	// Given: content producing multiple chunks
	c := New(Options{MaxChunkTokens: 20, TargetChunkTokens: 15})
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("This sentence pads the paragraph with ordinary prose words.\n\n")
	}

	// When: splitting
	chunks := c.Split(sb.String())

	// Then: indices run 0..n-1
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
	}
}

func TestChunker_Split_RespectsTokenBudget(t *testing.T) {
	// Given: a tight budget and long mixed content
	c := New(Options{MaxChunkTokens: 25, TargetChunkTokens: 18})
	var sb strings.Builder
	sb.WriteString("# Heading\n\n")
	for i := 0; i < 40; i++ {
		sb.WriteString("Some prose line that keeps going and going without a break. ")
	}
	sb.WriteString("\n\n- item one\n- item two\n- item three\n")

	// When: splitting
	chunks := c.Split(sb.String())

	// Then: every chunk fits the budget
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 25, "chunk %d over budget", ch.Index)
	}
}

func TestChunker_Split_CodeFenceStaysAtomic(t *testing.T) {
	// Given: a paragraph followed by a fenced code block
	c := New(Options{})
	content := "Intro text before the snippet.\n\n```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```\n"

	// When: splitting
	chunks := c.Split(content)

	// Then: the fence survives in one code chunk, fences included
	var code *Chunk
	for i := range chunks {
		if chunks[i].Type == memory.ChunkCode {
			code = &chunks[i]
		}
	}
	require.NotNil(t, code)
	assert.Contains(t, code.Content, "```go")
	assert.Contains(t, code.Content, "func main()")
	assert.Equal(t, 1, strings.Count(code.Content, "func main()"))
}

func TestChunker_Split_UnclosedFenceDegradesToCode(t *testing.T) {
	c := New(Options{})
	chunks := c.Split("```python\nprint('never closed')\n")

	require.NotEmpty(t, chunks)
	assert.Equal(t, memory.ChunkCode, chunks[0].Type)
	assert.Contains(t, chunks[0].Content, "print('never closed')")
}

func TestChunker_Split_HeadingPathTracksHierarchy(t *testing.T) {
	// Given: nested headings with a paragraph under the deepest one
	c := New(Options{MaxChunkTokens: 10, TargetChunkTokens: 7})
	content := "# Setup\n\n## Database\n\nRun the migrations before starting the daemon for the first time ever.\n"

	// When: splitting
	chunks := c.Split(content)

	// Then: the paragraph chunk carries the full heading path
	var found bool
	for _, ch := range chunks {
		if strings.Contains(ch.Content, "migrations") {
			assert.Equal(t, "Setup > Database", ch.HeadingPath)
			found = true
		}
	}
	assert.True(t, found)
}

func TestChunker_Split_SiblingHeadingReplacesPath(t *testing.T) {
	c := New(Options{MaxChunkTokens: 12, TargetChunkTokens: 9})
	content := "# Guide\n\n## First\n\nBody under the first section heading with enough words here.\n\n## Second\n\nBody under the second section heading with enough words here.\n"

	chunks := c.Split(content)

	var found bool
	for _, ch := range chunks {
		if strings.Contains(ch.Content, "second") {
			assert.Equal(t, "Guide > Second", ch.HeadingPath)
			found = true
		}
	}
	assert.True(t, found)
}

func TestChunker_Split_TableDetected(t *testing.T) {
	c := New(Options{MaxChunkTokens: 15, TargetChunkTokens: 11})
	content := "| name | role |\n|------|------|\n| ada  | eng  |\n| bob  | ops  |\n"

	chunks := c.Split(content)

	require.NotEmpty(t, chunks)
	assert.Equal(t, memory.ChunkTable, chunks[0].Type)
}

func TestChunker_Split_ListRunGroupsItems(t *testing.T) {
	c := New(Options{})
	content := "- first item\n- second item\n  with a continuation line\n- third item\n"

	chunks := c.Split(content)

	require.Len(t, chunks, 1)
	assert.Equal(t, memory.ChunkList, chunks[0].Type)
	assert.Contains(t, chunks[0].Content, "continuation line")
}

func TestChunker_Split_MergesAdjacentProse(t *testing.T) {
	// Given: two short paragraphs well under the target
	c := New(Options{})
	content := "First short paragraph here.\n\nSecond short paragraph here.\n"

	// When: splitting
	chunks := c.Split(content)

	// Then: they merge into one chunk
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "First short")
	assert.Contains(t, chunks[0].Content, "Second short")
}

func TestChunker_Split_CodeNeverMergesWithProse(t *testing.T) {
	c := New(Options{})
	content := "Prose before.\n\n```\ncode()\n```\n\nProse after.\n"

	chunks := c.Split(content)

	for _, ch := range chunks {
		if ch.Type == memory.ChunkCode {
			assert.NotContains(t, ch.Content, "Prose")
		}
	}
}

func TestChunker_Split_OversizedSentenceSubdivided(t *testing.T) {
	// Given: one sentence far beyond the budget, with no sentence breaks
	c := New(Options{MaxChunkTokens: 10, TargetChunkTokens: 7})
	content := strings.Repeat("word ", 200)

	// When: splitting
	chunks := c.Split(content)

	// Then: it is cut on word boundaries within budget
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 10)
	}
}

func TestChunker_Split_NormalizesLineEndings(t *testing.T) {
	c := New(Options{})

	a := c.Split("line one\r\nline two\r\n\r\nline three\r\n")
	b := c.Split("line one\nline two\n\nline three\n")

	require.Equal(t, len(b), len(a))
	for i := range a {
		assert.Equal(t, b[i].Content, a[i].Content)
	}
}

func TestChunker_Split_Deterministic(t *testing.T) {
	c := New(Options{MaxChunkTokens: 30, TargetChunkTokens: 22})
	content := "# Title\n\nParagraph one with several words in it.\n\n- a\n- b\n\nParagraph two closes the document.\n"

	first := c.Split(content)
	second := c.Split(content)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
}

func TestChunker_Split_IdempotentOnOwnOutput(t *testing.T) {
	// Given: chunks whose boundaries are single blank lines
	c := New(Options{MaxChunkTokens: 30, TargetChunkTokens: 22})
	content := "# Title\n\nParagraph one with several words in it.\n\n```\ncode()\n```\n\nParagraph two closes the document.\n"
	first := c.Split(content)
	require.NotEmpty(t, first)

	// When: rejoining the chunks and splitting again
	parts := make([]string, len(first))
	for i, ch := range first {
		parts[i] = ch.Content
	}
	second := c.Split(strings.Join(parts, "\n\n"))

	// Then: splitting is a fixed point on its own output
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, first[i].Type, second[i].Type)
	}
}

func TestChunker_Split_RoundTripPreservesContent(t *testing.T) {
	// Given: content separated by single blank lines throughout
	c := New(Options{})
	content := "First paragraph of the note.\n\n- item one\n- item two\n\nClosing paragraph of the note."

	// When: splitting and rejoining
	chunks := c.Split(content)
	require.NotEmpty(t, chunks)
	parts := make([]string, len(chunks))
	for i, ch := range chunks {
		parts[i] = ch.Content
	}

	// Then: no text is lost or duplicated
	assert.Equal(t, content, strings.Join(parts, "\n\n"))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"four chars", "abcd", 1},
		{"five chars", "abcde", 2},
		{"eight chars", "abcdefgh", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}
