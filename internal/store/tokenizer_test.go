package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize_MixedProseAndCode(t *testing.T) {
	tokens := Tokenize("call getUserById in the handler")

	assert.Contains(t, tokens, "get")
	assert.Contains(t, tokens, "user")
	assert.Contains(t, tokens, "by")
	assert.Contains(t, tokens, "id")
	assert.Contains(t, tokens, "handler")
}

func TestTokenize_SnakeCase(t *testing.T) {
	tokens := Tokenize("get_user_by_id")

	assert.Equal(t, []string{"get", "user", "by", "id"}, tokens)
}

func TestTokenize_DropsShortTokens(t *testing.T) {
	tokens := Tokenize("a I x go")

	assert.NotContains(t, tokens, "a")
	assert.NotContains(t, tokens, "i")
	assert.NotContains(t, tokens, "x")
	assert.Contains(t, tokens, "go")
}

func TestSplitCamelCase(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"camel", "getUserById", []string{"get", "User", "By", "Id"}},
		{"pascal", "SearchEngine", []string{"Search", "Engine"}},
		{"acronym", "HTTPHandler", []string{"HTTP", "Handler"}},
		{"acronym tail", "parseJSON", []string{"parse", "JSON"}},
		{"plain", "simple", []string{"simple"}},
		{"empty", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCamelCase(tt.input))
		})
	}
}

func TestSplitIdentifier_SnakeAndCamelCombined(t *testing.T) {
	assert.Equal(t, []string{"max", "Chunk", "Tokens"}, SplitIdentifier("max_ChunkTokens"))
}
