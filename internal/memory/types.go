// Package memory defines the domain model for contextd: contexts, nodes,
// graph edges, and the transient query-time values derived from them.
// All components exchange these value types; only the store persists them.
package memory

import (
	"time"
)

// ContextType enumerates the kinds of captured artifacts.
type ContextType string

const (
	TypeConversation  ContextType = "conversation"
	TypeCode          ContextType = "code"
	TypeDocumentation ContextType = "documentation"
	TypeResearch      ContextType = "research"
	TypeIdea          ContextType = "idea"
	TypeTask          ContextType = "task"
	TypeNote          ContextType = "note"
	TypeMeeting       ContextType = "meeting"
	TypeEmail         ContextType = "email"
	TypeWebpage       ContextType = "webpage"
)

// ValidContextType reports whether t is one of the enumerated types.
func ValidContextType(t ContextType) bool {
	switch t {
	case TypeConversation, TypeCode, TypeDocumentation, TypeResearch,
		TypeIdea, TypeTask, TypeNote, TypeMeeting, TypeEmail, TypeWebpage:
		return true
	}
	return false
}

// ChunkType classifies the dominant structure of a node's content.
type ChunkType string

const (
	ChunkParagraph ChunkType = "paragraph"
	ChunkCode      ChunkType = "code"
	ChunkHeading   ChunkType = "heading"
	ChunkList      ChunkType = "list"
	ChunkTable     ChunkType = "table"
	ChunkMixed     ChunkType = "mixed"
)

// Source describes where a context was captured from.
type Source struct {
	Kind       string    `json:"kind"`
	Agent      string    `json:"agent"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Context is a user-owned captured artifact of text with metadata.
type Context struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	ProjectID  string            `json:"projectId,omitempty"` // empty = personal scope
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Type       ContextType       `json:"type"`
	Source     Source            `json:"source"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ChunkCount int               `json:"chunkCount"`
	HasNodes   bool              `json:"hasNodes"`
	Tombstoned bool              `json:"-"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Node is an embeddable, retrievable sub-unit of a context.
type Node struct {
	ID           string    `json:"id"`
	ContextID    string    `json:"contextId"`
	ParentNodeID string    `json:"parentNodeId,omitempty"`
	ChildNodeIDs []string  `json:"childNodeIds,omitempty"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"tokenCount"`
	ChunkType    ChunkType `json:"chunkType"`
	ChunkIndex   int       `json:"chunkIndex"`
	Importance   float64   `json:"importance"`
	Title        string    `json:"title,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	// Embedding is nil until enrichment completes.
	Embedding []float32 `json:"embedding,omitempty"`
	// EmbeddingModelVersion identifies the model that produced Embedding.
	// Fallback vectors carry the "fallback/" prefix and are never confused
	// with provider results.
	EmbeddingModelVersion string    `json:"embeddingModelVersion,omitempty"`
	NeedsReenrichment     bool      `json:"needsReenrichment,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// FallbackModelPrefix marks embeddings produced by the deterministic
// hashed-feature fallback rather than the provider.
const FallbackModelPrefix = "fallback/"

// HasFallbackEmbedding reports whether the node's vector is a fallback.
func (n *Node) HasFallbackEmbedding() bool {
	return len(n.EmbeddingModelVersion) >= len(FallbackModelPrefix) &&
		n.EmbeddingModelVersion[:len(FallbackModelPrefix)] == FallbackModelPrefix
}

// EdgeKind enumerates relationship kinds between nodes.
type EdgeKind string

const (
	EdgeSimilar   EdgeKind = "similar"
	EdgeImplement EdgeKind = "implements"
	EdgeDependsOn EdgeKind = "depends_on"
	EdgeReference EdgeKind = "references"
	EdgeParentOf  EdgeKind = "parent_of"
	EdgeSiblingOf EdgeKind = "sibling_of"
)

// Edge is a directed relationship between two nodes.
type Edge struct {
	SourceID  string   `json:"sourceId"`
	TargetID  string   `json:"targetId"`
	Kind      EdgeKind `json:"kind"`
	Weight    float64  `json:"weight"`
	Rationale string   `json:"rationale,omitempty"`
}

// Scope is the ownership boundary for a graph: a user plus an optional
// project. An empty ProjectID is the user's first-class personal scope.
type Scope struct {
	UserID    string
	ProjectID string
}

// Key returns a stable string form used for locks, seeds, and persistence.
func (s Scope) Key() string {
	if s.ProjectID == "" {
		return s.UserID
	}
	return s.UserID + "/" + s.ProjectID
}

// Intent labels a parsed query intent.
type Intent string

const (
	IntentDebugging  Intent = "debugging"
	IntentHowTo      Intent = "how_to"
	IntentRecall     Intent = "recall" // "what was discussed"
	IntentFactual    Intent = "factual"
	IntentGeneration Intent = "generation"
	IntentGeneral    Intent = "general"
)

// PromptAnalysis is the transient result of analyzing a query prompt.
type PromptAnalysis struct {
	Intent       Intent      `json:"intent"`
	Keywords     []string    `json:"keywords"`
	ContextType  ContextType `json:"contextType,omitempty"`
	Urgency      string      `json:"urgency,omitempty"`
	AnswerLength string      `json:"answerLength,omitempty"`
	FromFallback bool        `json:"fromFallback,omitempty"`
}

// WindowNode is one selected node reference inside a context window.
type WindowNode struct {
	NodeID     string  `json:"nodeId"`
	ContextID  string  `json:"contextId"`
	ChunkIndex int     `json:"chunkIndex"`
	Tokens     int     `json:"tokens"`
	Score      float64 `json:"score"`
}

// ContextWindow is an assembled, budget-bounded selection of nodes.
type ContextWindow struct {
	Nodes       []WindowNode `json:"nodes"`
	Text        string       `json:"text"`
	TotalTokens int          `json:"totalTokens"`
	Coverage    float64      `json:"coverage"`
}
