// Package rag defines the retrieval collaborator interface: something that
// produces relevance-ranked document chunks with precomputed token counts.
// The retrieval pipeline itself lives outside this service.
package rag

import (
	"context"
)

// Chunk is one retrieved document fragment competing for token budget.
type Chunk struct {
	Text   string  `json:"text"`
	DocURL string  `json:"doc_url,omitempty"`
	Score  float64 `json:"score"`
	Tokens int     `json:"tokens"`
}

// Retriever supplies candidate chunks for a query, most relevant first.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Chunk, error)
}

// Static is a fixed-corpus retriever returning the same ranked chunks for
// every query. Used in tests and when no retrieval backend is configured.
type Static struct {
	chunks []Chunk
}

// NewStatic creates a retriever over a fixed ranked chunk list.
func NewStatic(chunks ...Chunk) *Static {
	return &Static{chunks: chunks}
}

// Retrieve returns the configured chunks regardless of query.
func (s *Static) Retrieve(_ context.Context, _ string) ([]Chunk, error) {
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}
