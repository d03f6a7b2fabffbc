// Package llm provides the generation collaborators that produce run output.
package llm

import (
	"context"
	"errors"
)

// ErrStopRequested is returned by a ChunkFunc to stop consuming output.
var ErrStopRequested = errors.New("stop requested")

// Generator produces the assistant reply for one user turn.
//
// Implementations call onChunk for each increment of text, in order. If
// onChunk returns an error the generator must stop and return that error.
// A generator that cannot stream may skip onChunk and return the whole reply
// in Result.Content.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*Result, error)
}

// ChunkFunc receives one streamed increment.
type ChunkFunc func(chunk Chunk) error

// Chunk is one increment of generated text.
type Chunk struct {
	Text string
}

// Message is a prior turn passed as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the input of one generation.
type GenerateRequest struct {
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Content   string         `json:"content"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of a completed generation.
type Result struct {
	// Content is the full reply when the generator did not stream.
	Content  string
	Metadata map[string]any
}
