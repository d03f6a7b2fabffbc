package llm

import (
	"context"
	"fmt"
	"time"
)

// MockClient is a deterministic Generator for local runs and tests.
type MockClient struct {
	ChunkSize int
	Delay     time.Duration
}

// NewMockClient creates a new mock generator.
func NewMockClient() *MockClient {
	return &MockClient{ChunkSize: 10, Delay: 20 * time.Millisecond}
}

// Ensure MockClient implements Generator interface.
var _ Generator = (*MockClient)(nil)

// Generate streams a canned reply in fixed-size chunks.
func (m *MockClient) Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*Result, error) {
	responseContent := generateMockResponse(req)
	chunks := splitIntoChunks(responseContent, m.ChunkSize)

	for _, chunk := range chunks {
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := onChunk(Chunk{Text: chunk}); err != nil {
			return nil, err
		}
	}

	return &Result{
		Metadata: map[string]any{
			"model":  "mock",
			"chunks": len(chunks),
		},
	}, nil
}

// generateMockResponse generates a mock response based on the request.
func generateMockResponse(req *GenerateRequest) string {
	if req.Content == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(req.Content, 100))
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 10
	}
	var chunks []string
	runes := []rune(s)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
