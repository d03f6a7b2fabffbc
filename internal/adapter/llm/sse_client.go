package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

type sseDelta struct {
	Text string `json:"text"`
}

type sseDone struct {
	FinalMessage string         `json:"final_message,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
}

type sseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamError is an error event sent by the generation backend.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("generation backend error %s: %s", e.Code, e.Message)
}

// SSEClient streams completions from an HTTP backend speaking delta/done/error SSE events.
type SSEClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewSSEClient creates a Generator that calls endpoint.
func NewSSEClient(endpoint string, timeout time.Duration) *SSEClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &SSEClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Generator = (*SSEClient)(nil)

// Generate posts the request and forwards delta events.
func (c *SSEClient) Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Session-ID", req.SessionID)
	httpReq.Header.Set("X-Run-ID", req.RunID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call generation backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("generation backend returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	result := &Result{Metadata: map[string]any{}}
	streamed := false
	err = parseSSE(resp.Body, func(ev SSEEvent) error {
		switch ev.Event {
		case "delta":
			var d sseDelta
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("failed to parse delta event: %w", err)
			}
			if d.Text == "" {
				return nil
			}
			streamed = true
			return onChunk(Chunk{Text: d.Text})
		case "done":
			var d sseDone
			if ev.Data != "" {
				if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
					return fmt.Errorf("failed to parse done event: %w", err)
				}
			}
			if !streamed {
				result.Content = d.FinalMessage
			}
			if d.Usage != nil {
				result.Metadata["usage"] = d.Usage
			}
			return errStreamDone
		case "error":
			var e sseError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return fmt.Errorf("failed to parse error event: %w", err)
			}
			return &StreamError{Code: e.Code, Message: e.Message}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return nil, err
	}
	return result, nil
}

var errStreamDone = errors.New("stream done")

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
