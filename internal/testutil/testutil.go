// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// ErrChannelClosed is returned by a closed FakeChannel.
var ErrChannelClosed = errors.New("channel closed")

// FakeChannel records everything delivered to it.
type FakeChannel struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
	notify  chan struct{}
}

// NewFakeChannel creates an open channel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{notify: make(chan struct{}, 1)}
}

// Deliver records data.
func (c *FakeChannel) Deliver(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.failing {
		return errors.New("write: broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the channel closed.
func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailWrites makes every following Deliver fail.
func (c *FakeChannel) FailWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = true
}

// Frames returns a copy of the delivered frames.
func (c *FakeChannel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events decodes the delivered frames as events.
func (c *FakeChannel) Events() []domain.Event {
	var events []domain.Event
	for _, f := range c.Frames() {
		var ev domain.Event
		if err := json.Unmarshal(f, &ev); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// WaitFor blocks until an event of type t was delivered and returns it.
func (c *FakeChannel) WaitFor(t *testing.T, eventType domain.EventType, timeout time.Duration) domain.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, ev := range c.Events() {
			if ev.Type == eventType {
				return ev
			}
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return domain.Event{}
		}
	}
}

// ScriptedGenerator streams fixed chunks.
//
// With Hold set it emits the chunks, then blocks until Release is called or
// its context ends, ignoring the stop signal. This stands in for a
// collaborator stuck on a slow upstream.
type ScriptedGenerator struct {
	Chunks   []string
	Err      error
	Metadata map[string]any
	Delay    time.Duration
	Hold     bool

	once    sync.Once
	release chan struct{}
	mu      sync.Mutex
	calls   []*llm.GenerateRequest
}

var _ llm.Generator = (*ScriptedGenerator)(nil)

// Generate streams the script.
func (g *ScriptedGenerator) Generate(ctx context.Context, req *llm.GenerateRequest, onChunk llm.ChunkFunc) (*llm.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()

	for _, text := range g.Chunks {
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.Delay):
			}
		}
		if err := onChunk(llm.Chunk{Text: text}); err != nil {
			return nil, err
		}
	}
	if g.Hold {
		select {
		case <-g.releaseCh():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.Err != nil {
		return nil, g.Err
	}
	return &llm.Result{Metadata: g.Metadata}, nil
}

// Release unblocks a held generation.
func (g *ScriptedGenerator) Release() {
	ch := g.releaseCh()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (g *ScriptedGenerator) releaseCh() chan struct{} {
	g.once.Do(func() { g.release = make(chan struct{}) })
	return g.release
}

// Calls returns the requests seen so far.
func (g *ScriptedGenerator) Calls() []*llm.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*llm.GenerateRequest, len(g.calls))
	copy(out, g.calls)
	return out
}
