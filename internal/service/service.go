// Package service coordinates runs: starting them, cancelling them, and
// resuming their streams after a disconnect or restart.
package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/repository"
)

const (
	commandLockStripes = 64
	historyLimit       = 50
	// Extra wait on top of the grace period when edit-and-resend preempts a run.
	preemptSlack = 500 * time.Millisecond
)

type Service struct {
	store        store.Store
	registry     *hub.Registry
	generator    llm.Generator
	policyEngine *policy.Engine
	audit        *audit.Sink
	config       *config.Config
	tracer       trace.Tracer

	// Live runs by session. Guarded by mu.
	mu   sync.Mutex
	runs map[string]*RunContext

	commandLocks [commandLockStripes]sync.Mutex
}

func New(st store.Store, registry *hub.Registry, generator llm.Generator, policyEngine *policy.Engine, sink *audit.Sink, cfg *config.Config) *Service {
	return &Service{
		store:        st,
		registry:     registry,
		generator:    generator,
		policyEngine: policyEngine,
		audit:        sink,
		config:       cfg,
		tracer:       otel.Tracer("github.com/xiaot623/gogo/internal/service"),
		runs:         make(map[string]*RunContext),
	}
}

// LiveRun returns the session's live run, or nil.
func (s *Service) LiveRun(sessionID string) *RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[sessionID]
}

// liveRunByID finds a live run by its id.
func (s *Service) liveRunByID(runID string) *RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rc := range s.runs {
		if rc.RunID == runID {
			return rc
		}
	}
	return nil
}

// LiveRunCount returns the number of live runs.
func (s *Service) LiveRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// claim registers rc as the session's live run unless one exists.
func (s *Service) claim(rc *RunContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rc.SessionID]; ok {
		return false
	}
	s.runs[rc.SessionID] = rc
	metrics.LiveRuns.Inc()
	return true
}

// release removes rc from the live-run table. Only the first call has effect.
func (s *Service) release(rc *RunContext) {
	rc.releaseOnce.Do(func() {
		s.mu.Lock()
		if cur, ok := s.runs[rc.SessionID]; ok && cur == rc {
			delete(s.runs, rc.SessionID)
		}
		s.mu.Unlock()
		metrics.LiveRuns.Dec()
		close(rc.released)
	})
}

// lockCommand serializes handling of one (session, command) key.
func (s *Service) lockCommand(sessionID, commandID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(commandID))
	mu := &s.commandLocks[h.Sum32()%commandLockStripes]
	mu.Lock()
	return mu.Unlock
}

// writeContext bounds a store write that must not depend on a request or
// task context.
func (s *Service) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Shutdown hard-cancels every live run's task. It does not wait for them.
func (s *Service) Shutdown() {
	s.mu.Lock()
	runs := make([]*RunContext, 0, len(s.runs))
	for _, rc := range s.runs {
		runs = append(runs, rc)
	}
	s.mu.Unlock()
	for _, rc := range runs {
		rc.cancel()
	}
}
