package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

// Recover marks every run left active or streaming by a previous process as
// interrupted. It must run before the server accepts traffic: no run can be
// live yet, so any open status belongs to a process that died mid-run.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.InterruptActiveRuns(ctx, domain.ReasonProcessRestarted)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	metrics.RecoveredRuns.Add(float64(n))
	if n > 0 {
		slog.Warn("marked runs interrupted after restart", "count", n)
	}
	return n, nil
}
