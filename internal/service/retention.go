package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/repository"
)

// cronParser accepts standard 5-field cron (minute hour day month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Retention periodically prunes the event log, the command ledger and the
// audit trail. Events of runs that are still open are kept.
type Retention struct {
	store  store.Store
	maxAge time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

// NewRetention creates a retention job removing rows older than maxAge.
func NewRetention(st store.Store, maxAge time.Duration) *Retention {
	return &Retention{
		store:  st,
		maxAge: maxAge,
		cron:   cron.New(cron.WithParser(cronParser)),
		now:    time.Now,
	}
}

// Prune runs one retention pass.
func (r *Retention) Prune(ctx context.Context) (*store.PruneResult, error) {
	cutoff := r.now().Add(-r.maxAge)
	res, err := r.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.RetentionPruned.WithLabelValues("run_events").Add(float64(res.Events))
	metrics.RetentionPruned.WithLabelValues("commands").Add(float64(res.Commands))
	metrics.RetentionPruned.WithLabelValues("audit_events").Add(float64(res.Audits))
	slog.Info("retention pass finished",
		"cutoff", cutoff,
		"events", res.Events,
		"commands", res.Commands,
		"audits", res.Audits)
	return res, nil
}

// Start schedules Prune on schedule. A non-positive maxAge disables retention.
func (r *Retention) Start(schedule string) error {
	if r.maxAge <= 0 {
		slog.Info("event retention disabled")
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Prune(ctx); err != nil {
			slog.Error("retention pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("event retention scheduled", "schedule", schedule, "max_age", r.maxAge)
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
