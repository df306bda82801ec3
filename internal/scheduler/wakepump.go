// Package scheduler resumes conversations whose delay timers are due: a
// cron-driven wake pump scans the store once a minute and re-advances every
// conversation whose wake time has passed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// WakePumpSchedule fires the wake scan once a minute, matching the minute
// granularity of delay nodes.
const WakePumpSchedule = "* * * * *"

// wakeStore is the slice of the store the wake pump needs.
type wakeStore interface {
	ListDueWakes(now time.Time) ([]string, error)
}

// AdvanceFunc resumes one conversation; the wake pump passes a nil event.
type AdvanceFunc func(ctx context.Context, conversationID string) error

// WakePump scans for conversations whose delay wake time has passed and
// re-advances them. Delivery is at-least-once: a wake that fails is retried
// on the next tick because the wake marker is only cleared by a successful
// advance.
type WakePump struct {
	store   wakeStore
	advance AdvanceFunc
	now     func() time.Time
}

// NewWakePump creates a wake pump over the given store and advance function.
func NewWakePump(st store.Store, advance AdvanceFunc) *WakePump {
	return &WakePump{store: st, advance: advance, now: time.Now}
}

// Start registers the pump on the scheduler at the standard once-a-minute
// schedule.
func (p *WakePump) Start(s *Scheduler) error {
	return s.AddJob(WakePumpSchedule, func() { p.Tick(context.Background()) })
}

// Tick runs one wake scan. Failures on individual conversations are logged
// and do not block the remaining wakes.
func (p *WakePump) Tick(ctx context.Context) {
	ids, err := p.store.ListDueWakes(p.now().UTC())
	if err != nil {
		slog.Error("WakePump.Tick failed to list due wakes", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	slog.Debug("WakePump.Tick resuming conversations", "count", len(ids))
	for _, id := range ids {
		if err := p.advance(ctx, id); err != nil {
			// A conversation handed off or closed between the scan and the
			// advance is not an anomaly.
			if errors.Is(err, models.ErrBotInactive) || errors.Is(err, models.ErrConversationNotFound) {
				slog.Debug("WakePump.Tick wake skipped", "conversation", id, "reason", err)
				continue
			}
			slog.Error("WakePump.Tick failed to resume conversation", "error", err, "conversation", id)
		}
	}
}
