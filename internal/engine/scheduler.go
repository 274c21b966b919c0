package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives one engine on a fixed tick. It is deliberately dumb:
// all gating (session, daily flags, cycle status) lives in Engine.Tick so
// a crash-restart re-evaluates from persisted state alone.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	l        *zap.Logger
}

func NewScheduler(e *Engine, interval time.Duration, l *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{engine: e, interval: interval, l: l}
}

// Run ticks until the context is cancelled. One evaluation fires
// immediately so a restart mid-session does not wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.engine.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			s.l.Info("scheduler stopping")
			return ctx.Err()
		case now := <-ticker.C:
			s.engine.Tick(ctx, now)
		}
	}
}
