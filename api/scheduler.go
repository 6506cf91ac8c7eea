/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs the reconciliation engine so missed or drifted
  commission state self-heals without operator action.

DESIGN:
  - robfig/cron drives the schedule ("@hourly" by default, any cron spec)
  - Overlapping runs are skipped, not queued: if a pass is still going when
    the next tick fires, the tick is dropped
  - Every run is recorded by the engine for audit and UI display

USAGE:
  scheduler := NewScheduler(engine, "@hourly")
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - reconcile/engine.go: The pass being scheduled
  - handlers.go: TriggerReconciliation endpoint (manual runs)
*/
package api

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/reconcile"
)

// Scheduler runs reconciliation passes on a cron schedule.
type Scheduler struct {
	Engine *reconcile.Engine
	Spec   string

	cron    *cron.Cron
	running atomic.Bool
}

// NewScheduler creates a scheduler. An empty spec disables it.
func NewScheduler(engine *reconcile.Engine, spec string) *Scheduler {
	return &Scheduler{Engine: engine, Spec: spec}
}

// Start begins the schedule. No-op when the spec is empty.
func (s *Scheduler) Start() error {
	if s.Spec == "" {
		log.Info("reconciliation scheduler disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.Spec, s.tick); err != nil {
		return err
	}
	s.cron.Start()

	log.WithField("schedule", s.Spec).Info("reconciliation scheduler started")
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn("reconciliation still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	if _, err := s.Engine.Run(context.Background(), reconcile.Options{}); err != nil {
		log.WithError(err).Error("scheduled reconciliation failed")
	}
}
