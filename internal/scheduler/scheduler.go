// Package scheduler runs the periodic scans of the fleetd worker: due
// batches are dispatched to the task queue and deployments that stopped
// making progress are failed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/queue"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args map[string]string) error
}

type PendingSource interface {
	GetPendingBatches(ctx context.Context) ([]db.BatchRecord, error)
}

type StuckSweeper interface {
	MarkStuckDeployments(ctx context.Context, cutoff time.Time, message string) (int, error)
}

type Scheduler struct {
	Pending PendingSource
	Sweeper StuckSweeper
	Queue   Enqueuer
	MaxAge  time.Duration

	cron *cron.Cron
	ctx  context.Context
	now  func() time.Time
}

// New registers the pending batch scan and the stuck deployment sweep on
// the cron specs of cfg
func New(cfg c.WorkerConfig, pending PendingSource, sweeper StuckSweeper, q Enqueuer) (*Scheduler, error) {
	logger := cron.PrintfLogger(log.StandardLogger())
	s := &Scheduler{
		Pending: pending,
		Sweeper: sweeper,
		Queue:   q,
		MaxAge:  cfg.StuckMaxAge.Duration,
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:     context.Background(),
		now:     func() time.Time { return time.Now().UTC() },
	}

	if _, err := s.cron.AddFunc(cfg.PendingScan, func() { s.DispatchPending(s.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid pending-scan spec %q: %w", cfg.PendingScan, err)
	}
	if _, err := s.cron.AddFunc(cfg.StuckScan, func() { s.SweepStuck(s.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid stuck-scan spec %q: %w", cfg.StuckScan, err)
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Info("scheduler started")
}

// Stop waits for running scans to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("scheduler stopped")
}

// DispatchPending queues every due batch. A batch dispatched twice runs
// once, the second run finds it claimed.
func (s *Scheduler) DispatchPending(ctx context.Context) (int, error) {
	batches, err := s.Pending.GetPendingBatches(ctx)
	if err != nil {
		log.WithField("error", err).Error("pending batch scan failed")
		return 0, err
	}

	n := 0
	for _, b := range batches {
		err := s.Queue.Enqueue(ctx, queue.TaskRunBatch, map[string]string{"batch-id": b.ID})
		if err != nil {
			log.WithFields(log.Fields{
				"batch": b.ID,
				"error": err,
			}).Error("unable to dispatch batch")
			return n, err
		}
		n++
	}
	if n > 0 {
		log.WithField("batches", n).Info("dispatched pending batches")
	}
	return n, nil
}

// SweepStuck fails deployments without progress for longer than MaxAge
func (s *Scheduler) SweepStuck(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.MaxAge)
	n, err := s.Sweeper.MarkStuckDeployments(ctx, cutoff, fmt.Sprintf("Marked stuck: no progress for %s", s.MaxAge))
	if err != nil {
		log.WithField("error", err).Error("stuck deployment sweep failed")
		return n, err
	}
	if n > 0 {
		log.WithField("deployments", n).Warn("marked stuck deployments failed")
	}
	return n, nil
}
