// Package batch rolls a deployment out across many instances under one
// strategy and aggregates the outcomes into a single batch record.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/deploy"
	"github.com/pvik/fleetd/internal/notify"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidBatch is returned by CreateBatch for unusable input
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrNotCancellable is returned when the batch already finished
	ErrNotCancellable = errors.New("batch cannot be cancelled")
)

var errCancelled = errors.New("batch cancelled")

// Deployer creates and runs one deployment. *deploy.Pipeline implements it.
type Deployer interface {
	Create(ctx context.Context, req deploy.Request) (string, error)
	Run(ctx context.Context, instanceID, deploymentID, secret string) deploy.Result
}

// Options are the optional fields of a new batch
type Options struct {
	ScheduledAt *time.Time
	CreatedBy   string
	Notes       string
}

type Orchestrator struct {
	Store    *db.Store
	Deployer Deployer
	Notifier notify.Notifier
	// Workers bounds the concurrent deployments of a parallel batch
	Workers int

	now func() time.Time
}

type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.Notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(store *db.Store, deployer Deployer, cfg c.BatchConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Store:    store,
		Deployer: deployer,
		Notifier: notify.Nop{},
		Workers:  cfg.ParallelWorkers,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

// CreateBatch validates and stores a scheduled batch
func (o *Orchestrator) CreateBatch(ctx context.Context, instanceIDs []string, strategy db.BatchStrategy, opts Options) (*db.BatchRecord, error) {
	if len(instanceIDs) == 0 {
		return nil, fmt.Errorf("%w: no instances", ErrInvalidBatch)
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidBatch, strategy)
	}
	seen := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: instance %s listed twice", ErrInvalidBatch, id)
		}
		seen[id] = true
	}

	missing, err := o.Store.MissingInstances(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unknown instances %v", ErrInvalidBatch, missing)
	}

	scheduledAt := opts.ScheduledAt
	if scheduledAt == nil {
		now := o.now()
		scheduledAt = &now
	}
	b := &db.BatchRecord{
		ID:             uuid.NewString(),
		InstanceIDs:    append([]string(nil), instanceIDs...),
		Strategy:       strategy,
		Status:         db.BatchScheduled,
		ScheduledAt:    scheduledAt,
		TotalInstances: len(instanceIDs),
		CreatedBy:      opts.CreatedBy,
		Notes:          opts.Notes,
	}
	if err := o.Store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"batch":     b.ID,
		"strategy":  strategy,
		"instances": len(instanceIDs),
		"scheduled": scheduledAt,
	}).Info("batch created")
	return b, nil
}

// RunBatch claims a scheduled batch and deploys its instances. A batch
// that is no longer scheduled is returned as is.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string) (*db.BatchRecord, error) {
	logger := log.WithField("batch", batchID)

	claimed, err := o.Store.ClaimBatch(ctx, batchID, o.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		b, err := o.Store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		logger.WithField("status", b.Status).Info("batch not scheduled, not running it")
		return b, nil
	}

	b, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	o.notify(ctx, notify.BatchStarted, b)
	logger.WithFields(log.Fields{
		"strategy":  b.Strategy,
		"instances": b.TotalInstances,
	}).Info("batch started")

	ids := []string(b.InstanceIDs)
	switch b.Strategy {
	case db.StrategyParallel:
		err = o.runParallel(ctx, batchID, ids)
	case db.StrategyRolling:
		err = o.runSequential(ctx, batchID, ids, true)
	case db.StrategyCanary:
		err = o.runCanary(ctx, batchID, ids)
	default:
		err = fmt.Errorf("%w: unknown strategy %q", ErrInvalidBatch, b.Strategy)
	}

	runErr := err
	switch {
	case errors.Is(err, errCancelled):
		logger.Info("batch cancelled, remaining instances not attempted")
		runErr = nil
	case err != nil:
		logger.WithField("error", err).Error("batch run aborted")
	}

	return o.finish(ctx, batchID, runErr)
}

func (o *Orchestrator) runParallel(ctx context.Context, batchID string, ids []string) error {
	var g errgroup.Group
	g.SetLimit(o.Workers)

	var mu sync.Mutex
	var cancelled bool
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := o.deployOne(ctx, batchID, id)
			if errors.Is(err, errCancelled) {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// runSequential deploys ids in order. With stopOnFailure the first failed
// instance ends the run.
func (o *Orchestrator) runSequential(ctx context.Context, batchID string, ids []string, stopOnFailure bool) error {
	for i, id := range ids {
		ok, err := o.deployOne(ctx, batchID, id)
		if err != nil {
			return err
		}
		if !ok && stopOnFailure {
			log.WithFields(log.Fields{
				"batch":       batchID,
				"instance":    id,
				"not-started": len(ids) - i - 1,
			}).Warn("rolling batch stopped at failed instance")
			return nil
		}
	}
	return nil
}

// runCanary gates the batch on its first instance only
func (o *Orchestrator) runCanary(ctx context.Context, batchID string, ids []string) error {
	ok, err := o.deployOne(ctx, batchID, ids[0])
	if err != nil {
		return err
	}
	if !ok {
		log.WithFields(log.Fields{
			"batch":    batchID,
			"instance": ids[0],
		}).Warn("canary failed, batch aborted")
		return nil
	}
	return o.runSequential(ctx, batchID, ids[1:], false)
}

// deployOne runs create-then-run for one instance and records its outcome
func (o *Orchestrator) deployOne(ctx context.Context, batchID, instanceID string) (bool, error) {
	if err := o.checkCancelled(ctx, batchID); err != nil {
		return false, err
	}

	logger := log.WithFields(log.Fields{
		"batch":    batchID,
		"instance": instanceID,
	})

	success := false
	deploymentID, err := o.Deployer.Create(ctx, deploy.Request{InstanceID: instanceID})
	if err != nil {
		logger.WithField("error", err).Warn("unable to create deployment")
	} else {
		res := o.Deployer.Run(ctx, instanceID, deploymentID, "")
		success = res.Success
		if !success {
			logger.WithFields(log.Fields{
				"deployment": deploymentID,
				"step":       res.FailedStep,
				"error":      res.Err,
			}).Warn("batch instance failed")
		}
	}

	if _, err := o.UpdateProgress(context.WithoutCancel(ctx), batchID, instanceID, success); err != nil {
		return success, err
	}
	return success, nil
}

func (o *Orchestrator) checkCancelled(ctx context.Context, batchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status == db.BatchCancelled {
		return errCancelled
	}
	return nil
}

// finish closes a batch that stopped before every instance had an outcome
func (o *Orchestrator) finish(ctx context.Context, batchID string, runErr error) (*db.BatchRecord, error) {
	ctx = context.WithoutCancel(ctx)

	b, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == db.BatchRunning {
		// stopped early: rolling or canary abort, or a run error
		if _, err := o.Store.FinishBatch(ctx, batchID, db.BatchFailed, o.now()); err != nil {
			return b, err
		}
		if b, err = o.Store.GetBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}

	logger := log.WithFields(log.Fields{
		"batch":     batchID,
		"status":    b.Status,
		"completed": b.CompletedCount,
		"failed":    b.FailedCount,
		"total":     b.TotalInstances,
	})
	switch b.Status {
	case db.BatchCompleted:
		o.notify(ctx, notify.BatchCompleted, b)
		logger.Info("batch completed")
	case db.BatchFailed:
		o.notify(ctx, notify.BatchFailed, b)
		logger.Warn("batch failed")
	default:
		logger.Info("batch finished")
	}
	return b, runErr
}

// UpdateProgress records the outcome of one instance of the batch
func (o *Orchestrator) UpdateProgress(ctx context.Context, batchID, instanceID string, success bool) (*db.BatchRecord, error) {
	return o.Store.RecordOutcome(ctx, batchID, instanceID, success, o.now())
}

// CancelBatch stops a scheduled or running batch before its next instance
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	err := o.Store.CancelBatch(ctx, batchID, o.now())
	if errors.Is(err, db.ErrInvalidState) {
		return fmt.Errorf("%w: %v", ErrNotCancellable, err)
	}
	if err != nil {
		return err
	}

	b, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	o.notify(ctx, notify.BatchCancelled, b)
	log.WithField("batch", batchID).Info("batch cancelled")
	return nil
}

// GetPendingBatches returns scheduled batches that are due
func (o *Orchestrator) GetPendingBatches(ctx context.Context) ([]db.BatchRecord, error) {
	return o.Store.PendingBatches(ctx, o.now())
}

func (o *Orchestrator) ListBatches(ctx context.Context, limit, offset int) ([]db.BatchRecord, error) {
	return o.Store.ListBatches(ctx, limit, offset)
}

func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*db.BatchRecord, error) {
	return o.Store.GetBatch(ctx, batchID)
}

func (o *Orchestrator) notify(ctx context.Context, event string, b *db.BatchRecord) {
	notify.Send(ctx, o.Notifier, notify.Event{
		Name:      event,
		Timestamp: o.now(),
		BatchID:   b.ID,
		Context: map[string]interface{}{
			"strategy":  b.Strategy,
			"total":     b.TotalInstances,
			"completed": b.CompletedCount,
			"failed":    b.FailedCount,
		},
	})
}
