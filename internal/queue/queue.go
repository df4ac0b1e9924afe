// Package queue is the in-process task queue of the fleetd worker: a
// buffered channel drained by a fixed set of worker goroutines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	c "github.com/pvik/fleetd/internal/config"
	log "github.com/sirupsen/logrus"
)

const TaskDeployInstance = "deploy_instance"
const TaskRunBatch = "run_batch"

var ErrClosed = errors.New("queue closed")
var ErrUnknownTask = errors.New("unknown task")

// Task is one unit of queued work
type Task struct {
	ID   uint64
	Name string
	Args map[string]string
}

type Handler func(ctx context.Context, t Task) error

type Queue struct {
	tasks    chan Task
	workers  int
	handlers map[string]Handler

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg c.WorkerConfig) *Queue {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		tasks:    make(chan Task, cfg.QueueBuffer),
		workers:  workers,
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a task name. Call before Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

// Start launches the workers. Handlers receive ctx.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.jobWorker(i)
	}
	log.WithField("workers", q.workers).Info("task queue started")
}

// Enqueue adds a task, blocking while the buffer is full
func (q *Queue) Enqueue(ctx context.Context, name string, args map[string]string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	t := Task{ID: atomic.AddUint64(&q.seq, 1), Name: name, Args: args}
	select {
	case q.tasks <- t:
		log.WithFields(log.Fields{
			"task": name,
			"id":   t.ID,
			"args": args,
		}).Debug("task queued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, lets the workers drain the buffer and waits for
// them
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
	log.Info("task queue stopped")
}

func (q *Queue) jobWorker(workerID int) {
	log.Debugf("jobWorker (%d)", workerID)
	defer q.wg.Done()

	// recover from panic
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"workerID": workerID,
				"err":      r,
			}).Error("Recovering from Panic in jobWorker")

			// restart function
			q.wg.Add(1)
			go q.jobWorker(workerID)
		}
	}()

	for t := range q.tasks {
		logger := log.WithFields(log.Fields{
			"workerID": workerID,
			"task":     t.Name,
			"id":       t.ID,
		})
		logger.Debug("processing task")

		q.mu.RLock()
		h := q.handlers[t.Name]
		q.mu.RUnlock()

		if err := h(q.ctx, t); err != nil {
			logger.WithField("error", err).Error("task failed")
			continue
		}
		logger.Debug("task done")
	}
}
