package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/queue"
	"github.com/pvik/fleetd/internal/scheduler"

	log "github.com/sirupsen/logrus"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task workers, periodic scans and the ops API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q := queue.New(c.AppConf.Worker)
		registerTasks(q, e)
		q.Start(ctx)

		sched, err := scheduler.New(c.AppConf.Worker, e.Orchestrator, e.Store, q)
		if err != nil {
			q.Stop()
			return err
		}
		sched.Start(ctx)

		log.Infof("Listening on %d", c.AppConf.Ops.Port)
		timeout := time.Duration(c.AppConf.Ops.HTTPTimeoutSec) * time.Second
		server := &http.Server{
			Addr:         ":" + strconv.Itoa(c.AppConf.Ops.Port),
			Handler:      routes(e, q),
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}

		serveErr := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err = <-serveErr:
			log.WithFields(log.Fields{
				"err": err,
			}).Error("Error setting up http listener")
		}

		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		server.Shutdown(shutCtx)
		sched.Stop()
		q.Stop()
		return err
	},
}

// registerTasks binds the task names the queue accepts to the engine
func registerTasks(q *queue.Queue, e *engine) {
	q.Register(queue.TaskDeployInstance, deployTask(e))
	q.Register(queue.TaskRunBatch, batchTask(e))
}

func deployTask(e *engine) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		instanceID, deploymentID := t.Args["instance-id"], t.Args["deployment-id"]
		if instanceID == "" || deploymentID == "" {
			return fmt.Errorf("task %d: instance-id and deployment-id are required", t.ID)
		}
		res := e.Pipeline.Execute(ctx, instanceID, deploymentID)
		if !res.Success {
			if res.Err != nil {
				return res.Err
			}
			return fmt.Errorf("deployment %s failed at %s", deploymentID, res.FailedStep)
		}
		return nil
	}
}

func batchTask(e *engine) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		batchID := t.Args["batch-id"]
		if batchID == "" {
			return fmt.Errorf("task %d: batch-id is required", t.ID)
		}
		b, err := e.Orchestrator.RunBatch(ctx, batchID)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"batch":  b.ID,
			"status": b.Status,
		}).Info("batch task done")
		return nil
	}
}
