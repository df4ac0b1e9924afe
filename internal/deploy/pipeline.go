// Package deploy runs the ordered deployment steps of one instance and
// records every step in the database.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/notify"
	"github.com/pvik/fleetd/internal/remote"
	"github.com/pvik/fleetd/internal/sealed"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

// Outcome is what a step function reports back to the runner
type Outcome struct {
	Status  db.StepStatus
	Message string
	Output  string
}

func succeeded(message, output string) Outcome {
	return Outcome{Status: db.StepSuccess, Message: message, Output: output}
}

func failed(message, output string) Outcome {
	return Outcome{Status: db.StepFailed, Message: message, Output: output}
}

func skipped(message string) Outcome {
	return Outcome{Status: db.StepSkipped, Message: message}
}

type step struct {
	name  string
	label string
	// a failed fatal step ends the deployment
	fatal bool
	// containers of the instance may be running once this step started
	containers bool
	fn         func(ctx context.Context, r *run) Outcome
}

// Request asks for a new deployment of one instance
type Request struct {
	InstanceID string
	// Secret is handed to the generate step once, then cleared
	Secret string
	Kind   db.DeploymentKind
	// GitRef overrides the instance pin and the default branch
	GitRef string
}

// Result of one Run. Err is a *StepError when a step failed.
type Result struct {
	DeploymentID string
	Success      bool
	FailedStep   string
	Err          error
}

// Pipeline creates and runs deployments
type Pipeline struct {
	Store     *db.Store
	Connector remote.Connector
	Generator ConfigGenerator
	Notifier  notify.Notifier
	Sealer    *sealed.Sealer
	Config    c.PipelineConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Pipeline)

func WithGenerator(g ConfigGenerator) Option {
	return func(p *Pipeline) { p.Generator = g }
}

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) { p.Notifier = n }
}

func WithSealer(s *sealed.Sealer) Option {
	return func(p *Pipeline) { p.Sealer = s }
}

// WithClock replaces time.Now and the sleeps between health polls
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

func New(store *db.Store, connector remote.Connector, cfg c.PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		Store:     store,
		Connector: connector,
		Generator: TemplateGenerator{Config: cfg},
		Notifier:  notify.Nop{},
		Sealer:    &sealed.Sealer{},
		Config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepNames lists the steps of a deployment kind in run order
func (p *Pipeline) StepNames(kind db.DeploymentKind) []string {
	steps := p.steps(kind)
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

// ResolveRef picks the source ref of a deployment: explicit override, then
// the pinned branch, then the pinned tag, then the default branch
func ResolveRef(override string, inst *db.Instance, defaultBranch string) string {
	if override != "" {
		return override
	}
	if ref := inst.PinnedRef(); ref != "" {
		return ref
	}
	return defaultBranch
}

// Create records a new pending deployment and returns its id
func (p *Pipeline) Create(ctx context.Context, req Request) (string, error) {
	kind := req.Kind
	if kind == "" {
		kind = db.DeploymentFull
	}
	if kind != db.DeploymentFull && kind != db.DeploymentReconfigure {
		return "", fmt.Errorf("unknown deployment kind %q", kind)
	}

	inst, err := p.Store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return "", err
	}

	secret, err := p.Sealer.Seal(req.Secret)
	if err != nil {
		return "", fmt.Errorf("seal deploy secret: %w", err)
	}

	steps := p.steps(kind)
	seeds := make([]db.StepSeed, len(steps))
	for i, s := range steps {
		seeds[i] = db.StepSeed{Name: s.name, Message: s.label}
	}

	deploymentID := uuid.NewString()
	ref := ResolveRef(req.GitRef, inst, p.Config.DefaultBranch)
	err = p.Store.CreateDeployment(ctx, db.NewDeployment{
		InstanceID:   inst.ID,
		DeploymentID: deploymentID,
		Kind:         kind,
		GitRef:       ref,
		Steps:        seeds,
		Secret:       secret,
	})
	if errors.Is(err, db.ErrDeployInProgress) {
		return "", &ConflictError{InstanceID: inst.ID}
	}
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"instance":   inst.ID,
		"deployment": deploymentID,
		"kind":       kind,
		"ref":        ref,
	}).Info("deployment created")
	return deploymentID, nil
}

// Execute is the worker entry point: it takes the stored secret, clearing
// it, then runs the deployment
func (p *Pipeline) Execute(ctx context.Context, instanceID, deploymentID string) Result {
	stored, err := p.Store.TakeSecret(ctx, instanceID, deploymentID)
	if err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Unable to read deploy secret", err)
	}
	secret, err := p.Sealer.Open(stored)
	if err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Unable to open deploy secret", err)
	}
	return p.Run(ctx, instanceID, deploymentID, secret)
}

// Discard closes a created deployment that will never run, so the
// instance accepts a new one
func (p *Pipeline) Discard(ctx context.Context, instanceID, deploymentID string, cause error) Result {
	p.clearSecret(ctx, instanceID, deploymentID)
	return p.abort(ctx, instanceID, deploymentID, "Deployment not started", cause)
}

// abort fails the first pending step and skips the rest, for runs that
// cannot start
func (p *Pipeline) abort(ctx context.Context, instanceID, deploymentID, message string, cause error) Result {
	ctx = context.WithoutCancel(ctx)
	res := Result{DeploymentID: deploymentID}
	rows, err := p.Store.ListDeployment(ctx, instanceID, deploymentID)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", message, cause)
		return res
	}

	at := p.now()
	for _, r := range rows {
		if r.Status != db.StepPending {
			continue
		}
		p.update(ctx, instanceID, deploymentID, r.Step, db.StepUpdate{
			Status:  db.StepFailed,
			Message: message,
			Output:  cause.Error(),
			At:      at,
		})
		p.skipRest(ctx, instanceID, deploymentID, r.Step)
		res.FailedStep = r.Step
		break
	}

	log.WithFields(log.Fields{
		"instance":   instanceID,
		"deployment": deploymentID,
		"error":      cause,
	}).Error(message)
	res.Err = &StepError{Step: res.FailedStep, Message: fmt.Sprintf("%s: %v", message, cause)}
	return res
}

// Run executes the steps of a created deployment in order. It always
// leaves every step row of the deployment in a terminal status.
func (p *Pipeline) Run(ctx context.Context, instanceID, deploymentID, secret string) Result {
	res := Result{DeploymentID: deploymentID}

	rows, err := p.Store.ListDeployment(ctx, instanceID, deploymentID)
	if err != nil {
		res.Err = err
		return res
	}
	for _, r := range rows {
		if r.Status != db.StepPending {
			res.Err = fmt.Errorf("deployment %s already ran, create a new one", deploymentID)
			return res
		}
	}

	inst, err := p.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Instance not found", err)
	}
	host, err := p.Store.GetHost(ctx, inst.HostID)
	if err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Host not found", err)
	}
	slug, err := Slug(inst.Code)
	if err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Invalid instance code", err)
	}

	r := &run{
		p:            p,
		inst:         inst,
		host:         host,
		exec:         p.Connector.Executor(host),
		deploymentID: deploymentID,
		kind:         rows[0].Kind,
		gitRef:       rows[0].GitRef,
		secret:       secret,
		slug:         slug,
		deployPath:   p.deployPath(inst, slug),
	}
	defer p.clearSecret(ctx, instanceID, deploymentID)

	if err := p.Store.SetInstanceStatus(ctx, instanceID, db.InstanceDeploying); err != nil {
		return p.abort(ctx, instanceID, deploymentID, "Unable to mark instance deploying", err)
	}
	p.notify(ctx, notify.DeployStarted, r, nil)

	logger := log.WithFields(log.Fields{
		"instance":   instanceID,
		"deployment": deploymentID,
		"host":       host.Hostname,
	})
	logger.WithField("kind", r.kind).Info("deployment started")

	var prev step
	for _, st := range p.steps(r.kind) {
		if err := ctx.Err(); err != nil {
			p.update(ctx, instanceID, deploymentID, st.name, db.StepUpdate{
				Status:  db.StepFailed,
				Message: "Deployment cancelled",
				Output:  err.Error(),
				At:      p.now(),
			})
			// st never began, containers run only if the step before it started them
			st.containers = prev.containers
			return p.fail(ctx, r, st, "Deployment cancelled")
		}
		prev = st

		r.step = st.name
		p.update(ctx, instanceID, deploymentID, st.name, db.StepUpdate{Status: db.StepRunning, At: p.now()})

		out := p.runStep(ctx, st, r)
		p.update(ctx, instanceID, deploymentID, st.name, db.StepUpdate{
			Status:  out.Status,
			Message: out.Message,
			Output:  capOutput(out.Output, p.Config.OutputCap),
			At:      p.now(),
		})

		if out.Status != db.StepFailed {
			logger.WithFields(log.Fields{
				"step":   st.name,
				"status": out.Status,
			}).Info(out.Message)
			continue
		}
		if !st.fatal {
			logger.WithFields(log.Fields{
				"step":  st.name,
				"error": out.Message,
			}).Warn("non-fatal step failed, continuing")
			continue
		}
		return p.fail(ctx, r, st, out.Message)
	}

	if err := p.Store.MarkDeployed(ctx, instanceID, r.gitRef); err != nil {
		logger.WithField("error", err).Error("unable to mark instance running")
		res.Err = err
		return res
	}
	p.notify(ctx, notify.DeploySuccess, r, nil)
	logger.Info("deployment succeeded")

	res.Success = true
	return res
}

func (p *Pipeline) runStep(ctx context.Context, st step, r *run) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{
				"instance":   r.inst.ID,
				"deployment": r.deploymentID,
				"step":       st.name,
				"error":      rec,
			}).Error("Recovering from Panic in deployment step")
			out = failed(fmt.Sprintf("step panicked: %v", rec), string(debug.Stack()))
		}
	}()
	return st.fn(ctx, r)
}

// fail finishes a deployment stopped at st
func (p *Pipeline) fail(ctx context.Context, r *run, st step, message string) Result {
	ctx = context.WithoutCancel(ctx)
	instanceID := r.inst.ID
	p.skipRest(ctx, instanceID, r.deploymentID, st.name)

	if st.containers {
		p.rollback(ctx, r, st.name)
	} else {
		log.WithFields(log.Fields{
			"instance": instanceID,
			"step":     st.name,
		}).Info("rollback skipped, failure before containers were started")
	}

	if err := p.Store.SetInstanceStatus(ctx, instanceID, db.InstanceError); err != nil {
		log.WithFields(log.Fields{
			"instance": instanceID,
			"error":    err,
		}).Error("unable to mark instance error")
	}

	stepErr := &StepError{Step: st.name, Message: message}
	p.notify(ctx, notify.DeployFailed, r, map[string]interface{}{
		"step":  st.name,
		"error": stepErr.Error(),
	})
	log.WithFields(log.Fields{
		"instance":   instanceID,
		"deployment": r.deploymentID,
		"step":       st.name,
		"error":      message,
	}).Error("deployment failed")

	return Result{DeploymentID: r.deploymentID, FailedStep: st.name, Err: stepErr}
}

func (p *Pipeline) skipRest(ctx context.Context, instanceID, deploymentID, failedStep string) {
	// a cancelled ctx must not leave rows pending
	ctx = context.WithoutCancel(ctx)
	_, err := p.Store.SkipPending(ctx, instanceID, deploymentID, "Skipped after "+failedStep+" failed", p.now())
	if err != nil {
		log.WithFields(log.Fields{
			"instance":   instanceID,
			"deployment": deploymentID,
			"error":      err,
		}).Error("unable to skip remaining steps")
	}
}

func (p *Pipeline) update(ctx context.Context, instanceID, deploymentID, stepName string, u db.StepUpdate) {
	ctx = context.WithoutCancel(ctx)
	if err := p.Store.UpdateStep(ctx, instanceID, deploymentID, stepName, u); err != nil {
		log.WithFields(log.Fields{
			"instance":   instanceID,
			"deployment": deploymentID,
			"step":       stepName,
			"error":      err,
		}).Error("unable to update deployment step")
	}
}

func (p *Pipeline) clearSecret(ctx context.Context, instanceID, deploymentID string) {
	if err := p.Store.ClearSecret(context.WithoutCancel(ctx), instanceID, deploymentID); err != nil {
		log.WithFields(log.Fields{
			"instance":   instanceID,
			"deployment": deploymentID,
			"error":      err,
		}).Error("unable to clear deploy secret")
	}
}

func (p *Pipeline) notify(ctx context.Context, event string, r *run, extra map[string]interface{}) {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["kind"] = r.kind
	extra["ref"] = r.gitRef
	notify.Send(context.WithoutCancel(ctx), p.Notifier, notify.Event{
		Name:         event,
		Timestamp:    p.now(),
		InstanceID:   r.inst.ID,
		InstanceCode: r.inst.Code,
		DeploymentID: r.deploymentID,
		Context:      extra,
	})
}

func (p *Pipeline) deployPath(inst *db.Instance, slug string) string {
	if inst.DeployPath != "" {
		return inst.DeployPath
	}
	return p.Config.DefaultDeployRoot + "/" + slug
}
