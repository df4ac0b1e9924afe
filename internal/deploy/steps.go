package deploy

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/pvik/fleetd/internal/remote"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

const outputTail = 2000

const (
	quickTimeout     = 15 * time.Second
	cloneTimeout     = 300 * time.Second
	buildTimeout     = 600 * time.Second
	composeTimeout   = 120 * time.Second
	migrateTimeout   = 180 * time.Second
	bootstrapTimeout = 60 * time.Second
)

// run is the state shared by the steps of one deployment
type run struct {
	p            *Pipeline
	inst         *db.Instance
	host         *db.Host
	exec         remote.Executor
	deploymentID string
	kind         db.DeploymentKind
	gitRef       string
	secret       string
	slug         string
	deployPath   string
	step         string
}

func (p *Pipeline) steps(kind db.DeploymentKind) []step {
	if kind == db.DeploymentReconfigure {
		return []step{
			{name: "generate", label: "Generate configuration", fatal: true, fn: stepGenerate},
			{name: "transfer", label: "Verify deploy directory", fatal: true, fn: stepTransfer},
			{name: "restart", label: "Restart app containers", fatal: true, fn: stepRestart},
			{name: "verify", label: "Verify health", fatal: true, fn: stepVerify},
		}
	}
	return []step{
		{name: "generate", label: "Generate configuration", fatal: true, fn: stepGenerate},
		{name: "transfer", label: "Verify deploy directory", fatal: true, fn: stepTransfer},
		{name: "ensure_source", label: "Ensure source checkout", fatal: true, fn: stepEnsureSource},
		{name: "build", label: "Build images", fatal: true, fn: stepBuild},
		{name: "start_infra", label: "Start infrastructure", fatal: true, containers: true, fn: stepStartInfra},
		{name: "start_app", label: "Start app containers", fatal: true, containers: true, fn: stepStartApp},
		{name: "migrate", label: "Run migrations", fatal: true, containers: true, fn: stepMigrate},
		{name: "bootstrap", label: "Bootstrap", fatal: true, containers: true, fn: stepBootstrap},
		{name: "proxy", label: "Configure reverse proxy", containers: true, fn: stepProxy},
		{name: "verify", label: "Verify health", fatal: true, containers: true, fn: stepVerify},
	}
}

// sh runs command and folds transport errors into a failed Result so step
// code deals with one shape
func (r *run) sh(ctx context.Context, command string, timeout time.Duration, workdir string) remote.Result {
	logger := log.WithFields(log.Fields{
		"instance": r.inst.ID,
		"step":     r.step,
		"command":  remote.Shorten(command, 200),
	})

	res, err := r.exec.Exec(ctx, command, timeout, workdir)
	if err != nil {
		logger.WithField("error", err).Error("command transport failure")
		return remote.Result{ExitCode: -1, Stderr: err.Error()}
	}
	logger.WithField("exit", res.ExitCode).Debug("command finished")
	return res
}

// compose runs a docker compose subcommand in the deploy directory
func (r *run) compose(ctx context.Context, args string, timeout time.Duration) remote.Result {
	return r.sh(ctx, "docker compose "+args, timeout, r.deployPath)
}

func (r *run) container(service string) string {
	return ContainerName(r.p.Config.ContainerPrefix, r.slug, service)
}

// progress replaces the message of the running step
func (r *run) progress(ctx context.Context, message string) {
	if err := r.p.Store.StepMessage(ctx, r.inst.ID, r.deploymentID, r.step, message); err != nil {
		log.WithFields(log.Fields{
			"instance": r.inst.ID,
			"step":     r.step,
			"error":    err,
		}).Warn("unable to update step message")
	}
}

func output(res remote.Result) string {
	return tail(joinOutput(res.Stdout, res.Stderr), outputTail)
}

func quoteAll(words []string) string {
	q := make([]string, len(words))
	for i, w := range words {
		q[i] = shellescape.Quote(w)
	}
	return strings.Join(q, " ")
}

func stepGenerate(ctx context.Context, r *run) Outcome {
	var existing map[string]string
	envPath := path.Join(r.deployPath, EnvFile)
	content, ok, err := r.exec.ReadFile(ctx, envPath)
	if err != nil {
		return failed("Unable to read existing env file", err.Error())
	}
	if ok {
		existing = ParseEnv(string(content))
	}

	files, err := r.p.Generator.Generate(ctx, GenerateRequest{
		Instance:   r.inst,
		Secret:     r.secret,
		GitRef:     r.gitRef,
		DeployPath: r.deployPath,
		Existing:   existing,
	})
	if err != nil {
		return failed("Config generation failed", err.Error())
	}

	changed := 0
	var out strings.Builder
	for _, f := range files {
		p := path.Join(r.deployPath, f.Name)
		old, ok, err := r.exec.ReadFile(ctx, p)
		if err != nil {
			return failed("Unable to read "+p, err.Error())
		}
		if ok && bytes.Equal(old, f.Content) {
			fmt.Fprintf(&out, "unchanged %s\n", p)
			continue
		}
		if err := r.exec.WriteFile(ctx, f.Content, p, f.Mode); err != nil {
			return failed("Unable to write "+p, err.Error())
		}
		changed++
		fmt.Fprintf(&out, "wrote %s (%d bytes)\n", p, len(f.Content))
	}

	return succeeded(fmt.Sprintf("Generated %d files at %s (%d changed)", len(files), r.deployPath, changed), out.String())
}

func stepTransfer(ctx context.Context, r *run) Outcome {
	res := r.sh(ctx, "ls -la "+shellescape.Quote(r.deployPath)+"/", quickTimeout, "")
	if !res.OK() {
		return failed("Deploy directory "+r.deployPath+" not accessible", output(res))
	}
	return succeeded("Files in place at "+r.deployPath, output(res))
}

func stepEnsureSource(ctx context.Context, r *run) Outcome {
	cfg := r.p.Config
	src := shellescape.Quote(cfg.SourcePath)
	ref := shellescape.Quote(r.gitRef)

	check := r.sh(ctx, "test -d "+shellescape.Quote(cfg.SourcePath+"/.git")+" && echo exists", quickTimeout, "")
	if strings.TrimSpace(check.Stdout) == "exists" {
		r.progress(ctx, "Checking out "+r.gitRef)
		res := r.sh(ctx, fmt.Sprintf("git -C %s fetch --all --tags --prune && git -C %s checkout %s", src, src, ref), cloneTimeout, "")
		if !res.OK() {
			return failed("Checkout of "+r.gitRef+" failed", output(res))
		}

		// tags and detached heads have nothing to pull
		pull := r.sh(ctx, "git -C "+src+" pull --ff-only", composeTimeout, "")
		msg := "Source updated to " + r.gitRef
		if !pull.OK() {
			msg += " (pull skipped)"
		}
		return succeeded(msg, tail(joinOutput(output(res), output(pull)), outputTail))
	}

	if cfg.GitRepoURL == "" {
		return failed("No source at "+cfg.SourcePath+" and no git repository configured", "")
	}

	r.progress(ctx, "Cloning "+r.gitRef)
	cmd := fmt.Sprintf("mkdir -p %s && git clone --branch %s %s %s",
		shellescape.Quote(path.Dir(cfg.SourcePath)), ref, shellescape.Quote(cfg.GitRepoURL), src)
	res := r.sh(ctx, cmd, cloneTimeout, "")
	if !res.OK() {
		return failed("Clone of "+r.gitRef+" failed", output(res))
	}
	return succeeded("Cloned "+r.gitRef+" to "+cfg.SourcePath, output(res))
}

func stepBuild(ctx context.Context, r *run) Outcome {
	if r.p.Config.BuildMode == "pull" {
		res := r.compose(ctx, "pull "+quoteAll(r.p.Config.AppServices), buildTimeout)
		if !res.OK() {
			return failed("Image pull failed", output(res))
		}
		return succeeded("Images pulled", output(res))
	}

	res := r.compose(ctx, "build", buildTimeout)
	if !res.OK() {
		return failed("Image build failed", output(res))
	}
	return succeeded("Images built", output(res))
}

func stepStartInfra(ctx context.Context, r *run) Outcome {
	cfg := r.p.Config
	res := r.compose(ctx, "up -d "+quoteAll(cfg.InfraServices), composeTimeout)
	if !res.OK() {
		return failed("Unable to start infrastructure", output(res))
	}

	healthCmd := "docker inspect --format='{{.State.Health.Status}}' " + shellescape.Quote(r.container("db"))
	var status string
	for i := 0; i < cfg.HealthPollCount; i++ {
		if i > 0 {
			if err := r.p.sleep(ctx, cfg.HealthPollEvery.Duration); err != nil {
				return failed("Deployment cancelled while waiting for database", err.Error())
			}
		}
		r.progress(ctx, fmt.Sprintf("Waiting for database (%d/%d)", i+1, cfg.HealthPollCount))
		check := r.sh(ctx, healthCmd, 10*time.Second, "")
		status = strings.Trim(strings.TrimSpace(check.Stdout), "'")
		if status == "healthy" {
			return succeeded("Infrastructure started, database healthy", output(res))
		}
	}

	return failed(fmt.Sprintf("Database not healthy after %d checks (last status %q)", cfg.HealthPollCount, status), output(res))
}

func stepStartApp(ctx context.Context, r *run) Outcome {
	res := r.compose(ctx, "up -d "+quoteAll(r.p.Config.AppServices), composeTimeout)
	if !res.OK() {
		return failed("Unable to start app containers", output(res))
	}
	if err := r.p.sleep(ctx, r.p.Config.SettleDelay.Duration); err != nil {
		return failed("Deployment cancelled while app containers settled", err.Error())
	}
	return succeeded("App containers started", output(res))
}

func stepMigrate(ctx context.Context, r *run) Outcome {
	cfg := r.p.Config
	var out []string

	if len(cfg.Schemas) > 0 {
		var sql strings.Builder
		for _, s := range cfg.Schemas {
			if err := validSchema(s); err != nil {
				return failed(err.Error(), "")
			}
			fmt.Fprintf(&sql, `CREATE SCHEMA IF NOT EXISTS "%s"; `, s)
		}
		cmd := fmt.Sprintf("docker exec %s psql -U postgres -d %s -c %s",
			shellescape.Quote(r.container("db")),
			shellescape.Quote(DatabaseName(cfg.ContainerPrefix, r.slug)),
			shellescape.Quote(strings.TrimSpace(sql.String())))
		res := r.sh(ctx, cmd, 30*time.Second, "")
		if !res.OK() {
			return failed("Schema creation failed", output(res))
		}
		out = append(out, output(res))
	}

	res := r.sh(ctx, "docker exec "+shellescape.Quote(r.container("app"))+" "+cfg.MigrateCommand, migrateTimeout, "")
	out = append(out, output(res))
	if !res.OK() {
		return failed("Migrations failed", tail(strings.Join(out, "\n"), outputTail))
	}
	return succeeded("Migrations applied", tail(strings.Join(out, "\n"), outputTail))
}

func stepBootstrap(ctx context.Context, r *run) Outcome {
	cfg := r.p.Config
	app := r.container("app")

	cp := fmt.Sprintf("docker cp %s %s",
		shellescape.Quote(path.Join(r.deployPath, cfg.BootstrapScript)),
		shellescape.Quote(app+":/app/"+cfg.BootstrapScript))
	res := r.sh(ctx, cp, quickTimeout, "")
	if !res.OK() {
		return failed("Unable to copy bootstrap script", output(res))
	}

	res = r.sh(ctx, "docker exec "+shellescape.Quote(app)+" "+cfg.BootstrapCommand, bootstrapTimeout, "")
	if !res.OK() {
		return failed("Bootstrap failed", output(res))
	}
	return succeeded("Bootstrap complete", output(res))
}

func stepProxy(ctx context.Context, r *run) Outcome {
	if r.inst.Domain == "" {
		return skipped("No domain configured")
	}
	if err := validDomain(r.inst.Domain); err != nil {
		return failed(err.Error(), "")
	}

	proxy, err := proxyFor(r.p.Config.ProxyKind)
	if err != nil {
		return failed(err.Error(), "")
	}
	out, err := proxy.configure(ctx, r)
	if err != nil {
		return failed(err.Error(), out)
	}
	return succeeded("Reverse proxy configured for "+r.inst.Domain, out)
}

func stepVerify(ctx context.Context, r *run) Outcome {
	url := fmt.Sprintf("http://localhost:%d/health", r.inst.AppPort)
	res := r.sh(ctx, "curl -sf "+url+" || echo 'FAIL'", quickTimeout, "")
	if !res.OK() || strings.Contains(res.Stdout, "FAIL") {
		return failed("Health check failed at "+url, output(res))
	}
	return succeeded("Instance healthy", output(res))
}

func stepRestart(ctx context.Context, r *run) Outcome {
	res := r.compose(ctx, "restart "+quoteAll(r.p.Config.AppServices), composeTimeout)
	if !res.OK() {
		return failed("Unable to restart app containers", output(res))
	}
	if err := r.p.sleep(ctx, r.p.Config.SettleDelay.Duration); err != nil {
		return failed("Deployment cancelled while app containers settled", err.Error())
	}
	return succeeded("App containers restarted", output(res))
}

// rollback tears the instance containers down. Nothing here changes the
// result of the deployment.
func (p *Pipeline) rollback(ctx context.Context, r *run, failedStep string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Minute)
	defer cancel()

	r.step = "rollback"
	logger := log.WithFields(log.Fields{
		"instance":   r.inst.ID,
		"deployment": r.deploymentID,
		"failed":     failedStep,
	})
	logger.Warn("rolling back instance containers")

	ps := r.compose(ctx, "ps --format '{{.Name}} {{.Status}}'", quickTimeout)
	logger.WithField("containers", output(ps)).Info("container state before rollback")
	for _, svc := range []string{"app", "worker", "db"} {
		res := r.sh(ctx, "docker logs --tail 50 "+shellescape.Quote(r.container(svc))+" 2>&1", quickTimeout, "")
		logger.WithFields(log.Fields{
			"container": r.container(svc),
			"logs":      output(res),
		}).Info("container logs before rollback")
	}

	down := r.compose(ctx, "down", 60*time.Second)
	if !down.OK() {
		logger.WithFields(log.Fields{
			"exit":   down.ExitCode,
			"output": output(down),
		}).Error("rollback failed")
		return
	}
	logger.Info("rollback complete")
}
