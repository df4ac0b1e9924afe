package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	c "github.com/pvik/fleetd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := Open(c.DBConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "fleetd.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(gdb)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInstance(t *testing.T, s *Store, id string) *Instance {
	t.Helper()
	ctx := context.Background()
	h := &Host{ID: "host-" + id, Name: "h", Hostname: "10.0.0.1", IsLocal: true}
	if err := s.CreateHost(ctx, h); err != nil {
		t.Fatalf("create host: %v", err)
	}
	inst := &Instance{ID: id, HostID: h.ID, Code: "code-" + id, AppPort: 8000}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func steps(names ...string) []StepSeed {
	out := make([]StepSeed, len(names))
	for i, n := range names {
		out[i] = StepSeed{Name: n}
	}
	return out
}

func TestOpenRejectsUnknownType(t *testing.T) {
	if _, err := Open(c.DBConfig{Type: "oracle"}); err == nil {
		t.Fatal("expected error for unknown db type")
	}
	if _, err := Open(c.DBConfig{Type: "sqlite"}); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestGetMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetInstance(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetHost(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetHost err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatch err = %v, want ErrNotFound", err)
	}
	if _, err := s.ListDeployment(ctx, "i", "d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListDeployment err = %v, want ErrNotFound", err)
	}
}

func TestMissingInstances(t *testing.T) {
	s := newTestStore(t)
	seedInstance(t, s, "a")
	seedInstance(t, s, "b")

	missing, err := s.MissingInstances(context.Background(), []string{"a", "x", "b", "y"})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 || missing[0] != "x" || missing[1] != "y" {
		t.Errorf("missing = %v, want [x y]", missing)
	}
}

func TestMarkDeployed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "a")

	if err := s.MarkDeployed(ctx, "a", "v1.2.0"); err != nil {
		t.Fatal(err)
	}
	inst, err := s.GetInstance(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != InstanceRunning || inst.DeployedRef != "v1.2.0" {
		t.Errorf("instance = %s/%s, want running/v1.2.0", inst.Status, inst.DeployedRef)
	}

	if err := s.MarkDeployed(ctx, "zzz", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDeployed missing err = %v", err)
	}
}

func TestCreateDeploymentSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "a")

	d := NewDeployment{
		InstanceID:   "a",
		DeploymentID: "d1",
		Kind:         DeploymentFull,
		Steps:        steps("generate", "transfer", "verify"),
		Secret:       "s3cret",
	}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatal(err)
	}

	d.DeploymentID = "d2"
	if err := s.CreateDeployment(ctx, d); !errors.Is(err, ErrDeployInProgress) {
		t.Fatalf("second create err = %v, want ErrDeployInProgress", err)
	}

	// finish d1
	now := time.Now().UTC()
	for _, step := range []string{"generate", "transfer", "verify"} {
		if err := s.UpdateStep(ctx, "a", "d1", step, StepUpdate{Status: StepSuccess, At: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create after terminal err = %v", err)
	}
}

func TestCreateDeploymentUnknownInstance(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateDeployment(context.Background(), NewDeployment{
		InstanceID:   "ghost",
		DeploymentID: "d1",
		Steps:        steps("generate"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSecretOnFirstStepOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "a")

	err := s.CreateDeployment(ctx, NewDeployment{
		InstanceID:   "a",
		DeploymentID: "d1",
		Steps:        steps("generate", "transfer"),
		Secret:       "pw",
	})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.ListDeployment(ctx, "a", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Secret != "pw" || rows[1].Secret != "" {
		t.Errorf("secrets = %q/%q", rows[0].Secret, rows[1].Secret)
	}

	secret, err := s.TakeSecret(ctx, "a", "d1")
	if err != nil || secret != "pw" {
		t.Fatalf("TakeSecret = %q, %v", secret, err)
	}
	secret, err = s.TakeSecret(ctx, "a", "d1")
	if err != nil || secret != "" {
		t.Fatalf("second TakeSecret = %q, %v, want empty", secret, err)
	}
}

func TestUpdateStepTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "a")
	if err := s.CreateDeployment(ctx, NewDeployment{InstanceID: "a", DeploymentID: "d1", Steps: steps("generate", "transfer", "verify")}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpdateStep(ctx, "a", "d1", "generate", StepUpdate{Status: StepRunning, At: start}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStep(ctx, "a", "d1", "generate", StepUpdate{Status: StepFailed, Message: "boom", Output: "trace", At: start.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	n, err := s.SkipPending(ctx, "a", "d1", "skipped after generate failed", start.Add(2*time.Second))
	if err != nil || n != 2 {
		t.Fatalf("SkipPending = %d, %v", n, err)
	}

	rows, err := s.ListDeployment(ctx, "a", "d1")
	if err != nil {
		t.Fatal(err)
	}
	g := rows[0]
	if g.Step != "generate" || g.Status != StepFailed || g.Message != "boom" || g.Output != "trace" {
		t.Errorf("generate row = %+v", g)
	}
	if g.StartedAt == nil || g.CompletedAt == nil {
		t.Fatalf("generate timestamps missing: %+v", g)
	}
	for _, r := range rows[1:] {
		if r.Status != StepSkipped || r.CompletedAt == nil {
			t.Errorf("row %s = %s, want skipped with completion", r.Step, r.Status)
		}
	}

	if err := s.UpdateStep(ctx, "a", "d1", "nope", StepUpdate{Status: StepRunning}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown step err = %v", err)
	}

	active, err := s.HasActiveDeployment(ctx, "a")
	if err != nil || active {
		t.Errorf("HasActiveDeployment = %v, %v, want false", active, err)
	}
}

func TestLatestDeploymentID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "a")

	if _, err := s.LatestDeploymentID(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	for _, id := range []string{"d1", "d2"} {
		if err := s.CreateDeployment(ctx, NewDeployment{InstanceID: "a", DeploymentID: id, Steps: steps("generate")}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateStep(ctx, "a", id, "generate", StepUpdate{Status: StepSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	id, err := s.LatestDeploymentID(ctx, "a")
	if err != nil || id != "d2" {
		t.Errorf("LatestDeploymentID = %q, %v", id, err)
	}
}

func TestMarkStuckDeployments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "stuck")
	seedInstance(t, s, "fresh")

	for _, id := range []string{"stuck", "fresh"} {
		if err := s.CreateDeployment(ctx, NewDeployment{InstanceID: id, DeploymentID: "d-" + id, Steps: steps("generate", "transfer")}); err != nil {
			t.Fatal(err)
		}
		if err := s.SetInstanceStatus(ctx, id, InstanceDeploying); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().UTC().Add(-3 * time.Hour)
	if err := s.DB.Model(&DeploymentRecord{}).Where("instance_id = ?", "stuck").Update("created_at", old).Error; err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkStuckDeployments(ctx, time.Now().UTC().Add(-time.Hour), "marked stuck")
	if err != nil || n != 1 {
		t.Fatalf("MarkStuckDeployments = %d, %v, want 1", n, err)
	}

	inst, _ := s.GetInstance(ctx, "stuck")
	if inst.Status != InstanceError {
		t.Errorf("stuck instance status = %s", inst.Status)
	}
	inst, _ = s.GetInstance(ctx, "fresh")
	if inst.Status != InstanceDeploying {
		t.Errorf("fresh instance status = %s", inst.Status)
	}

	active, _ := s.HasActiveDeployment(ctx, "stuck")
	if active {
		t.Error("stuck instance still has an active deployment")
	}
}

func TestMarkStuckClosesUnstartedDeployment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "queued")

	err := s.CreateDeployment(ctx, NewDeployment{
		InstanceID:   "queued",
		DeploymentID: "d1",
		Steps:        steps("generate", "transfer", "verify"),
		Secret:       "one-time",
	})
	if err != nil {
		t.Fatal(err)
	}

	// a fresh pending deployment is left alone
	n, err := s.MarkStuckDeployments(ctx, time.Now().UTC().Add(-time.Hour), "marked stuck")
	if err != nil || n != 0 {
		t.Fatalf("MarkStuckDeployments = %d, %v, want 0", n, err)
	}

	n, err = s.MarkStuckDeployments(ctx, time.Now().UTC().Add(time.Hour), "marked stuck")
	if err != nil || n != 1 {
		t.Fatalf("MarkStuckDeployments = %d, %v, want 1", n, err)
	}

	rows, err := s.ListDeployment(ctx, "queued", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Status != StepFailed || rows[0].Message != "marked stuck" {
		t.Errorf("first row = %s %q", rows[0].Status, rows[0].Message)
	}
	for _, r := range rows {
		if !r.Status.Terminal() || r.Secret != "" {
			t.Errorf("%s = %s, secret %q", r.Step, r.Status, r.Secret)
		}
	}
	inst, _ := s.GetInstance(ctx, "queued")
	if inst.Status != InstanceProvisioned {
		t.Errorf("instance status = %s, want unchanged", inst.Status)
	}

	err = s.CreateDeployment(ctx, NewDeployment{InstanceID: "queued", DeploymentID: "d2", Steps: steps("generate")})
	if err != nil {
		t.Fatalf("create after sweep: %v", err)
	}
}

func TestMarkStuckSkipsStartedDeployment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "busy")

	if err := s.CreateDeployment(ctx, NewDeployment{InstanceID: "busy", DeploymentID: "d1", Steps: steps("generate", "transfer")}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateStep(ctx, "busy", "d1", "generate", StepUpdate{Status: StepSuccess, At: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}

	// not deploying and already started: the run owns it
	n, err := s.MarkStuckDeployments(ctx, time.Now().UTC().Add(time.Hour), "marked stuck")
	if err != nil || n != 0 {
		t.Fatalf("MarkStuckDeployments = %d, %v, want 0", n, err)
	}
}

func newBatch(id string, ids ...string) *BatchRecord {
	return &BatchRecord{
		ID:             id,
		InstanceIDs:    ids,
		Strategy:       StrategyRolling,
		Status:         BatchScheduled,
		TotalInstances: len(ids),
	}
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	b := newBatch("b1", "a", "b")
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ClaimBatch(ctx, "b1", now)
	if err != nil || !ok {
		t.Fatalf("ClaimBatch = %v, %v", ok, err)
	}
	ok, err = s.ClaimBatch(ctx, "b1", now)
	if err != nil || ok {
		t.Fatalf("second ClaimBatch = %v, %v, want false", ok, err)
	}

	got, err := s.RecordOutcome(ctx, "b1", "a", true, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != BatchRunning || got.CompletedCount != 1 {
		t.Errorf("after first outcome = %s %d", got.Status, got.CompletedCount)
	}

	got, err = s.RecordOutcome(ctx, "b1", "b", false, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != BatchFailed || got.CompletedAt == nil {
		t.Errorf("terminal status = %s", got.Status)
	}

	stored, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	out := stored.Outcomes()
	if out["a"] != OutcomeCompleted || out["b"] != OutcomeFailed {
		t.Errorf("outcomes = %v", out)
	}
	if stored.CompletedCount+stored.FailedCount != stored.TotalInstances || stored.Status != BatchFailed {
		t.Errorf("stored batch = %+v", stored)
	}
	if len(stored.InstanceIDs) != 2 || stored.InstanceIDs[0] != "a" {
		t.Errorf("instance ids = %v", stored.InstanceIDs)
	}
}

func TestBatchAllSucceed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateBatch(ctx, newBatch("b1", "a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimBatch(ctx, "b1", now); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecordOutcome(ctx, "b1", "a", true, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != BatchCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestFinishBatchOnlyWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateBatch(ctx, newBatch("b1", "a", "b", "c")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.FinishBatch(ctx, "b1", BatchFailed, now)
	if err != nil || ok {
		t.Fatalf("FinishBatch on scheduled = %v, %v", ok, err)
	}
	s.ClaimBatch(ctx, "b1", now)
	ok, err = s.FinishBatch(ctx, "b1", BatchFailed, now)
	if err != nil || !ok {
		t.Fatalf("FinishBatch on running = %v, %v", ok, err)
	}
}

func TestCancelBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateBatch(ctx, newBatch("b1", "a")); err != nil {
		t.Fatal(err)
	}

	if err := s.CancelBatch(ctx, "b1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelBatch(ctx, "b1", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second cancel err = %v, want ErrInvalidState", err)
	}
	if err := s.CancelBatch(ctx, "ghost", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing err = %v, want ErrNotFound", err)
	}

	// outcomes recorded after cancellation keep the cancelled status
	got, err := s.RecordOutcome(ctx, "b1", "a", true, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != BatchCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestPendingBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newBatch("due", "a")
	due.ScheduledAt = &past
	later := newBatch("later", "a")
	later.ScheduledAt = &future
	unscheduled := newBatch("none", "a")

	for _, b := range []*BatchRecord{due, later, unscheduled} {
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.PendingBatches(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "due" {
		t.Errorf("pending = %+v, want [due]", pending)
	}

	list, err := s.ListBatches(ctx, 2, 0)
	if err != nil || len(list) != 2 {
		t.Errorf("ListBatches = %d, %v", len(list), err)
	}
}

func TestSetHostStatus(t *testing.T) {
	s := newTestStore(t)
	seedInstance(t, s, "a")
	ctx := context.Background()
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	if err := s.SetHostStatus(ctx, "host-a", HostConnected, at); err != nil {
		t.Fatal(err)
	}
	h, _ := s.GetHost(ctx, "host-a")
	if h.Status != HostConnected || h.LastConnected == nil || !h.LastConnected.Equal(at) {
		t.Errorf("host = %s %v", h.Status, h.LastConnected)
	}

	// unreachable keeps the last successful contact
	if err := s.SetHostStatus(ctx, "host-a", HostUnreachable, at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	h, _ = s.GetHost(ctx, "host-a")
	if h.Status != HostUnreachable || !h.LastConnected.Equal(at) {
		t.Errorf("host = %s %v", h.Status, h.LastConnected)
	}

	if err := s.SetHostStatus(ctx, "nope", HostConnected, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing host err = %v", err)
	}
}
