package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/queue"
	"github.com/pvik/fleetd/pkg/db"
)

const testSecret = "ops-test-secret"

type recordingQueue struct {
	mu    sync.Mutex
	names []string
	args  []map[string]string
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, args map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.names = append(q.names, name)
	q.args = append(q.args, args)
	return nil
}

func testEngine(t *testing.T) *engine {
	t.Helper()
	conf := c.Default()
	conf.DBConfig = c.DBConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "fleetd.db")}
	conf.Ops.JWTSecret = testSecret
	c.AppConf = conf

	e, err := newEngine(conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)

	ctx := context.Background()
	if err := e.Store.CreateHost(ctx, &db.Host{ID: "local", Name: "local", Hostname: "localhost", IsLocal: true}); err != nil {
		t.Fatal(err)
	}
	for _, i := range []db.Instance{
		{ID: "i1", HostID: "local", Code: "acme", AppPort: 8001},
		{ID: "i2", HostID: "local", Code: "globex", AppPort: 8002},
	} {
		inst := i
		if err := e.Store.CreateInstance(ctx, &inst); err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func token(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": exp.Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func call(t *testing.T, h http.Handler, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	e := testEngine(t)
	h := routes(e, &recordingQueue{})
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		tok  string
		code int
	}{
		{name: "health is open", code: http.StatusOK},
		{name: "no token", code: http.StatusUnauthorized},
		{name: "wrong secret", tok: token(t, "other", future), code: http.StatusUnauthorized},
		{name: "expired", tok: token(t, testSecret, time.Now().Add(-time.Hour)), code: http.StatusUnauthorized},
		{name: "valid", tok: token(t, testSecret, future), code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/fleetd/v1/circuits"
			if tt.name == "health is open" {
				path = "/fleetd/v1/health"
			}
			if rec := call(t, h, http.MethodGet, path, tt.tok, nil); rec.Code != tt.code {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.code, rec.Body)
			}
		})
	}
}

func TestEmptySecretRejects(t *testing.T) {
	if ok, _ := jwtAuth("", token(t, "anything", time.Now().Add(time.Hour))); ok {
		t.Fatal("token accepted without a configured secret")
	}
}

func TestCreateDeploymentQueues(t *testing.T) {
	e := testEngine(t)
	q := &recordingQueue{}
	h := routes(e, q)
	tok := token(t, testSecret, time.Now().Add(time.Hour))

	rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "i1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var got map[string]string
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(q.names) != 1 || q.names[0] != queue.TaskDeployInstance || q.args[0]["deployment-id"] != got["deployment-id"] {
		t.Fatalf("queued %v %v", q.names, q.args)
	}

	rec = call(t, h, http.MethodGet, "/fleetd/v1/deployments/i1/"+got["deployment-id"], tok, nil)
	var rows []db.DeploymentRecord
	json.Unmarshal(rec.Body.Bytes(), &rows)
	if rec.Code != http.StatusOK || len(rows) != len(e.Pipeline.StepNames(db.DeploymentFull)) {
		t.Errorf("steps code = %d, rows = %d", rec.Code, len(rows))
	}

	if rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "i1"}); rec.Code != http.StatusConflict {
		t.Errorf("second deploy code = %d", rec.Code)
	}
	if rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "nope"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown instance code = %d", rec.Code)
	}
	if rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "i2", "kind": "partial"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind code = %d", rec.Code)
	}
}

func TestEnqueueFailureClosesDeployment(t *testing.T) {
	e := testEngine(t)
	q := &recordingQueue{err: queue.ErrClosed}
	h := routes(e, q)
	tok := token(t, testSecret, time.Now().Add(time.Hour))

	rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "i1", "secret": "pw"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}

	id, err := e.Store.LatestDeploymentID(context.Background(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := e.Store.ListDeployment(context.Background(), "i1", id)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if !r.Status.Terminal() || r.Secret != "" {
			t.Errorf("%s = %s, secret kept %v", r.Step, r.Status, r.Secret != "")
		}
	}

	q.err = nil
	if rec := call(t, h, http.MethodPost, "/fleetd/v1/deployments", tok, map[string]string{"instance-id": "i1"}); rec.Code != http.StatusAccepted {
		t.Errorf("deploy after closed queue code = %d: %s", rec.Code, rec.Body)
	}
}

func TestTaskArgsRequired(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	err := deployTask(e)(ctx, queue.Task{ID: 7, Name: queue.TaskDeployInstance, Args: map[string]string{"instance-id": "i1"}})
	if err == nil || err.Error() != "task 7: instance-id and deployment-id are required" {
		t.Errorf("deploy task err = %v", err)
	}
	err = batchTask(e)(ctx, queue.Task{ID: 8, Name: queue.TaskRunBatch})
	if err == nil || err.Error() != "task 8: batch-id is required" {
		t.Errorf("batch task err = %v", err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	e := testEngine(t)
	q := &recordingQueue{}
	h := routes(e, q)
	tok := token(t, testSecret, time.Now().Add(time.Hour))

	later := time.Now().Add(time.Hour).UTC()
	rec := call(t, h, http.MethodPost, "/fleetd/v1/batches", tok, map[string]interface{}{
		"instance-ids": []string{"i1", "i2"},
		"strategy":     "canary",
		"scheduled-at": later,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var b db.BatchRecord
	json.Unmarshal(rec.Body.Bytes(), &b)
	if b.CreatedBy != "ops" || b.TotalInstances != 2 {
		t.Errorf("batch = %+v", b)
	}
	if len(q.names) != 0 {
		t.Errorf("future batch queued: %v", q.names)
	}

	rec = call(t, h, http.MethodPost, "/fleetd/v1/batches", tok, map[string]interface{}{
		"instance-ids": []string{"i1"},
		"strategy":     "rolling",
	})
	if rec.Code != http.StatusCreated || len(q.names) != 1 || q.names[0] != queue.TaskRunBatch {
		t.Errorf("due batch code = %d, queued %v", rec.Code, q.names)
	}

	if rec := call(t, h, http.MethodPost, "/fleetd/v1/batches", tok, map[string]interface{}{
		"instance-ids": []string{"i1"},
		"strategy":     "yolo",
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad strategy code = %d", rec.Code)
	}

	if rec := call(t, h, http.MethodPost, "/fleetd/v1/batches/"+b.ID+"/cancel", tok, nil); rec.Code != http.StatusOK {
		t.Errorf("cancel code = %d: %s", rec.Code, rec.Body)
	}
	if rec := call(t, h, http.MethodPost, "/fleetd/v1/batches/"+b.ID+"/cancel", tok, nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel code = %d", rec.Code)
	}
	if rec := call(t, h, http.MethodGet, "/fleetd/v1/batches/missing", tok, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing batch code = %d", rec.Code)
	}

	rec = call(t, h, http.MethodGet, "/fleetd/v1/batches?limit=1", tok, nil)
	var list []db.BatchRecord
	json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list code = %d, len = %d", rec.Code, len(list))
	}
}

func TestCheckLocalHost(t *testing.T) {
	e := testEngine(t)
	h := routes(e, &recordingQueue{})
	tok := token(t, testSecret, time.Now().Add(time.Hour))

	rec := call(t, h, http.MethodPost, "/fleetd/v1/hosts/local/probe", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	host, err := e.Store.GetHost(context.Background(), "local")
	if err != nil {
		t.Fatal(err)
	}
	if host.Status != db.HostConnected || host.LastConnected == nil {
		t.Errorf("host = %+v", host)
	}

	if rec := call(t, h, http.MethodPost, "/fleetd/v1/hosts/ghost/probe", tok, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown host code = %d", rec.Code)
	}
}
