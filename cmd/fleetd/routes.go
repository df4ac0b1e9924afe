package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pvik/fleetd/internal/batch"
	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/deploy"
	"github.com/pvik/fleetd/internal/queue"
	"github.com/pvik/fleetd/pkg/db"
	"github.com/pvik/fleetd/pkg/httphelper"

	log "github.com/sirupsen/logrus"
)

type webContextKey string

const claimsContextKey webContextKey = "jwtClaims"

// enqueuer is the part of the task queue the API hands work to
type enqueuer interface {
	Enqueue(ctx context.Context, name string, args map[string]string) error
}

type opsAPI struct {
	e   *engine
	q   enqueuer
	now func() time.Time
}

func routes(e *engine, q enqueuer) *chi.Mux {
	api := &opsAPI{e: e, q: q, now: func() time.Time { return time.Now().UTC() }}
	r := chi.NewRouter()

	// define middleware stack
	r.Use(middleware.Logger)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Set a timeout value on the request context (ctx), that will signal
	// through ctx.Done() that the request has timed out and further
	// processing should be stopped.
	timeout := c.AppConf.Ops.HTTPTimeoutSec - 1
	if timeout < 1 {
		timeout = 1
	}
	r.Use(middleware.Timeout(time.Duration(timeout) * time.Second))

	r.Get("/fleetd/v1/health", api.health)

	r.Route("/fleetd/v1", func(r1 chi.Router) {
		r1.Use(authApiHandler(c.AppConf.Ops.JWTSecret))

		r1.Get("/circuits", api.circuits)
		r1.Post("/deployments", api.createDeployment)
		r1.Get("/deployments/{instanceID}/{deploymentID}", api.getDeployment)
		r1.Post("/batches", api.createBatch)
		r1.Get("/batches", api.listBatches)
		r1.Get("/batches/{batchID}", api.getBatch)
		r1.Post("/batches/{batchID}/cancel", api.cancelBatch)
		r1.Post("/hosts/{hostID}/probe", api.probeHost)
	})

	return r
}

func authApiHandler(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			if tokenString, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				auth, claims := jwtAuth(secret, tokenString)
				if auth {
					ctx := context.WithValue(r.Context(), claimsContextKey, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			httphelper.RespondWithError(w, http.StatusUnauthorized,
				"Unauthorized", "Invalid API Key")
		}
		return http.HandlerFunc(fn)
	}
}

// respondErr maps engine errors onto status codes
func respondErr(w http.ResponseWriter, err error) {
	var conflict *deploy.ConflictError
	switch {
	case errors.Is(err, db.ErrNotFound):
		httphelper.RespondWithError(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &conflict), errors.Is(err, batch.ErrNotCancellable):
		httphelper.RespondWithError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, batch.ErrInvalidBatch):
		httphelper.RespondWithError(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, queue.ErrClosed):
		httphelper.RespondWithError(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	default:
		log.WithField("error", err).Error("ops api request failed")
		httphelper.RespondWithError(w, http.StatusInternalServerError, "Internal Error", err.Error())
	}
}

func (api *opsAPI) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if sqlDB, err := api.e.Store.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = "db unavailable"
		code = http.StatusServiceUnavailable
	}
	httphelper.RespondwithJSON(w, code, map[string]string{"status": status})
}

func (api *opsAPI) circuits(w http.ResponseWriter, r *http.Request) {
	httphelper.RespondwithJSON(w, http.StatusOK, api.e.Manager.Snapshot())
}

type deploymentRequest struct {
	InstanceID string            `json:"instance-id"`
	Kind       db.DeploymentKind `json:"kind"`
	GitRef     string            `json:"git-ref"`
	Secret     string            `json:"secret"`
}

// createDeployment records the deployment and queues it for a worker
func (api *opsAPI) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := httphelper.DecodeJSON(r, &req); err != nil {
		httphelper.RespondWithError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if req.InstanceID == "" {
		httphelper.RespondWithError(w, http.StatusBadRequest, "Bad Request", "instance-id is required")
		return
	}
	if req.Kind != "" && req.Kind != db.DeploymentFull && req.Kind != db.DeploymentReconfigure {
		httphelper.RespondWithError(w, http.StatusBadRequest, "Bad Request", "kind must be full or reconfigure")
		return
	}

	deploymentID, err := api.e.Pipeline.Create(r.Context(), deploy.Request{
		InstanceID: req.InstanceID,
		Kind:       req.Kind,
		GitRef:     req.GitRef,
		Secret:     req.Secret,
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	err = api.q.Enqueue(r.Context(), queue.TaskDeployInstance, map[string]string{
		"instance-id":   req.InstanceID,
		"deployment-id": deploymentID,
	})
	if err != nil {
		api.e.Pipeline.Discard(r.Context(), req.InstanceID, deploymentID, err)
		respondErr(w, err)
		return
	}

	httphelper.RespondwithJSON(w, http.StatusAccepted, map[string]string{
		"instance-id":   req.InstanceID,
		"deployment-id": deploymentID,
	})
}

func (api *opsAPI) getDeployment(w http.ResponseWriter, r *http.Request) {
	rows, err := api.e.Store.ListDeployment(r.Context(),
		chi.URLParam(r, "instanceID"), chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	httphelper.RespondwithJSON(w, http.StatusOK, rows)
}

type batchRequest struct {
	InstanceIDs []string         `json:"instance-ids"`
	Strategy    db.BatchStrategy `json:"strategy"`
	ScheduledAt *time.Time       `json:"scheduled-at"`
	Notes       string           `json:"notes"`
}

// createBatch records the batch. Batches already due are queued at once,
// later ones wait for the pending scan.
func (api *opsAPI) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httphelper.DecodeJSON(r, &req); err != nil {
		httphelper.RespondWithError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	claims, _ := r.Context().Value(claimsContextKey).(jwt.MapClaims)
	b, err := api.e.Orchestrator.CreateBatch(r.Context(), req.InstanceIDs, req.Strategy, batch.Options{
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   subject(claims),
		Notes:       req.Notes,
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	if !b.ScheduledAt.After(api.now()) {
		if err := api.q.Enqueue(r.Context(), queue.TaskRunBatch, map[string]string{"batch-id": b.ID}); err != nil {
			log.WithFields(log.Fields{
				"batch": b.ID,
				"error": err,
			}).Warn("unable to queue batch, leaving it to the pending scan")
		}
	}

	httphelper.RespondwithJSON(w, http.StatusCreated, b)
}

func (api *opsAPI) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	batches, err := api.e.Orchestrator.ListBatches(r.Context(), limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	httphelper.RespondwithJSON(w, http.StatusOK, batches)
}

func (api *opsAPI) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := api.e.Orchestrator.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	httphelper.RespondwithJSON(w, http.StatusOK, b)
}

func (api *opsAPI) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if err := api.e.Orchestrator.CancelBatch(r.Context(), batchID); err != nil {
		respondErr(w, err)
		return
	}
	b, err := api.e.Orchestrator.GetBatch(r.Context(), batchID)
	if err != nil {
		respondErr(w, err)
		return
	}
	httphelper.RespondwithJSON(w, http.StatusOK, b)
}

func (api *opsAPI) probeHost(w http.ResponseWriter, r *http.Request) {
	rep, err := probeAndRecord(r.Context(), api.e, chi.URLParam(r, "hostID"), api.now())
	if err != nil {
		respondErr(w, err)
		return
	}
	httphelper.RespondwithJSON(w, http.StatusOK, rep)
}
