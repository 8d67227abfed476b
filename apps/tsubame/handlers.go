package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/andrej220/tsubame/internal/orchestrator"
	"github.com/andrej220/tsubame/internal/serverutil"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
)

type executionReader interface {
	GetExecution(ctx context.Context, id string) (*dm.Execution, error)
	ListExecutions(ctx context.Context, f dm.ExecutionFilter) ([]*dm.Execution, error)
}

type apiHandler struct {
	orch  *orchestrator.Orchestrator
	store executionReader
}

func newRouter(orch *orchestrator.Orchestrator, store executionReader) http.Handler {
	h := &apiHandler{orch: orch, store: store}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/executions", serverutil.NewValidationHandler[dm.RunRequest](http.HandlerFunc(h.createExecution)))
	mux.HandleFunc("GET /api/v1/executions", h.listExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.getExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", h.cancelExecution)
	mux.Handle("POST /api/v1/servers/test", serverutil.NewValidationHandler[dm.ProbeRequest](http.HandlerFunc(h.testServer)))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		serverutil.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	return serverutil.WithRequestLogger(mux)
}

// createExecution runs a job synchronously, or queues it with ?async=true.
// A synchronous run is detached from the request so a dropped client does
// not abort the remote script.
func (h *apiHandler) createExecution(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[dm.RunRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "Internal server error")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		ex, err := h.orch.Submit(r.Context(), req.JobID)
		if err != nil {
			h.writeError(rw, r, err)
			return
		}
		serverutil.WriteJSON(rw, http.StatusAccepted, ex)
		return
	}

	ex, err := h.orch.Run(context.WithoutCancel(r.Context()), req.JobID)
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	serverutil.WriteJSON(rw, http.StatusCreated, ex)
}

func (h *apiHandler) listExecutions(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := dm.ExecutionFilter{Limit: persistence.DefaultListLimit}
	var err error
	if v := q.Get("job_id"); v != "" {
		if f.JobID, err = strconv.ParseInt(v, 10, 64); err != nil || f.JobID <= 0 {
			serverutil.WriteError(rw, http.StatusBadRequest, "job_id must be a positive integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 1 || f.Limit > persistence.MaxListLimit {
			serverutil.WriteError(rw, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(persistence.MaxListLimit))
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			serverutil.WriteError(rw, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}

	list, err := h.store.ListExecutions(r.Context(), f)
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, list)
}

func (h *apiHandler) getExecution(rw http.ResponseWriter, r *http.Request) {
	ex, err := h.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, ex)
}

func (h *apiHandler) cancelExecution(rw http.ResponseWriter, r *http.Request) {
	ex, err := h.orch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, ex)
}

func (h *apiHandler) testServer(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[dm.ProbeRequest](r.Context())
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "Internal server error")
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, h.orch.Probe(r.Context(), req))
}

func (h *apiHandler) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		serverutil.WriteError(rw, http.StatusNotFound, "Job not found")
	case errors.Is(err, orchestrator.ErrTargetNotFound):
		serverutil.WriteError(rw, http.StatusNotFound, "Server not found")
	case errors.Is(err, persistence.ErrNotFound):
		serverutil.WriteError(rw, http.StatusNotFound, "Execution not found")
	default:
		lg.FromContext(r.Context()).Error("request failed", lg.Err(err))
		serverutil.WriteError(rw, http.StatusInternalServerError, "Internal server error")
	}
}
