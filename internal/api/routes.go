// Package api serves the device agent's local admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/connectivity"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/syncer"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Engine is the part of syncer.Engine the API drives.
type Engine interface {
	Submit(ctx context.Context, op model.Operation) (model.QueueEntry, error)
	Drain(ctx context.Context) (model.SyncResult, error)
	Conflicts() []model.SyncConflict
	Resolve(ctx context.Context, ids []string, choices []model.ResolutionChoice) ([]model.ResolveOutcome, error)
	Status() syncer.Status
	Monitor() *connectivity.Monitor
}

type Handler struct {
	engine Engine
	tenant string // used when a submitted operation names none
	log    *zap.Logger
}

func NewHandler(engine Engine, defaultTenant string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, tenant: defaultTenant, log: log}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.HealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/operations", h.SubmitOperation)
		r.Post("/sync", h.TriggerSync)
		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/resolve", h.ResolveConflicts)
		r.Put("/connectivity", h.SetConnectivity)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var op model.Operation
	if err := decode(w, r, &op); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if op.TenantID == "" {
		op.TenantID = h.tenant
	}
	entry, err := h.engine.Submit(r.Context(), op)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, entry)
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.log.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Drain(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, errs.ErrDrainInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, errs.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.Error("drain failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	cs := h.engine.Conflicts()
	if cs == nil {
		cs = []model.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, cs)
}

type resolveRequest struct {
	OperationIDs []string                 `json:"operation_ids"`
	Choices      []model.ResolutionChoice `json:"choices"`
}

type resolveOutcome struct {
	model.ResolveOutcome
	Error string `json:"error,omitempty"`
}

func (h *Handler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.engine.Resolve(r.Context(), req.OperationIDs, req.Choices)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case out == nil:
		h.log.Error("resolve failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	default:
		h.log.Warn("resolved but inbox not updated", zap.Error(err))
	}

	resp := make([]resolveOutcome, len(out))
	for i, o := range out {
		resp[i] = resolveOutcome{ResolveOutcome: o}
		if o.Err != nil {
			resp[i].Error = o.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New("online is required"))
		return
	}
	m := h.engine.Monitor()
	m.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": m.IsOnline()})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
