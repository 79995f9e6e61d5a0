package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	gwerrors "github.com/relaypoint/rulegate/internal/errors"
	"github.com/relaypoint/rulegate/internal/metrics"
	"github.com/relaypoint/rulegate/internal/rules"
)

const maxBodyBytes = 1 << 20

// RuleStore is the subset of rules.Store the admin surface drives.
type RuleStore interface {
	Get() *rules.Snapshot
	Add(ctx context.Context, r rules.Rule) (rules.Rule, error)
	Update(ctx context.Context, id string, patch rules.Patch) (rules.Rule, error)
	Delete(ctx context.Context, id string) (bool, error)
	Replace(ctx context.Context, snap *rules.Snapshot) (*rules.Snapshot, error)
}

// MetricsSource provides the per-route hit snapshot.
type MetricsSource interface {
	Snapshot() []metrics.RouteHits
}

// Handler serves rule CRUD, metrics, summary and health under a prefix.
type Handler struct {
	store   RuleStore
	metrics MetricsSource
	prefix  string
	logger  *zap.Logger
}

func New(store RuleStore, m MetricsSource, prefix string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return &Handler{store: store, metrics: m, prefix: prefix, logger: logger}
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r *httprouter.Router) {
	r.GET(h.prefix+"/routes", h.listRoutes)
	r.POST(h.prefix+"/routes", h.createRoute)
	r.PUT(h.prefix+"/routes", h.replaceRoutes)
	r.PUT(h.prefix+"/routes/:id", h.updateRoute)
	r.DELETE(h.prefix+"/routes/:id", h.deleteRoute)
	r.GET(h.prefix+"/metrics", h.getMetrics)
	r.GET(h.prefix+"/summary", h.getSummary)
	r.GET(h.prefix+"/health", h.getHealth)
}

// NewRouter returns an httprouter with the admin routes mounted and every
// other request handed to fallback. Path cleanup and redirects are off so
// proxied paths reach fallback untouched.
func NewRouter(h *Handler, fallback http.Handler) *httprouter.Router {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false
	r.HandleOPTIONS = false
	r.NotFound = fallback
	if h != nil {
		h.Register(r)
	}
	return r
}

func (h *Handler) listRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.store.Get())
}

func (h *Handler) createRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var rule rules.Rule
	if !decode(w, r, &rule) {
		return
	}
	if strings.TrimSpace(rule.Path) == "" || strings.TrimSpace(rule.Target) == "" {
		gwerrors.BadRequest("path and target are required").WriteJSON(w)
		return
	}

	created, err := h.store.Add(r.Context(), rule)
	if err != nil {
		h.writeStoreError(w, "create", err)
		return
	}
	h.logger.Info("route created", zap.String("route", created.ID), zap.String("path", created.Path))
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) updateRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var patch rules.Patch
	if !decode(w, r, &patch) {
		return
	}

	id := ps.ByName("id")
	updated, err := h.store.Update(r.Context(), id, patch)
	if err != nil {
		h.writeStoreError(w, "update", err)
		return
	}
	h.logger.Info("route updated", zap.String("route", id))
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	removed, err := h.store.Delete(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "delete", err)
		return
	}
	if !removed {
		gwerrors.NotFound("route " + id).WriteJSON(w)
		return
	}
	h.logger.Info("route deleted", zap.String("route", id))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) replaceRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var snap rules.Snapshot
	if !decode(w, r, &snap) {
		return
	}

	stored, err := h.store.Replace(r.Context(), &snap)
	if err != nil {
		h.writeStoreError(w, "replace", err)
		return
	}
	h.logger.Info("routes replaced", zap.String("version", stored.Version), zap.Int("routes", len(stored.Routes)))
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.store.Get().Summarize())
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.store.Get().Version,
	})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rules.ErrNotFound):
		gwerrors.NotFound(err.Error()).WriteJSON(w)
	case errors.Is(err, rules.ErrDuplicateID):
		gwerrors.Wrap(err, http.StatusConflict, "Conflict").WriteJSON(w)
	case errors.Is(err, rules.ErrInvalidRule):
		gwerrors.BadRequest(err.Error()).WriteJSON(w)
	case rules.IsPersistence(err):
		h.logger.Error("admin mutation not persisted", zap.String("op", op), zap.Error(err))
		gwerrors.Persistence(err).WriteJSON(w)
	default:
		h.logger.Error("admin mutation failed", zap.String("op", op), zap.Error(err))
		gwerrors.Wrap(err, http.StatusInternalServerError, "Internal Server Error").WriteJSON(w)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		gwerrors.BadRequest("invalid JSON body: " + err.Error()).WriteJSON(w)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
