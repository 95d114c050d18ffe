package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/ingest"
	"github.com/opensource-finance/ringwatch/internal/pipeline"
	"github.com/opensource-finance/ringwatch/internal/repository"
	"github.com/opensource-finance/ringwatch/internal/rules"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	rateLimitKey     = "ratelimit:detect"
	ruleVersion      = "1.0.0"
	readyTimeout     = 2 * time.Second
)

// Deps are the collaborators of the API handlers.
type Deps struct {
	Pipeline       *pipeline.Service
	Repository     domain.Repository
	Cache          domain.Cache
	Bus            domain.EventBus
	Rules          *rules.Engine
	Hub            *EventHub
	Rings          RingReader
	Version        string
	MaxUploadBytes int64
	RateLimit      domain.RateLimitConfig

	// AsyncJobs is set when some worker consumes jobs published on Bus.
	AsyncJobs bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline       *pipeline.Service
	repo           domain.Repository
	cache          domain.Cache
	bus            domain.EventBus
	engine         *rules.Engine
	rings          RingReader
	asyncJobs      bool
	version        string
	maxUploadBytes int64
	rateLimit      int
	started        time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &Handler{
		pipeline:       deps.Pipeline,
		repo:           deps.Repository,
		cache:          deps.Cache,
		bus:            deps.Bus,
		engine:         deps.Rules,
		rings:          deps.Rings,
		asyncJobs:      deps.Bus != nil && deps.AsyncJobs,
		version:        deps.Version,
		maxUploadBytes: maxUpload,
		rateLimit:      deps.RateLimit.DetectionsPerMinute,
		started:        time.Now(),
	}
}

// RingReader reads back the rings a graph export stored for a session.
type RingReader interface {
	SessionRings(ctx context.Context, tenantID, sessionID string) ([]domain.FraudRing, error)
}

// AsyncResponse is returned when a detection is queued.
type AsyncResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Detect handles POST /detect. The CSV arrives as a multipart "file" field
// or as a raw text/csv body.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowDetection(r) {
		writeError(w, http.StatusTooManyRequests, "detection rate limit exceeded")
		return
	}

	async := false
	if v := r.URL.Query().Get("async"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "async must be true or false")
			return
		}
		async = parsed
	}
	if async && !h.asyncJobs {
		writeError(w, http.StatusServiceUnavailable, "async detection is not available")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	body, closeBody, err := csvBody(r)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	txs, err := ingest.Parse(body)
	closeBody()
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	sessionID := pipeline.NewSessionID()

	if async {
		h.detectAsync(w, r, tenantID, sessionID, txs)
		return
	}

	result, err := h.pipeline.Run(ctx, tenantID, sessionID, txs)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransaction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("detection failed", "tenant_id", tenantID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "an error occurred during detection processing")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) detectAsync(w http.ResponseWriter, r *http.Request, tenantID, sessionID string, txs []domain.Transaction) {
	ctx := r.Context()

	if err := h.pipeline.Submit(ctx, tenantID, sessionID, txs); err != nil {
		slog.Error("failed to queue detection", "tenant_id", tenantID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue detection")
		return
	}

	payload, _ := json.Marshal(domain.DetectionJob{SessionID: sessionID, TenantID: tenantID})
	if err := h.bus.Publish(ctx, domain.JobPartition, domain.TopicDetectionRequested, payload); err != nil {
		slog.Error("failed to publish detection job", "tenant_id", tenantID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue detection")
		return
	}

	slog.Info("detection queued", "tenant_id", tenantID, "session_id", sessionID, "transactions", len(txs))
	writeJSON(w, http.StatusAccepted, AsyncResponse{SessionID: sessionID, Status: domain.StatusPending})
}

var errNoFile = errors.New("no file uploaded, please upload a CSV file")

// csvBody returns the uploaded CSV and a func releasing it.
func csvBody(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "multipart/form-data":
		file, _, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, nil, err
			}
			return nil, nil, errNoFile
		}
		return file, func() {
			file.Close()
			if r.MultipartForm != nil {
				r.MultipartForm.RemoveAll()
			}
		}, nil
	case mediaType == "text/csv", mediaType == "text/plain", mediaType == "application/csv":
		return r.Body, func() {}, nil
	}
	return nil, nil, errNoFile
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// allowDetection applies the per-tenant detection rate limit. Cache
// failures let the request through.
func (h *Handler) allowDetection(r *http.Request) bool {
	if h.rateLimit <= 0 || h.cache == nil {
		return true
	}
	tenantID := GetTenantID(r.Context())
	count, err := h.cache.IncrementCounter(r.Context(), tenantID, rateLimitKey, time.Minute)
	if err != nil {
		slog.Warn("rate limit counter failed", "tenant_id", tenantID, "error", err)
		return true
	}
	return count <= int64(h.rateLimit)
}

// ListResults handles GET /results.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := h.repo.ListDetections(r.Context(), GetTenantID(r.Context()), limit)
	if err != nil {
		slog.Error("failed to list detections", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": sessions,
		"count":   len(sessions),
	})
}

// loadResult fetches the {id} session and writes the error response when it
// cannot.
func (h *Handler) loadResult(w http.ResponseWriter, r *http.Request) (*domain.DetectionResult, bool) {
	id := chi.URLParam(r, "id")
	result, err := h.pipeline.Result(r.Context(), GetTenantID(r.Context()), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "detection result not found")
			return nil, false
		}
		slog.Error("failed to get detection", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get result")
		return nil, false
	}
	return result, true
}

func completed(w http.ResponseWriter, result *domain.DetectionResult) bool {
	if result.Status == domain.StatusCompleted {
		return true
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"error":  "detection is not complete",
		"status": result.Status,
	})
	return false
}

// GetResult handles GET /results/{id}.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.loadResult(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DownloadResult handles GET /results/{id}/download.
func (h *Handler) DownloadResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.loadResult(w, r)
	if !ok || !completed(w, result) {
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="ringwatch-result-`+result.SessionID+`.json"`)
	writeJSON(w, http.StatusOK, result.Report())
}

// GetGraph handles GET /results/{id}/graph.
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	result, ok := h.loadResult(w, r)
	if !ok || !completed(w, result) {
		return
	}
	if result.GraphData == nil {
		writeError(w, http.StatusNotFound, "graph data not available")
		return
	}
	writeJSON(w, http.StatusOK, result.GraphData)
}

// GetExportedRings handles GET /results/{id}/rings. It answers from the
// graph database, so it shows what the export actually wrote.
func (h *Handler) GetExportedRings(w http.ResponseWriter, r *http.Request) {
	if h.rings == nil {
		writeError(w, http.StatusNotFound, "graph export is not enabled")
		return
	}
	result, ok := h.loadResult(w, r)
	if !ok || !completed(w, result) {
		return
	}
	rings, err := h.rings.SessionRings(r.Context(), GetTenantID(r.Context()), result.SessionID)
	if err != nil {
		slog.Error("failed to read exported rings", "session_id", result.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to read graph database")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.SessionID,
		"rings":      rings,
		"count":      len(rings),
	})
}

// GetAnalysis handles GET /results/{id}/analysis.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	result, ok := h.loadResult(w, r)
	if !ok || !completed(w, result) {
		return
	}
	accounts := result.Analysis
	if accounts == nil {
		accounts = []domain.AccountAnalysis{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.SessionID,
		"accounts":   accounts,
		"count":      len(accounts),
	})
}

// Rerun handles POST /results/{id}/rerun.
func (h *Handler) Rerun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.pipeline.Rerun(r.Context(), GetTenantID(r.Context()), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stored transactions for session")
			return
		}
		slog.Error("rerun failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "rerun failed")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready pings every backing store concurrently and answers 503 when one of
// them is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]interface{ Ping(context.Context) error }{}
	if h.repo != nil {
		checks["repository"] = h.repo
	}
	if h.cache != nil {
		checks["cache"] = h.cache
	}
	if h.bus != nil {
		checks["bus"] = h.bus
	}

	var (
		mu     sync.Mutex
		failed = map[string]string{}
		g      errgroup.Group
	)
	for name, c := range checks {
		g.Go(func() error {
			if err := c.Ping(ctx); err != nil {
				mu.Lock()
				failed[name] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		slog.Warn("readiness check failed", "components", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// Workers asks any live worker for its counters over the bus.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	reply, err := h.bus.Request(ctx, domain.JobPartition, domain.TopicWorkerStatus, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no worker responded")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// ListRules returns the suppression rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a stored suppression rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	rule, err := h.repo.GetSuppressionRule(r.Context(), domain.GlobalTenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a suppression rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Reduction   float64 `json:"reduction"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// CreateRule validates a suppression rule and stores it globally. It takes
// effect after POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" || strings.TrimSpace(req.Expression) == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &domain.SuppressionRule{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     ruleVersion,
		Expression:  req.Expression,
		Reduction:   req.Reduction,
		Enabled:     enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveSuppressionRule(r.Context(), domain.GlobalTenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("suppression rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule disables a stored rule. It stays loaded until the next reload.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if err := h.repo.DeleteSuppressionRule(r.Context(), domain.GlobalTenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	slog.Info("suppression rule deleted", "id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules reloads the stored rules into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.repo.ListSuppressionRules(r.Context(), domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(stored))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
