package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// maxBodyBytes bounds job request payloads.
const maxBodyBytes = 1 << 20

// ReadyChecker probes one dependency; readyz reports per-dependency status.
type ReadyChecker func(ctx domain.Context) error

// Server exposes the job lifecycle API.
type Server struct {
	Jobs usecase.JobService
	// FilesRoot, when set, serves stored artifacts under /files/.
	FilesRoot string
	Checks    map[string]ReadyChecker
}

// Routes mounts every handler on the router without middleware. BuildRouter
// composes the production stack; tests mount this directly.
func (s Server) Routes(r chi.Router) {
	r.Post("/v1/jobs", s.StartJobHandler())
	r.Post("/v1/jobs/{jobID}/cancel", s.CancelHandler())
	r.Delete("/v1/jobs/{jobID}", s.DeleteHandler())
	s.MountReadOnly(r)
}

// MountReadOnly registers the routes that carry no rate limit: status
// polling, match listing, health probes, metrics and artifact files.
func (s Server) MountReadOnly(r chi.Router) {
	r.Get("/v1/jobs/{jobID}/status", s.StatusHandler())
	r.Get("/v1/jobs/{jobID}/matches", s.MatchesHandler())
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.FilesRoot != "" {
		fs := http.StripPrefix("/files/", http.FileServer(http.Dir(s.FilesRoot)))
		r.Get("/files/*", fs.ServeHTTP)
	}
}

// StartJobHandler handles POST /v1/jobs.
func (s Server) StartJobHandler() http.HandlerFunc {
	return s.handleStartJob
}

// StatusHandler handles GET /v1/jobs/{jobID}/status.
func (s Server) StatusHandler() http.HandlerFunc { return s.handleStatus }

// MatchesHandler handles GET /v1/jobs/{jobID}/matches.
func (s Server) MatchesHandler() http.HandlerFunc { return s.handleMatches }

// CancelHandler handles POST /v1/jobs/{jobID}/cancel.
func (s Server) CancelHandler() http.HandlerFunc { return s.handleCancel }

// DeleteHandler handles DELETE /v1/jobs/{jobID}.
func (s Server) DeleteHandler() http.HandlerFunc { return s.handleDelete }

// HealthzHandler handles GET /healthz.
func (s Server) HealthzHandler() http.HandlerFunc { return s.handleHealthz }

// ReadyzHandler handles GET /readyz.
func (s Server) ReadyzHandler() http.HandlerFunc { return s.handleReadyz }

func (s Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req usecase.StartRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), err.Error())
		return
	}
	job, err := s.Jobs.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     "started",
		"phase":      job.Phase,
		"started_at": job.StartedAt.Format(time.RFC3339),
	})
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Jobs.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type matchResponse struct {
	MatchID     string               `json:"match_id"`
	ProductID   string               `json:"product_id"`
	VideoID     string               `json:"video_id"`
	Score       float64              `json:"score"`
	Evidence    domain.MatchEvidence `json:"evidence"`
	EvidenceURL string               `json:"evidence_url,omitempty"`
}

func (s Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	matches, err := s.Jobs.Matches.ListByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		resp := matchResponse{
			MatchID:   m.ID,
			ProductID: m.ProductID,
			VideoID:   m.VideoID,
			Score:     m.Score,
			Evidence:  m.Evidence,
		}
		if m.EvidencePath != "" && s.Jobs.Blobs != nil {
			resp.EvidenceURL = s.Jobs.Blobs.URL(m.EvidencePath)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "matches": out})
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "user_request"
	}
	job, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"), req.Reason, req.Notes)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	resp := map[string]any{
		"job_id": job.ID,
		"phase":  job.Phase,
		"reason": job.CancellationReason,
	}
	if job.CancelledAt != nil {
		resp["cancelled_at"] = job.CancelledAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	force := r.URL.Query().Get("force") == "true"
	if err := s.Jobs.Delete(r.Context(), jobID, force); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     jobID,
		"status":     "deleted",
		"deleted_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	type depStatus struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	deps := map[string]depStatus{}
	ready := true
	for name, check := range s.Checks {
		if err := check(r.Context()); err != nil {
			deps[name] = depStatus{Status: "down", Error: err.Error()}
			ready = false
			continue
		}
		deps[name] = depStatus{Status: "up"}
	}
	status := http.StatusOK
	overall := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": overall, "dependencies": deps})
}

// NotFound is the router's fallback handler.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, fmt.Errorf("%w: no such route", domain.ErrNotFound), nil)
}

// MethodNotAllowed is the router's fallback for known routes.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: apiError{
		Code:    "METHOD_NOT_ALLOWED",
		Message: "method not allowed",
	}})
}
