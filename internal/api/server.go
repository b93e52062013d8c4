// Package api exposes the HTTP interface for the frontier service: seeders
// submit candidates, fetch workers lease and complete jobs, and extractors
// hand FeatureSets to triage.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/extract"
	"github.com/JakeFAU/oddfrontier/internal/frontier"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
	"github.com/JakeFAU/oddfrontier/internal/triage"
)

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the frontier and the triage router.
type Server struct {
	router    chi.Router
	frontier  *frontier.Frontier
	triage    *triage.Router
	extractor *extract.Extractor
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	f *frontier.Frontier,
	router *triage.Router,
	extractor *extract.Extractor,
	clock crawler.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		frontier:  f,
		triage:    router,
		extractor: extractor,
		clock:     clock,
		logger:    logger,
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/candidates", s.submitCandidate)
		r.Post("/leases", s.lease)
		r.Route("/leases/{lease_id}", func(r chi.Router) {
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/complete", s.complete)
		})
		r.Post("/triage", s.runTriage)
		r.Post("/pages", s.ingestPage)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitCandidate admits one candidate URL. Dedup and blocklist rejections
// are expected outcomes, not server faults, and come back as 4xx with a
// machine-readable reason.
func (s *Server) submitCandidate(w http.ResponseWriter, r *http.Request) {
	var cand frontier.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.frontier.Admit(r.Context(), cand)
	switch {
	case errors.Is(err, crawler.ErrMalformedURL):
		writeRejection(w, http.StatusUnprocessableEntity, "malformed_url", err)
	case errors.Is(err, crawler.ErrHostBlocked):
		writeRejection(w, http.StatusForbidden, "host_blocked", err)
	case errors.Is(err, crawler.ErrAlreadySeen):
		writeRejection(w, http.StatusConflict, "already_seen", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
	}
}

type leaseRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) lease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing worker_id")
		return
	}
	job, err := s.frontier.Lease(r.Context(), req.WorkerID, s.clock.Now())
	if errors.Is(err, crawler.ErrNoEligibleJob) {
		writeRejection(w, http.StatusNotFound, "no_eligible_job", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "lease_id")
	err := s.frontier.Heartbeat(r.Context(), leaseID, s.clock.Now())
	if errors.Is(err, crawler.ErrUnknownLease) {
		writeRejection(w, http.StatusNotFound, "unknown_lease", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lease_id": leaseID})
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "lease_id")
	var outcome crawler.FetchOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	err := s.frontier.Complete(r.Context(), leaseID, outcome, s.clock.Now())
	if errors.Is(err, crawler.ErrUnknownLease) {
		writeRejection(w, http.StatusNotFound, "unknown_lease", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lease_id": leaseID})
}

type triageRequest struct {
	Job      crawler.CrawlJob    `json:"job"`
	Features *crawler.FeatureSet `json:"features"`
}

func (s *Server) runTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Features == nil {
		writeError(w, http.StatusBadRequest, "missing features")
		return
	}
	decision, err := s.triage.Triage(r.Context(), req.Job, req.Features)
	if err != nil {
		// The decision stands even when a downstream publish failed;
		// return both so the caller can retry the publish alone.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"decision": decision,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
}

type pageRequest struct {
	Job  crawler.CrawlJob `json:"job"`
	HTML string           `json:"html"`
}

// ingestPage runs the full page path for a worker that fetched raw HTML:
// extract features, triage them, and offer every outbound link back to the
// frontier as a depth+1 candidate. Link rejections (seen, blocked,
// malformed) are expected and only counted.
func (s *Server) ingestPage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HTML == "" {
		writeError(w, http.StatusBadRequest, "missing html")
		return
	}
	if req.Job.URLCanonical == "" {
		writeError(w, http.StatusBadRequest, "missing job.url_canonical")
		return
	}

	result, err := s.extractor.Extract(req.Job.URLCanonical, []byte(req.HTML), s.clock.Now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	admitted := 0
	for _, link := range result.Links {
		_, aerr := s.frontier.Admit(r.Context(), frontier.Candidate{
			RawURL:         link.URL,
			NeighborhoodID: req.Job.NeighborhoodID,
			Depth:          req.Job.Depth + 1,
			DiscoveredFrom: req.Job.URLCanonical,
		})
		if aerr == nil {
			admitted++
		}
	}

	decision, err := s.triage.Triage(r.Context(), req.Job, result.Features)
	body := map[string]any{
		"decision":         decision,
		"links_discovered": len(result.Links),
		"links_admitted":   admitted,
	}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.frontier.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRejection(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, map[string]string{"reason": reason, "error": err.Error()})
}
