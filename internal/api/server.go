package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"horus-server/internal/config"
	"horus-server/internal/deploy"
	"horus-server/internal/jobs"
	"horus-server/internal/juggler"
	"horus-server/internal/models"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

const (
	maxImageBytes          = 25 * 1024 * 1024
	defaultMaxPackageBytes = 512 * 1024 * 1024
)

// Limiter decides whether a principal may make another request.
type Limiter interface {
	Allow(ctx context.Context, principal string) (bool, float64, error)
}

// Enqueuer is the enqueue gateway as seen by the HTTP layer.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, owner int64, job juggler.Named, priority models.JobPriority) (models.Job, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	jobs    store.JobStore
	deploy  *deploy.Service
	enqueue Enqueuer
	limiter Limiter
	storage BreakerState
	log     logrus.FieldLogger
}

// BreakerState reports the object storage circuit breaker.
type BreakerState interface {
	State() gobreaker.State
}

type Option func(*Server)

// WithStorageHealth makes /healthz report 503 while the storage breaker is open.
func WithStorageHealth(b BreakerState) Option {
	return func(s *Server) { s.storage = b }
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, js store.JobStore, svc *deploy.Service, enq Enqueuer, limiter Limiter, log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		jobs:    js,
		deploy:  svc,
		enqueue: enq,
		limiter: limiter,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/key/{apikey}/validity-check", s.handleValidityCheck)
	r.Get("/dist/version/{platform}", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/key/deployment", s.handleIssueDeploymentKey)

		r.Get("/dist/latest/{platform}", s.handleLatest)
		r.Post("/dist/deploy/{platform}", s.handleDeploy)
		r.Post("/dist/publish/{platform}/{version}", s.handlePublish)
		r.Post("/dist/unpublish/{platform}/{version}", s.handleUnpublish)

		r.Get("/jobs/poll/{id}", s.handlePoll)
		r.Get("/jobs/{id}/logs", s.handleLogs)
		r.Post("/jobs/thumbnail/{imageID}", s.handleThumbnail)
	})
	return r
}

func (s *Server) handleValidityCheck(w http.ResponseWriter, r *http.Request) {
	lk, err := s.deploy.CheckLicenseKey(r.Context(), chi.URLParam(r, "apikey"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lk)
}

func (s *Server) handleIssueDeploymentKey(w http.ResponseWriter, r *http.Request) {
	lic := principal(r.Context())
	secret, key, err := s.deploy.IssueDeploymentKey(r.Context(), lic.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deployment_key": secret, "license_key": key.LicenseKey})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.deploy.LatestVersion(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v.VersionString)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	url, err := s.deploy.LatestDownloadURL(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DeployMaxPackageBytes
	if limit <= 0 {
		limit = defaultMaxPackageBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, deploy.ErrPackageTooLarge)
			return
		}
		http.Error(w, "could not read package", http.StatusBadRequest)
		return
	}

	job, err := s.deploy.Deploy(r.Context(), deploy.DeployRequest{
		License:  principal(r.Context()),
		Secret:   r.Header.Get("X-Deployment-Key"),
		Platform: chi.URLParam(r, "platform"),
		Version:  r.Header.Get("X-Version"),
		Package:  body,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": job.ID})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	v, err := s.deploy.Publish(r.Context(), r.Header.Get("X-Deployment-Key"), chi.URLParam(r, "platform"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	v, err := s.deploy.Unpublish(r.Context(), r.Header.Get("X-Deployment-Key"), chi.URLParam(r, "platform"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, int(job.Status))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": job.Status.String(), "logs": job.Logs})
}

func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return models.Job{}, false
	}
	job, err := s.jobs.JobForOwner(r.Context(), id, principal(r.Context()).Owner)
	if err != nil {
		s.writeError(w, r, err)
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil || len(data) == 0 {
		http.Error(w, "image body required", http.StatusBadRequest)
		return
	}
	job := &jobs.CreateImageThumbnail{ImageID: chi.URLParam(r, "imageID"), ImageData: data}
	row, err := s.enqueue.EnqueueJob(r.Context(), principal(r.Context()).Owner, job, models.PriorityNormal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": row.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.storage == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	state := s.storage.State()
	body["object_storage"] = state.String()
	if state == gobreaker.StateOpen {
		body["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
