package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/skyforge/provisd/internal/drivers"
	"github.com/skyforge/provisd/internal/server/middleware"
	"github.com/skyforge/provisd/pkg/job"
)

// JobsHandler serves the job status surface and the create/cancel
// operations.
type JobsHandler struct {
	provisioner *drivers.Provisioner
	validate    *validator.Validate
	log         *zap.Logger
}

// NewJobsHandler returns a JobsHandler over the provisioner.
func NewJobsHandler(p *drivers.Provisioner, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		provisioner: p,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         logger,
	}
}

// Routes mounts the job endpoints on a chi router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Post("/jobs", h.Create)
	r.Get("/jobs/{jobType}/{jobID}", h.Get)
	r.Get("/jobs/{jobType}/{jobID}/logs", h.Logs)
	r.Post("/jobs/{jobType}/{jobID}/cancel", h.Cancel)
}

// respondError maps engine errors onto the HTTP error envelope.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case job.IsNotFound(err):
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such job", nil)
	case job.IsValidation(err):
		middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	default:
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", details)
			return
		}
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// List returns job summaries, optionally filtered by type glob and status.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := job.Filter{
		TypePattern: r.URL.Query().Get("type"),
		Status:      job.Status(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status filter", nil)
		return
	}

	summaries, err := h.provisioner.Registry().Summaries(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// Get returns one job summary.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lookup(r)
	if err != nil {
		respondError(w, err)
		return
	}
	summary, err := job.Summarize(r.Context(), rec)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Logs returns the job's history entries.
func (h *JobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lookup(r)
	if err != nil {
		respondError(w, err)
		return
	}
	logs, err := rec.Logs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// createRequest is the body accepted by Create.
type createRequest struct {
	Type       string `json:"type" validate:"required"`
	CloudType  string `json:"cloudType" validate:"required"`
	CloudName  string `json:"cloudName,omitempty"`
	ImageID    string `json:"imageId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	TTL        int    `json:"ttl,omitempty" validate:"gte=0"`
}

// Create validates the request, creates the job, and launches its
// provisioning action. Returns 202 with the initial summary.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, err)
		return
	}

	fields := map[string]any{
		job.FieldCloudType: req.CloudType,
	}
	if req.CloudName != "" {
		fields[job.FieldCloudName] = req.CloudName
	}
	if req.ImageID != "" {
		fields[job.FieldImageID] = req.ImageID
	}
	if req.InstanceID != "" {
		fields[job.FieldInstanceID] = req.InstanceID
	}
	if req.TTL > 0 {
		fields[job.FieldTTL] = req.TTL
	}

	rec, err := h.provisioner.Submit(r.Context(), req.Type, fields)
	if err != nil {
		respondError(w, err)
		return
	}

	h.log.Info("job submitted",
		zap.String("job_id", rec.ID()),
		zap.String("job_type", rec.Type()),
		zap.String("cloud_type", req.CloudType))

	summary, err := job.Summarize(r.Context(), rec)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// Cancel flags a job for cooperative cancellation.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	jobID := chi.URLParam(r, "jobID")
	if !h.provisioner.Registry().Has(jobType) {
		respondError(w, job.ErrNotFound)
		return
	}
	if err := h.provisioner.RequestCancel(r.Context(), jobType, jobID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (h *JobsHandler) lookup(r *http.Request) (*job.Record, error) {
	jobType := chi.URLParam(r, "jobType")
	jobID := chi.URLParam(r, "jobID")
	registry := h.provisioner.Registry()
	if !registry.Has(jobType) {
		return nil, job.ErrNotFound
	}
	store, err := registry.Store(jobType)
	if err != nil {
		return nil, job.ErrNotFound
	}
	return store.Get(r.Context(), jobID)
}
