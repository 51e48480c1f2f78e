package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
)

// SyncRelay delivers outbox entries and reports on the backlog.
type SyncRelay interface {
	DeliverNow(ctx context.Context, id int64) error
	Stats(ctx context.Context) (*outbox.Stats, error)
}

// EmergencyHandler handles the emergency department endpoints.
type EmergencyHandler struct {
	repo   *emergency.Repository
	relay  SyncRelay
	logger *zap.Logger
}

// NewEmergencyHandler creates the handler. relay may be nil, in which case
// new patients wait in the outbox for a separate relay process.
func NewEmergencyHandler(repo *emergency.Repository, relay SyncRelay, logger *zap.Logger) *EmergencyHandler {
	return &EmergencyHandler{repo: repo, relay: relay, logger: nopIfNil(logger)}
}

// Routes returns the handler routes
func (h *EmergencyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/patients", h.CreatePatient)
	r.Get("/patients/{id}", h.GetPatient)
	r.Get("/patients/{id}/visits", h.ListVisits)
	r.Post("/visits", h.CreateVisit)
	r.Get("/outbox/stats", h.OutboxStats)
	return r
}

// CreatePatient handles POST /patients. The patient is synced to the
// coordinator right away; a failed sync is retried by the relay and never
// fails the request.
func (h *EmergencyHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in emergency.NewPatient
	if err := render.Decode(r, &in); err != nil {
		render.DecodeError(w, err)
		return
	}

	p, entry, err := h.repo.CreatePatient(ctx, in)
	if errors.Is(err, emergency.ErrNameRequired) {
		render.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to create patient", err)
		return
	}

	if h.relay != nil {
		if err := h.relay.DeliverNow(ctx, entry.ID); err != nil {
			h.logger.Warn("coordinator sync failed",
				zap.Int64("patient_id", p.ID),
				zap.String("event_id", entry.EventID),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
		}
	}

	render.JSON(w, http.StatusCreated, map[string]any{"message": "patient created", "patient": p})
}

// GetPatient handles GET /patients/{id}
func (h *EmergencyHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}

	p, err := h.repo.GetPatient(r.Context(), id)
	if errors.Is(err, emergency.ErrPatientNotFound) {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to load patient", err)
		return
	}
	render.JSON(w, http.StatusOK, p)
}

// CreateVisit handles POST /visits
func (h *EmergencyHandler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	var in emergency.NewVisit
	if err := render.Decode(r, &in, "patient_id", "symptoms", "triage_level"); err != nil {
		render.DecodeError(w, err)
		return
	}

	v, err := h.repo.CreateVisit(r.Context(), in)
	if errors.Is(err, emergency.ErrPatientNotFound) {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to create visit", err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"message": "visit created", "visit": v})
}

// ListVisits handles GET /patients/{id}/visits
func (h *EmergencyHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}

	visits, err := h.repo.ListVisits(r.Context(), id)
	if errors.Is(err, emergency.ErrPatientNotFound) {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to list visits", err)
		return
	}
	render.JSON(w, http.StatusOK, visits)
}

// OutboxStats handles GET /outbox/stats
func (h *EmergencyHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		render.Error(w, http.StatusNotFound, "outbox relay not running")
		return
	}
	stats, err := h.relay.Stats(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to read outbox stats", err)
		return
	}
	render.JSON(w, http.StatusOK, stats)
}
