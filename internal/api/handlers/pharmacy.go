package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
)

// PharmacyHandler handles medication and prescription endpoints
type PharmacyHandler struct {
	repo    *pharmacy.Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPharmacyHandler creates a new handler
func NewPharmacyHandler(repo *pharmacy.Repository, m *metrics.Metrics, logger *zap.Logger) *PharmacyHandler {
	return &PharmacyHandler{repo: repo, metrics: m, logger: nopIfNil(logger)}
}

// Routes returns the handler routes
func (h *PharmacyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/medications", h.AddMedication)
	r.Get("/medications", h.ListMedications)
	r.Post("/prescriptions", h.CreatePrescription)
	r.Get("/prescriptions", h.ListPrescriptions)
	r.Put("/prescriptions/{id}/dispense", h.Dispense)
	return r
}

// AddMedication handles POST /medications
func (h *PharmacyHandler) AddMedication(w http.ResponseWriter, r *http.Request) {
	var in pharmacy.NewMedication
	if err := render.Decode(r, &in); err != nil {
		render.DecodeError(w, err)
		return
	}

	med, err := h.repo.AddMedication(r.Context(), in)
	switch {
	case errors.Is(err, pharmacy.ErrNameRequired), errors.Is(err, pharmacy.ErrNegativeStock):
		render.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		serverError(w, r, h.logger, "failed to add medication", err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"message": "medication added", "id": med.ID})
}

// ListMedications handles GET /medications
func (h *PharmacyHandler) ListMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.repo.ListMedications(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to list medications", err)
		return
	}
	render.JSON(w, http.StatusOK, meds)
}

// CreatePrescription handles POST /prescriptions
func (h *PharmacyHandler) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	var in pharmacy.NewPrescription
	if err := render.Decode(r, &in, "patient_name", "medication_id", "quantity"); err != nil {
		render.DecodeError(w, err)
		return
	}

	rx, err := h.repo.CreatePrescription(r.Context(), in)
	switch {
	case errors.Is(err, pharmacy.ErrMedicationNotFound):
		render.Error(w, http.StatusNotFound, "Medication not found")
		return
	case errors.Is(err, pharmacy.ErrInvalidQuantity):
		render.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		serverError(w, r, h.logger, "failed to create prescription", err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"message": "prescription created", "id": rx.ID})
}

// Dispense handles PUT /prescriptions/{id}/dispense
func (h *PharmacyHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Prescription not found")
		return
	}

	err := h.repo.Dispense(r.Context(), id)
	switch {
	case errors.Is(err, pharmacy.ErrPrescriptionNotFound):
		h.metrics.Dispense("not_found")
		render.Error(w, http.StatusNotFound, "Prescription not found")
	case errors.Is(err, pharmacy.ErrInsufficientStock):
		h.metrics.Dispense("insufficient_stock")
		render.Error(w, http.StatusBadRequest, "Not enough stock")
	case errors.Is(err, pharmacy.ErrAlreadyDispensed):
		h.metrics.Dispense("already_dispensed")
		render.Error(w, http.StatusBadRequest, "Prescription already dispensed")
	case err != nil:
		h.metrics.Dispense("error")
		serverError(w, r, h.logger, "failed to dispense prescription", err)
	default:
		h.metrics.Dispense("dispensed")
		render.JSON(w, http.StatusOK, map[string]string{"message": "dispensed"})
	}
}

// ListPrescriptions handles GET /prescriptions
func (h *PharmacyHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListPrescriptions(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to list prescriptions", err)
		return
	}
	render.JSON(w, http.StatusOK, list)
}
