package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/patientsync"
)

// CoordinatorHandler handles the coordinator endpoints: patient sync, the
// global index, appointments and the views aggregated from the departments.
type CoordinatorHandler struct {
	repo   *patientindex.Repository
	peers  Peers
	logger *zap.Logger
}

// NewCoordinatorHandler creates a new handler
func NewCoordinatorHandler(repo *patientindex.Repository, peers Peers, logger *zap.Logger) *CoordinatorHandler {
	return &CoordinatorHandler{repo: repo, peers: peers, logger: nopIfNil(logger)}
}

// Routes returns the handler routes
func (h *CoordinatorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(patientsync.SyncPath, h.SyncPatient)
	r.Get("/sync/stats", h.SyncStats)

	r.Route("/api", func(r chi.Router) {
		r.Get("/patients", h.ListPatients)
		r.Post("/patients", h.RegisterPatient)
		r.Get("/patients/{id}", h.GetPatient)
		r.Get("/patients/{id}/detail", h.PatientDetail)
		r.Post("/patients/{id}/emergency-visit", h.AddEmergencyVisit)
		r.Post("/patients/{id}/appointments", h.CreateAppointment)
		r.Get("/patients/{id}/appointments", h.ListAppointments)

		r.Get("/pharmacy", h.PharmacyView)
		r.Post("/pharmacy/medications", h.PharmacyAddMedication)
		r.Post("/pharmacy/prescriptions", h.PharmacyAddPrescription)
		r.Put("/pharmacy/prescriptions/{id}/dispense", h.PharmacyDispense)

		r.Get("/radiology", h.RadiologyView)
		r.Post("/radiology/orders", h.RadiologyAddOrder)
		r.Put("/radiology/orders/{id}/complete", h.RadiologyCompleteOrder)

		r.Get("/peers", h.PeerHealth)
	})

	r.Get("/fhir/Patient/{id}", h.FHIRPatient)
	return r
}

// SyncPatient handles POST /sync/patient. The event id comes from the
// X-Event-ID header or the event_id key; a replayed event answers 200 with
// the current row and changes nothing.
func (h *CoordinatorHandler) SyncPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rec patientsync.Record
	if err := render.Decode(r, &rec, "local_patient_id", "department", "name"); err != nil {
		render.DecodeError(w, err)
		return
	}
	if err := rec.Validate(); err != nil {
		render.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	eventID := r.Header.Get(patientsync.HeaderEventID)
	if eventID == "" {
		eventID = rec.EventID
	}

	res, err := h.repo.Sync(ctx, rec.Input(eventID))
	if err != nil {
		serverError(w, r, h.logger, "failed to sync patient", err)
		return
	}

	h.logger.Info("patient synced",
		zap.Int64("global_id", res.Patient.GlobalID),
		zap.String("department", res.Patient.Department),
		zap.Int64("local_patient_id", res.Patient.LocalPatientID),
		zap.Bool("created", res.Created),
		zap.Bool("duplicate", res.Duplicate),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	render.JSON(w, code, map[string]any{"message": "patient synced", "patient": res.Patient})
}

// SyncStats handles GET /sync/stats
func (h *CoordinatorHandler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to read sync stats", err)
		return
	}
	render.JSON(w, http.StatusOK, stats)
}

// ListPatients handles GET /api/patients
func (h *CoordinatorHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.repo.List(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to list patients", err)
		return
	}
	render.JSON(w, http.StatusOK, patients)
}

// GetPatient handles GET /api/patients/{id}
func (h *CoordinatorHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r)
	if !ok {
		return
	}
	render.JSON(w, http.StatusOK, p)
}

// CreateAppointment handles POST /api/patients/{id}/appointments
func (h *CoordinatorHandler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	}

	var in patientindex.NewAppointment
	if err := render.Decode(r, &in); err != nil {
		render.DecodeError(w, err)
		return
	}

	appt, err := h.repo.CreateAppointment(r.Context(), id, in)
	switch {
	case errors.Is(err, patientindex.ErrNotFound):
		render.Error(w, http.StatusNotFound, "Patient not found")
		return
	case errors.Is(err, patientindex.ErrStartTimeRequired):
		render.Error(w, http.StatusBadRequest, "Appointment date & time is required.")
		return
	case errors.Is(err, patientindex.ErrInvalidStartTime):
		render.Error(w, http.StatusBadRequest, "Could not create appointment: "+err.Error())
		return
	case err != nil:
		serverError(w, r, h.logger, "failed to create appointment", err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"message": "appointment created", "appointment": appt})
}

// ListAppointments handles GET /api/patients/{id}/appointments
func (h *CoordinatorHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r)
	if !ok {
		return
	}
	appts, err := h.repo.ListAppointments(r.Context(), p.GlobalID)
	if err != nil {
		serverError(w, r, h.logger, "failed to list appointments", err)
		return
	}
	render.JSON(w, http.StatusOK, appts)
}

// loadPatient resolves the {id} path parameter, writing the 404 or 500
// response itself when it fails.
func (h *CoordinatorHandler) loadPatient(w http.ResponseWriter, r *http.Request) (*patientindex.Patient, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return nil, false
	}
	p, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, patientindex.ErrNotFound) {
		render.Error(w, http.StatusNotFound, "Patient not found")
		return nil, false
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to load patient", err)
		return nil, false
	}
	return p, true
}
