package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
	"github.com/drfirst/go-hospital/internal/peer"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
)

// EmergencyPeer is the emergency service as seen by the coordinator.
type EmergencyPeer interface {
	CreatePatient(ctx context.Context, in emergency.NewPatient) (*emergency.Patient, error)
	CreateVisit(ctx context.Context, in emergency.NewVisit) (*emergency.Visit, error)
	Visits(ctx context.Context, localPatientID int64) ([]emergency.Visit, error)
}

// PharmacyPeer is the pharmacy service as seen by the coordinator.
type PharmacyPeer interface {
	Medications(ctx context.Context) ([]pharmacy.Medication, error)
	Prescriptions(ctx context.Context) ([]pharmacy.PrescriptionListing, error)
	AddMedication(ctx context.Context, in pharmacy.NewMedication) (int64, error)
	AddPrescription(ctx context.Context, in pharmacy.NewPrescription) (int64, error)
	Dispense(ctx context.Context, prescriptionID int64) error
}

// RadiologyPeer is the radiology service as seen by the coordinator.
type RadiologyPeer interface {
	Orders(ctx context.Context) ([]radiology.Order, error)
	CreateOrder(ctx context.Context, in radiology.NewOrder) (int64, error)
	CompleteOrder(ctx context.Context, orderID int64, report *string) error
}

// BreakerReporter reports the state of the peer circuit breakers.
type BreakerReporter interface {
	GetHealthStatus() []circuitbreaker.HealthStatus
}

// Peers are the department services the coordinator reads from.
type Peers struct {
	Emergency EmergencyPeer
	Pharmacy  PharmacyPeer
	Radiology RadiologyPeer
	Breakers  BreakerReporter
}

// PatientDetail is the coordinator's view of one indexed patient. Visits
// come from the emergency service and are only fetched for emergency
// patients.
type PatientDetail struct {
	Patient      *patientindex.Patient      `json:"patient"`
	Visits       []emergency.Visit          `json:"visits"`
	VisitsError  *string                    `json:"visits_error"`
	VisitError   *string                    `json:"visit_error"`
	Appointments []patientindex.Appointment `json:"appointments"`
}

// PharmacyView aggregates the pharmacy service.
type PharmacyView struct {
	Medications        []pharmacy.Medication          `json:"medications"`
	Prescriptions      []pharmacy.PrescriptionListing `json:"prescriptions"`
	MedicationsError   *string                        `json:"medications_error"`
	PrescriptionsError *string                        `json:"prescriptions_error"`
	ActionError        *string                        `json:"action_error,omitempty"`
}

// RadiologyView aggregates the radiology service.
type RadiologyView struct {
	Orders      []radiology.Order `json:"orders"`
	OrdersError *string           `json:"orders_error"`
	ActionError *string           `json:"action_error,omitempty"`
}

// RegisterPatientRequest is the body of POST /api/patients.
type RegisterPatientRequest struct {
	Name        string  `json:"name"`
	DOB         *string `json:"dob"`
	ContactInfo *string `json:"contact_info"`
}

// RegisterPatient handles POST /api/patients. The patient is created in the
// emergency service, which syncs it back into the index.
func (h *CoordinatorHandler) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req RegisterPatientRequest
	if err := render.Decode(r, &req); err != nil {
		render.DecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		render.Error(w, http.StatusBadRequest, "Name is required.")
		return
	}

	p, err := h.peers.Emergency.CreatePatient(r.Context(), emergency.NewPatient{
		Name:        req.Name,
		DOB:         blankToNil(req.DOB),
		ContactInfo: blankToNil(req.ContactInfo),
	})
	if err != nil {
		h.logger.Warn("emergency patient registration failed", zap.Error(err))
		render.JSON(w, http.StatusOK, map[string]any{"patient": nil, "error": peerError(config.ServiceEmergency, err)})
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"patient": p, "error": nil})
}

// PatientDetail handles GET /api/patients/{id}/detail
func (h *CoordinatorHandler) PatientDetail(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r)
	if !ok {
		return
	}
	h.renderDetail(w, r, p, nil)
}

// AddEmergencyVisitRequest is the body of an emergency visit booked from
// the coordinator.
type AddEmergencyVisitRequest struct {
	Symptoms    string `json:"symptoms"`
	TriageLevel string `json:"triage_level"`
}

// AddEmergencyVisit handles POST /api/patients/{id}/emergency-visit. The
// outcome is reported in visit_error of the refreshed detail view.
func (h *CoordinatorHandler) AddEmergencyVisit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r)
	if !ok {
		return
	}

	var req AddEmergencyVisitRequest
	if err := render.Decode(r, &req); err != nil {
		render.DecodeError(w, err)
		return
	}

	var visitErr *string
	switch {
	case strings.TrimSpace(req.Symptoms) == "" || strings.TrimSpace(req.TriageLevel) == "":
		visitErr = strPtr("Symptoms and triage level are required.")
	case p.Department != config.ServiceEmergency:
		visitErr = strPtr("Emergency visits supported only for Emergency patients")
	default:
		_, err := h.peers.Emergency.CreateVisit(r.Context(), emergency.NewVisit{
			PatientID:   p.LocalPatientID,
			Symptoms:    req.Symptoms,
			TriageLevel: req.TriageLevel,
		})
		if err != nil {
			h.logger.Warn("emergency visit failed", zap.Int64("global_id", p.GlobalID), zap.Error(err))
			visitErr = strPtr(peerError(config.ServiceEmergency, err))
		}
	}

	h.renderDetail(w, r, p, visitErr)
}

func (h *CoordinatorHandler) renderDetail(w http.ResponseWriter, r *http.Request, p *patientindex.Patient, visitErr *string) {
	ctx := r.Context()
	detail := PatientDetail{
		Patient:    p,
		Visits:     []emergency.Visit{},
		VisitError: visitErr,
	}

	if p.Department == config.ServiceEmergency {
		visits, err := h.peers.Emergency.Visits(ctx, p.LocalPatientID)
		if err != nil {
			h.logger.Warn("error fetching visits from emergency", zap.Int64("global_id", p.GlobalID), zap.Error(err))
			detail.VisitsError = strPtr(peerError(config.ServiceEmergency, err))
		}
		detail.Visits = orEmpty(visits)
	}

	appts, err := h.repo.ListAppointments(ctx, p.GlobalID)
	if err != nil {
		serverError(w, r, h.logger, "failed to list appointments", err)
		return
	}
	detail.Appointments = appts

	render.JSON(w, http.StatusOK, detail)
}

// PharmacyView handles GET /api/pharmacy
func (h *CoordinatorHandler) PharmacyView(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, h.pharmacyView(r.Context(), nil))
}

// PharmacyAddMedication handles POST /api/pharmacy/medications
func (h *CoordinatorHandler) PharmacyAddMedication(w http.ResponseWriter, r *http.Request) {
	var in pharmacy.NewMedication
	if err := render.Decode(r, &in); err != nil {
		render.DecodeError(w, err)
		return
	}
	_, err := h.peers.Pharmacy.AddMedication(r.Context(), in)
	render.JSON(w, http.StatusOK, h.pharmacyView(r.Context(), h.actionError("add medication", config.ServicePharmacy, err)))
}

// PharmacyAddPrescription handles POST /api/pharmacy/prescriptions
func (h *CoordinatorHandler) PharmacyAddPrescription(w http.ResponseWriter, r *http.Request) {
	var in pharmacy.NewPrescription
	if err := render.Decode(r, &in, "patient_name", "medication_id", "quantity"); err != nil {
		render.DecodeError(w, err)
		return
	}
	_, err := h.peers.Pharmacy.AddPrescription(r.Context(), in)
	render.JSON(w, http.StatusOK, h.pharmacyView(r.Context(), h.actionError("add prescription", config.ServicePharmacy, err)))
}

// PharmacyDispense handles PUT /api/pharmacy/prescriptions/{id}/dispense
func (h *CoordinatorHandler) PharmacyDispense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Prescription not found")
		return
	}
	err := h.peers.Pharmacy.Dispense(r.Context(), id)
	render.JSON(w, http.StatusOK, h.pharmacyView(r.Context(), h.actionError("dispense", config.ServicePharmacy, err)))
}

func (h *CoordinatorHandler) pharmacyView(ctx context.Context, actionErr *string) PharmacyView {
	view := PharmacyView{ActionError: actionErr}

	meds, err := h.peers.Pharmacy.Medications(ctx)
	if err != nil {
		view.MedicationsError = strPtr("Could not load medications: " + err.Error())
	}
	view.Medications = orEmpty(meds)

	rxs, err := h.peers.Pharmacy.Prescriptions(ctx)
	if err != nil {
		view.PrescriptionsError = strPtr("Could not load prescriptions: " + err.Error())
	}
	view.Prescriptions = orEmpty(rxs)

	return view
}

// RadiologyView handles GET /api/radiology
func (h *CoordinatorHandler) RadiologyView(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, h.radiologyView(r.Context(), nil))
}

// RadiologyAddOrder handles POST /api/radiology/orders
func (h *CoordinatorHandler) RadiologyAddOrder(w http.ResponseWriter, r *http.Request) {
	var in radiology.NewOrder
	if err := render.Decode(r, &in, "patient_name", "modality"); err != nil {
		render.DecodeError(w, err)
		return
	}
	_, err := h.peers.Radiology.CreateOrder(r.Context(), in)
	render.JSON(w, http.StatusOK, h.radiologyView(r.Context(), h.actionError("create order", config.ServiceRadiology, err)))
}

// RadiologyCompleteOrder handles PUT /api/radiology/orders/{id}/complete
func (h *CoordinatorHandler) RadiologyCompleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		render.Error(w, http.StatusNotFound, "Order not found")
		return
	}
	var req CompleteRequest
	if err := render.Decode(r, &req); err != nil {
		render.DecodeError(w, err)
		return
	}
	err := h.peers.Radiology.CompleteOrder(r.Context(), id, blankToNil(req.Report))
	render.JSON(w, http.StatusOK, h.radiologyView(r.Context(), h.actionError("complete order", config.ServiceRadiology, err)))
}

func (h *CoordinatorHandler) radiologyView(ctx context.Context, actionErr *string) RadiologyView {
	view := RadiologyView{ActionError: actionErr}
	orders, err := h.peers.Radiology.Orders(ctx)
	if err != nil {
		view.OrdersError = strPtr("Could not load orders: " + err.Error())
	}
	view.Orders = orEmpty(orders)
	return view
}

// PeerHealth handles GET /api/peers
func (h *CoordinatorHandler) PeerHealth(w http.ResponseWriter, r *http.Request) {
	statuses := []circuitbreaker.HealthStatus{}
	if h.peers.Breakers != nil {
		statuses = h.peers.Breakers.GetHealthStatus()
	}
	render.JSON(w, http.StatusOK, statuses)
}

func (h *CoordinatorHandler) actionError(action, peerName string, err error) *string {
	if err == nil {
		return nil
	}
	h.logger.Warn("peer action failed",
		zap.String("peer", peerName),
		zap.String("action", action),
		zap.Error(err))
	return strPtr(peerError(peerName, err))
}

// peerError renders a failed peer call for a view. Status and open-breaker
// errors already name the service.
func peerError(peerName string, err error) string {
	var se *peer.StatusError
	if errors.As(err, &se) || circuitbreaker.IsOpenError(err) {
		return err.Error()
	}
	return fmt.Sprintf("Could not reach %s service: %v", peer.DisplayName(peerName), err)
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func strPtr(s string) *string { return &s }

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
