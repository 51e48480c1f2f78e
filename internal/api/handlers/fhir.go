package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	fhir "github.com/drfirst/go-hospital/internal/fhir/r5"
)

// FHIRPatient handles GET /fhir/Patient/{id}
func (h *CoordinatorHandler) FHIRPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeFHIR(w, http.StatusNotFound, fhir.NewErrorOutcome(fhir.IssueNotFound, "Patient/"+chi.URLParam(r, "id")+" not found"))
		return
	}

	p, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, patientindex.ErrNotFound) {
		writeFHIR(w, http.StatusNotFound, fhir.NewErrorOutcome(fhir.IssueNotFound, "Patient/"+strconv.FormatInt(id, 10)+" not found"))
		return
	}
	if err != nil {
		h.logger.Error("failed to load patient", zap.Int64("global_id", id), zap.Error(err))
		writeFHIR(w, http.StatusInternalServerError, fhir.NewErrorOutcome(fhir.IssueException, "failed to load patient"))
		return
	}

	writeFHIR(w, http.StatusOK, PatientResource(p))
}

// PatientResource converts an index row to a FHIR Patient. The department
// local id becomes an identifier in the department's namespace.
func PatientResource(p *patientindex.Patient) *fhir.Patient {
	res := &fhir.Patient{
		ResourceType: "Patient",
		ID:           strconv.FormatInt(p.GlobalID, 10),
		Meta:         &fhir.Meta{LastUpdated: p.LastUpdated, Source: p.Department},
		Identifier: []fhir.Identifier{{
			Use:    "usual",
			System: "urn:hospital:" + p.Department + ":patient",
			Value:  strconv.FormatInt(p.LocalPatientID, 10),
		}},
		Active: true,
		Name:   []fhir.HumanName{fhir.NewHumanName(p.Name)},
		ManagingOrganization: &fhir.Reference{
			Display: p.Department,
		},
	}
	if p.DOB != nil {
		if dob, err := dateparse.ParseIn(*p.DOB, time.UTC); err == nil {
			res.BirthDate = dob.Format(time.DateOnly)
		}
	}
	if p.ContactInfo != nil && *p.ContactInfo != "" {
		res.Telecom = []fhir.ContactPoint{fhir.NewContactPoint(*p.ContactInfo)}
	}
	return res
}

func writeFHIR(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
