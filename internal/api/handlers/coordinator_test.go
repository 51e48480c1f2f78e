package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
	fhir "github.com/drfirst/go-hospital/internal/fhir/r5"
	"github.com/drfirst/go-hospital/internal/peer"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
	"github.com/drfirst/go-hospital/pkg/idempotency"
)

type fakeEmergency struct {
	visits    []emergency.Visit
	newVisits []emergency.NewVisit
	patients  []emergency.NewPatient
	err       error
}

func (f *fakeEmergency) CreatePatient(ctx context.Context, in emergency.NewPatient) (*emergency.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.patients = append(f.patients, in)
	return &emergency.Patient{ID: int64(len(f.patients)), Name: in.Name, DOB: in.DOB, ContactInfo: in.ContactInfo}, nil
}

func (f *fakeEmergency) CreateVisit(ctx context.Context, in emergency.NewVisit) (*emergency.Visit, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.newVisits = append(f.newVisits, in)
	v := emergency.Visit{ID: int64(len(f.newVisits)), PatientID: in.PatientID, Symptoms: in.Symptoms, TriageLevel: in.TriageLevel}
	f.visits = append([]emergency.Visit{v}, f.visits...)
	return &v, nil
}

func (f *fakeEmergency) Visits(ctx context.Context, localPatientID int64) ([]emergency.Visit, error) {
	if f.err != nil {
		return []emergency.Visit{}, f.err
	}
	return f.visits, nil
}

type fakePharmacy struct {
	meds      []pharmacy.Medication
	dispensed []int64
	err       error
}

func (f *fakePharmacy) Medications(ctx context.Context) ([]pharmacy.Medication, error) {
	if f.err != nil {
		return []pharmacy.Medication{}, f.err
	}
	return f.meds, nil
}

func (f *fakePharmacy) Prescriptions(ctx context.Context) ([]pharmacy.PrescriptionListing, error) {
	if f.err != nil {
		return []pharmacy.PrescriptionListing{}, f.err
	}
	return []pharmacy.PrescriptionListing{}, nil
}

func (f *fakePharmacy) AddMedication(ctx context.Context, in pharmacy.NewMedication) (int64, error) {
	f.meds = append(f.meds, pharmacy.Medication{ID: int64(len(f.meds) + 1), Name: in.Name})
	return int64(len(f.meds)), nil
}

func (f *fakePharmacy) AddPrescription(ctx context.Context, in pharmacy.NewPrescription) (int64, error) {
	return 1, nil
}

func (f *fakePharmacy) Dispense(ctx context.Context, id int64) error {
	f.dispensed = append(f.dispensed, id)
	return &peer.StatusError{Peer: "pharmacy", Code: http.StatusBadRequest, Message: "Not enough stock"}
}

type fakeRadiology struct {
	completed map[int64]*string
}

func (f *fakeRadiology) Orders(ctx context.Context) ([]radiology.Order, error) {
	return []radiology.Order{}, errors.New(`Get "http://127.0.0.1:5003/orders": dial tcp 127.0.0.1:5003: connect: connection refused`)
}

func (f *fakeRadiology) CreateOrder(ctx context.Context, in radiology.NewOrder) (int64, error) {
	return 1, nil
}

func (f *fakeRadiology) CompleteOrder(ctx context.Context, id int64, report *string) error {
	if f.completed == nil {
		f.completed = map[int64]*string{}
	}
	f.completed[id] = report
	return nil
}

type coordinatorFixture struct {
	handler   http.Handler
	repo      *patientindex.Repository
	emergency *fakeEmergency
	pharmacy  *fakePharmacy
	radiology *fakeRadiology
}

func newCoordinator(t *testing.T) *coordinatorFixture {
	t.Helper()
	db := openDB(t, "coordinator", patientindex.Schema)
	repo := patientindex.NewRepository(db, idempotency.NewInbox(db, idempotency.DefaultInboxConfig(), nil), nil, nil)

	f := &coordinatorFixture{
		repo:      repo,
		emergency: &fakeEmergency{},
		pharmacy:  &fakePharmacy{},
		radiology: &fakeRadiology{},
	}
	f.handler = NewCoordinatorHandler(repo, Peers{
		Emergency: f.emergency,
		Pharmacy:  f.pharmacy,
		Radiology: f.radiology,
		Breakers:  circuitbreaker.NewManager(nil),
	}, nil).Routes()
	return f
}

func TestSyncPatientUpsert(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/sync/patient", `{"local_patient_id":1,"department":"emergency","name":"Jane Doe"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[struct {
		Message string               `json:"message"`
		Patient patientindex.Patient `json:"patient"`
	}](t, rec)
	assert.Equal(t, "patient synced", body.Message)
	assert.Equal(t, "Jane Doe", body.Patient.Name)

	rec = do(t, f.handler, http.MethodPost, "/sync/patient", `{"local_patient_id":1,"department":"emergency","name":"Jane Smith","contact_info":"555-1234"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.handler, http.MethodGet, "/api/patients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	patients := decodeBody[[]patientindex.Patient](t, rec)
	require.Len(t, patients, 1)
	assert.Equal(t, "Jane Smith", patients[0].Name)
	assert.Equal(t, body.Patient.GlobalID, patients[0].GlobalID)
}

func TestSyncPatientMissingFields(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/sync/patient", `{"local_patient_id":1,"name":"Jane Doe"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing required fields","required":["local_patient_id","department","name"]}`, rec.Body.String())
}

func TestSyncPatientRejectsInvalidRecord(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/sync/patient", `{"local_patient_id":0,"department":"emergency","name":"Jane Doe"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"local_patient_id is required"}`, rec.Body.String())

	rec = do(t, f.handler, http.MethodPost, "/sync/patient", `{"local_patient_id":2,"department":"emergency","name":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"name is required"}`, rec.Body.String())

	patients, err := f.repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, patients)
}

func TestSyncPatientReplayedEvent(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/sync/patient",
		`{"local_patient_id":3,"department":"emergency","name":"Jane Doe"}`, "X-Event-ID", "evt-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/sync/patient",
		`{"local_patient_id":3,"department":"emergency","name":"Changed"}`, "X-Event-ID", "evt-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Jane Doe", decodeBody[struct {
		Patient patientindex.Patient `json:"patient"`
	}](t, rec).Patient.Name)

	// The body key works too.
	rec = do(t, f.handler, http.MethodPost, "/sync/patient",
		`{"event_id":"evt-1","local_patient_id":3,"department":"emergency","name":"Changed"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncStats(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/sync/patient",
		`{"local_patient_id":3,"department":"emergency","name":"Jane Doe"}`, "X-Event-ID", "evt-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.handler, http.MethodGet, "/sync/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"indexed_patients":1,"remembered_events":1}`, rec.Body.String())
}

func TestGetPatientNotFound(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodGet, "/api/patients/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Patient not found"}`, rec.Body.String())
}

func syncPatient(t *testing.T, f *coordinatorFixture, department string, localID int64, name string) *patientindex.Patient {
	t.Helper()
	res, err := f.repo.Sync(context.Background(), patientindex.SyncInput{LocalPatientID: localID, Department: department, Name: name})
	require.NoError(t, err)
	return res.Patient
}

func TestAppointments(t *testing.T) {
	f := newCoordinator(t)
	p := syncPatient(t, f, "emergency", 1, "Jane Doe")
	path := "/api/patients/" + itoa(p.GlobalID) + "/appointments"

	rec := do(t, f.handler, http.MethodPost, path, `{"start_time":"2026-11-02T14:30","notes":"Follow-up"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[struct {
		Appointment patientindex.Appointment `json:"appointment"`
	}](t, rec).Appointment
	assert.Equal(t, "emergency", appt.Department)
	assert.Equal(t, patientindex.AppointmentScheduled, appt.Status)

	rec = do(t, f.handler, http.MethodPost, path, `{"start_time":"2026-10-20 08:00:00","department":"radiology"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.handler, http.MethodPost, path, `{"start_time":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Appointment date & time is required."}`, rec.Body.String())

	rec = do(t, f.handler, http.MethodPost, path, `{"start_time":"2026-13-45T10:00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rec)["error"], "Could not create appointment: ")

	rec = do(t, f.handler, http.MethodPost, "/api/patients/999/appointments", `{"start_time":"2026-11-02T14:30"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, f.handler, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	appts := decodeBody[[]patientindex.Appointment](t, rec)
	require.Len(t, appts, 2)
	assert.Equal(t, "radiology", appts[0].Department)
	assert.Equal(t, "emergency", appts[1].Department)
}

func TestRegisterPatientThroughEmergency(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/api/patients", `{"name":"","dob":"1990-04-02"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Name is required."}`, rec.Body.String())

	rec = do(t, f.handler, http.MethodPost, "/api/patients", `{"name":"Jane Doe","dob":"","contact_info":"555-1234"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.emergency.patients, 1)
	assert.Nil(t, f.emergency.patients[0].DOB)
	assert.Equal(t, "555-1234", *f.emergency.patients[0].ContactInfo)

	f.emergency.err = &peer.StatusError{Peer: "emergency", Code: http.StatusServiceUnavailable}
	rec = do(t, f.handler, http.MethodPost, "/api/patients", `{"name":"John Roe"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Emergency service error: 503", decodeBody[map[string]any](t, rec)["error"])

	f.emergency.err = errors.New("connection refused")
	rec = do(t, f.handler, http.MethodPost, "/api/patients", `{"name":"John Roe"}`)
	assert.Equal(t, "Could not reach Emergency service: connection refused", decodeBody[map[string]any](t, rec)["error"])
}

func TestPatientDetail(t *testing.T) {
	f := newCoordinator(t)
	er := syncPatient(t, f, "emergency", 4, "Jane Doe")
	rad := syncPatient(t, f, "radiology", 4, "John Roe")
	f.emergency.visits = []emergency.Visit{{ID: 1, PatientID: 4, Symptoms: "Cough", TriageLevel: "low"}}

	rec := do(t, f.handler, http.MethodGet, "/api/patients/"+itoa(er.GlobalID)+"/detail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[PatientDetail](t, rec)
	assert.Equal(t, "Jane Doe", detail.Patient.Name)
	require.Len(t, detail.Visits, 1)
	assert.Nil(t, detail.VisitsError)
	assert.NotNil(t, detail.Appointments)

	// Visits are only pulled for emergency patients.
	rec = do(t, f.handler, http.MethodGet, "/api/patients/"+itoa(rad.GlobalID)+"/detail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[PatientDetail](t, rec).Visits)

	// A failing emergency service degrades the view.
	f.emergency.err = errors.New("connection refused")
	rec = do(t, f.handler, http.MethodGet, "/api/patients/"+itoa(er.GlobalID)+"/detail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail = decodeBody[PatientDetail](t, rec)
	assert.Empty(t, detail.Visits)
	require.NotNil(t, detail.VisitsError)
	assert.Contains(t, *detail.VisitsError, "Could not reach Emergency service")

	rec = do(t, f.handler, http.MethodGet, "/api/patients/999/detail", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddEmergencyVisit(t *testing.T) {
	f := newCoordinator(t)
	er := syncPatient(t, f, "emergency", 4, "Jane Doe")
	ph := syncPatient(t, f, "pharmacy", 4, "John Roe")

	rec := do(t, f.handler, http.MethodPost, "/api/patients/"+itoa(er.GlobalID)+"/emergency-visit", `{"symptoms":"Chest pain","triage_level":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[PatientDetail](t, rec)
	assert.Nil(t, detail.VisitError)
	require.Len(t, detail.Visits, 1)
	require.Len(t, f.emergency.newVisits, 1)
	assert.Equal(t, int64(4), f.emergency.newVisits[0].PatientID)

	rec = do(t, f.handler, http.MethodPost, "/api/patients/"+itoa(er.GlobalID)+"/emergency-visit", `{"symptoms":"Chest pain"}`)
	detail = decodeBody[PatientDetail](t, rec)
	require.NotNil(t, detail.VisitError)
	assert.Equal(t, "Symptoms and triage level are required.", *detail.VisitError)

	rec = do(t, f.handler, http.MethodPost, "/api/patients/"+itoa(ph.GlobalID)+"/emergency-visit", `{"symptoms":"Rash","triage_level":"low"}`)
	detail = decodeBody[PatientDetail](t, rec)
	require.NotNil(t, detail.VisitError)
	assert.Equal(t, "Emergency visits supported only for Emergency patients", *detail.VisitError)
	assert.Len(t, f.emergency.newVisits, 1)
}

func TestPharmacyView(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodPost, "/api/pharmacy/medications", `{"name":"Amoxicillin","stock":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[PharmacyView](t, rec)
	require.Len(t, view.Medications, 1)
	assert.Nil(t, view.ActionError)

	rec = do(t, f.handler, http.MethodPut, "/api/pharmacy/prescriptions/3/dispense", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBody[PharmacyView](t, rec)
	require.NotNil(t, view.ActionError)
	assert.Equal(t, "Pharmacy service error: 400 (Not enough stock)", *view.ActionError)
	assert.Equal(t, []int64{3}, f.pharmacy.dispensed)

	f.pharmacy.err = errors.New("timeout")
	rec = do(t, f.handler, http.MethodGet, "/api/pharmacy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBody[PharmacyView](t, rec)
	assert.Empty(t, view.Medications)
	assert.Empty(t, view.Prescriptions)
	assert.Equal(t, "Could not load medications: timeout", *view.MedicationsError)
	assert.Equal(t, "Could not load prescriptions: timeout", *view.PrescriptionsError)
}

func TestRadiologyView(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodGet, "/api/radiology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[RadiologyView](t, rec)
	assert.NotNil(t, view.Orders)
	require.NotNil(t, view.OrdersError)
	assert.Contains(t, *view.OrdersError, "Could not load orders: ")

	rec = do(t, f.handler, http.MethodPut, "/api/radiology/orders/2/complete", `{"report":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rep, ok := f.radiology.completed[2]
	require.True(t, ok)
	assert.Nil(t, rep)

	rec = do(t, f.handler, http.MethodPut, "/api/radiology/orders/2/complete", `{"report":"Clear"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Clear", *f.radiology.completed[2])
}

func TestPeerHealth(t *testing.T) {
	f := newCoordinator(t)

	rec := do(t, f.handler, http.MethodGet, "/api/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestFHIRPatient(t *testing.T) {
	f := newCoordinator(t)
	dob := "04/02/1990"
	contact := "jane@example.org"
	res, err := f.repo.Sync(context.Background(), patientindex.SyncInput{
		LocalPatientID: 12, Department: "emergency", Name: "Jane Q Doe", DOB: &dob, ContactInfo: &contact,
	})
	require.NoError(t, err)

	rec := do(t, f.handler, http.MethodGet, "/fhir/Patient/"+itoa(res.Patient.GlobalID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fhir.ContentType, rec.Header().Get("Content-Type"))

	p := decodeBody[fhir.Patient](t, rec)
	assert.Equal(t, "Patient", p.ResourceType)
	assert.Equal(t, "1990-04-02", p.BirthDate)
	require.Len(t, p.Identifier, 1)
	assert.Equal(t, "urn:hospital:emergency:patient", p.Identifier[0].System)
	assert.Equal(t, "12", p.Identifier[0].Value)
	assert.Equal(t, "Doe", p.Name[0].Family)
	assert.Equal(t, []string{"Jane", "Q"}, p.Name[0].Given)
	require.Len(t, p.Telecom, 1)
	assert.Equal(t, "email", p.Telecom[0].System)

	rec = do(t, f.handler, http.MethodGet, "/fhir/Patient/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	outcome := decodeBody[fhir.OperationOutcome](t, rec)
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	assert.Equal(t, fhir.IssueNotFound, outcome.Issue[0].Code)
}
