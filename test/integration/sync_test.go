// Package integration runs the coordinator and the department services
// together over HTTP.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-hospital/internal/api/handlers"
	"github.com/drfirst/go-hospital/internal/api/server"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
	"github.com/drfirst/go-hospital/internal/peer"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
	"github.com/drfirst/go-hospital/pkg/idempotency"
)

type hospital struct {
	coordinator *httptest.Server
	emergency   *httptest.Server
	pharmacy    *httptest.Server
	radiology   *httptest.Server

	relay *outbox.Relay
	// coordinatorDown makes the coordinator answer 503 to every request.
	coordinatorDown atomic.Bool
}

func openDB(t *testing.T, name string, schema []string) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, schema...))
	return db
}

func mount(service string, routes http.Handler) http.Handler {
	r := server.NewRouter(server.Options{Service: service})
	r.Mount("/", routes)
	return r
}

func newClient(t *testing.T, name, url string, breakers *circuitbreaker.Manager) *peer.Client {
	t.Helper()
	c, err := peer.NewClient(peer.Config{Name: name, BaseURL: url, Timeout: 2 * time.Second}, breakers, nil, nil)
	require.NoError(t, err)
	return c
}

func newHospital(t *testing.T) *hospital {
	t.Helper()
	h := &hospital{}

	// The coordinator handler is built last because it reads from the
	// department servers; requests are routed through this variable.
	var coordinatorRoutes atomic.Value
	h.coordinator = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.coordinatorDown.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		coordinatorRoutes.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(h.coordinator.Close)

	// Emergency with a real relay pushing to the coordinator.
	emDB := openDB(t, "emergency", emergency.Schema)
	publisher := peer.NewSyncPublisher(newClient(t, "coordinator", h.coordinator.URL, nil))
	relay, err := outbox.NewRelay(emDB, publisher, outbox.Config{Workers: 1, MaxAttempts: 5}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(relay.Stop)
	h.relay = relay
	h.emergency = httptest.NewServer(mount("emergency",
		handlers.NewEmergencyHandler(emergency.NewRepository(emDB, "emergency", nil), relay, nil).Routes()))
	t.Cleanup(h.emergency.Close)

	phDB := openDB(t, "pharmacy", pharmacy.Schema)
	h.pharmacy = httptest.NewServer(mount("pharmacy",
		handlers.NewPharmacyHandler(pharmacy.NewRepository(phDB, nil), nil, nil).Routes()))
	t.Cleanup(h.pharmacy.Close)

	raDB := openDB(t, "radiology", radiology.Schema)
	h.radiology = httptest.NewServer(mount("radiology",
		handlers.NewRadiologyHandler(radiology.NewRepository(raDB, nil), nil).Routes()))
	t.Cleanup(h.radiology.Close)

	coDB := openDB(t, "coordinator", patientindex.Schema)
	inbox := idempotency.NewInbox(coDB, idempotency.DefaultInboxConfig(), nil)
	breakers := circuitbreaker.NewManager(nil)
	coordinator := handlers.NewCoordinatorHandler(patientindex.NewRepository(coDB, inbox, nil, nil), handlers.Peers{
		Emergency: peer.NewEmergency(newClient(t, "emergency", h.emergency.URL, breakers)),
		Pharmacy:  peer.NewPharmacy(newClient(t, "pharmacy", h.pharmacy.URL, breakers)),
		Radiology: peer.NewRadiology(newClient(t, "radiology", h.radiology.URL, breakers)),
		Breakers:  breakers,
	}, nil)
	coordinatorRoutes.Store(mount("coordinator", coordinator.Routes()))

	return h
}

func call(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func indexedPatients(t *testing.T, h *hospital) []patientindex.Patient {
	t.Helper()
	code, raw := call(t, http.MethodGet, h.coordinator.URL+"/api/patients", "")
	require.Equal(t, http.StatusOK, code)
	return decode[[]patientindex.Patient](t, raw)
}

func TestEmergencyPatientFlowsThroughCoordinator(t *testing.T) {
	h := newHospital(t)

	code, raw := call(t, http.MethodPost, h.emergency.URL+"/patients",
		`{"name":"Jane Doe","dob":"1990-04-02","contact_info":"555-0100"}`)
	require.Equal(t, http.StatusCreated, code, string(raw))
	created := decode[struct {
		Patient emergency.Patient `json:"patient"`
	}](t, raw)

	patients := indexedPatients(t, h)
	require.Len(t, patients, 1)
	p := patients[0]
	assert.Equal(t, "Jane Doe", p.Name)
	assert.Equal(t, "emergency", p.Department)
	assert.Equal(t, created.Patient.ID, p.LocalPatientID)
	gid := strconv.FormatInt(p.GlobalID, 10)

	code, raw = call(t, http.MethodPost, h.coordinator.URL+"/api/patients/"+gid+"/emergency-visit",
		`{"symptoms":"chest pain","triage_level":"2"}`)
	require.Equal(t, http.StatusOK, code)
	detail := decode[handlers.PatientDetail](t, raw)
	assert.Nil(t, detail.VisitError)
	assert.Nil(t, detail.VisitsError)
	require.Len(t, detail.Visits, 1)
	assert.Equal(t, "chest pain", detail.Visits[0].Symptoms)

	code, raw = call(t, http.MethodPost, h.coordinator.URL+"/api/patients/"+gid+"/appointments",
		`{"start_time":"2026-11-02T09:30:00","department":"radiology"}`)
	require.Equal(t, http.StatusCreated, code, string(raw))

	code, raw = call(t, http.MethodGet, h.coordinator.URL+"/api/patients/"+gid+"/detail", "")
	require.Equal(t, http.StatusOK, code)
	detail = decode[handlers.PatientDetail](t, raw)
	assert.Len(t, detail.Visits, 1)
	assert.Len(t, detail.Appointments, 1)

	stats, err := h.relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Zero(t, stats.Pending)
}

func TestRegisterThroughCoordinator(t *testing.T) {
	h := newHospital(t)

	code, raw := call(t, http.MethodPost, h.coordinator.URL+"/api/patients", `{"name":"John Roe"}`)
	require.Equal(t, http.StatusCreated, code, string(raw))

	patients := indexedPatients(t, h)
	require.Len(t, patients, 1)
	assert.Equal(t, "John Roe", patients[0].Name)
	assert.Nil(t, patients[0].DOB)
}

func TestSyncRecoversAfterCoordinatorOutage(t *testing.T) {
	h := newHospital(t)
	ctx := context.Background()

	h.coordinatorDown.Store(true)
	code, raw := call(t, http.MethodPost, h.emergency.URL+"/patients", `{"name":"Jane Doe"}`)
	require.Equal(t, http.StatusCreated, code, string(raw))

	stats, err := h.relay.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	entry, err := h.relay.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "503")

	h.coordinatorDown.Store(false)
	require.NoError(t, h.relay.DeliverNow(ctx, 1))

	patients := indexedPatients(t, h)
	require.Len(t, patients, 1)
	assert.Equal(t, "Jane Doe", patients[0].Name)

	// A second delivery of the same entry is a no-op.
	require.NoError(t, h.relay.DeliverNow(ctx, 1))
	assert.Len(t, indexedPatients(t, h), 1)
}

func TestPharmacyAndRadiologyViews(t *testing.T) {
	h := newHospital(t)

	code, raw := call(t, http.MethodPost, h.coordinator.URL+"/api/pharmacy/medications",
		`{"name":"Amoxicillin","strength":"500mg","stock":2}`)
	require.Equal(t, http.StatusOK, code)
	view := decode[handlers.PharmacyView](t, raw)
	assert.Nil(t, view.ActionError)
	require.Len(t, view.Medications, 1)
	medID := strconv.FormatInt(view.Medications[0].ID, 10)

	code, raw = call(t, http.MethodPost, h.coordinator.URL+"/api/pharmacy/prescriptions",
		`{"patient_name":"Jane Doe","medication_id":`+medID+`,"quantity":3}`)
	require.Equal(t, http.StatusOK, code)
	view = decode[handlers.PharmacyView](t, raw)
	require.Len(t, view.Prescriptions, 1)
	rxID := strconv.FormatInt(view.Prescriptions[0].ID, 10)

	code, raw = call(t, http.MethodPut, h.coordinator.URL+"/api/pharmacy/prescriptions/"+rxID+"/dispense", "")
	require.Equal(t, http.StatusOK, code)
	view = decode[handlers.PharmacyView](t, raw)
	require.NotNil(t, view.ActionError)
	assert.Contains(t, *view.ActionError, "Not enough stock")
	assert.Equal(t, pharmacy.StatusNew, view.Prescriptions[0].Status)
	assert.Equal(t, int64(2), view.Medications[0].Stock)

	code, raw = call(t, http.MethodPost, h.coordinator.URL+"/api/radiology/orders",
		`{"patient_name":"Jane Doe","modality":"X-Ray","body_part":"Chest"}`)
	require.Equal(t, http.StatusOK, code)
	rview := decode[handlers.RadiologyView](t, raw)
	require.Len(t, rview.Orders, 1)
	orderID := strconv.FormatInt(rview.Orders[0].ID, 10)

	code, raw = call(t, http.MethodPut, h.coordinator.URL+"/api/radiology/orders/"+orderID+"/complete",
		`{"report":"No acute findings"}`)
	require.Equal(t, http.StatusOK, code)
	rview = decode[handlers.RadiologyView](t, raw)
	assert.Nil(t, rview.ActionError)
	assert.Equal(t, radiology.StatusCompleted, rview.Orders[0].Status)
	require.NotNil(t, rview.Orders[0].Report)
	assert.Equal(t, "No acute findings", *rview.Orders[0].Report)
}

func TestDepartmentOutageShowsInViews(t *testing.T) {
	h := newHospital(t)
	h.radiology.Close()

	code, raw := call(t, http.MethodGet, h.coordinator.URL+"/api/radiology", "")
	require.Equal(t, http.StatusOK, code)
	view := decode[handlers.RadiologyView](t, raw)
	assert.Empty(t, view.Orders)
	require.NotNil(t, view.OrdersError)
	assert.True(t, strings.HasPrefix(*view.OrdersError, "Could not load orders: "))
}
