package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, name string, handler http.Handler) (*Client, *circuitbreaker.Manager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	breakers := circuitbreaker.NewManager(nil)
	c, err := NewClient(Config{Name: name, BaseURL: srv.URL + "/", Timeout: time.Second, BreakerTimeout: time.Hour}, breakers, nil, nil)
	require.NoError(t, err)
	return c, breakers
}

func TestDoDecodesResponseAndForwardsRequestID(t *testing.T) {
	var gotRequestID string
	c, _ := newTestClient(t, "emergency", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients/3/visits", r.URL.Path)
		gotRequestID = r.Header.Get(middleware.HeaderRequestID)
		json.NewEncoder(w).Encode([]emergency.Visit{{ID: 1, PatientID: 3, Symptoms: "Cough", TriageLevel: "low"}})
	}))

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	visits, err := NewEmergency(c).Visits(ctx, 3)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "Cough", visits[0].Symptoms)
	assert.Equal(t, "req-42", gotRequestID)
}

func TestStatusErrorMessage(t *testing.T) {
	c, _ := newTestClient(t, "emergency", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	visits, err := NewEmergency(c).Visits(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, "Emergency service error: 503", err.Error())
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.NotNil(t, visits)
	assert.Empty(t, visits)
}

func TestReadsRequireStatusOK(t *testing.T) {
	c, breakers := newTestClient(t, "pharmacy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`[{"id":1,"name":"Amoxicillin"}]`))
	}))
	ph := NewPharmacy(c)

	meds, err := ph.Medications(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusAccepted))
	assert.Empty(t, meds)

	list, err := ph.Prescriptions(context.Background())
	require.Error(t, err)
	assert.Empty(t, list)

	// An unexpected 2xx is the peer's answer, not an outage.
	assert.Equal(t, circuitbreaker.StateClosed, breakers.GetHealthStatus()[0].State)
}

func TestWritesAcceptAny2xx(t *testing.T) {
	c, _ := newTestClient(t, "pharmacy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, NewPharmacy(c).Dispense(context.Background(), 4))
}

func TestStatusErrorCarriesUpstreamMessage(t *testing.T) {
	c, _ := newTestClient(t, "pharmacy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Not enough stock"}`))
	}))

	err := NewPharmacy(c).Dispense(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, "Pharmacy service error: 400 (Not enough stock)", err.Error())
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusNotFound)

	c, breakers := newTestClient(t, "radiology", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	rad := NewRadiology(c)
	ctx := context.Background()

	// Client errors never trip the breaker.
	for i := 0; i < 4; i++ {
		_, err := rad.Orders(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breakers.GetHealthStatus()[0].State)

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 5; i++ {
		_, err := rad.Orders(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, int32(9), calls.Load())

	orders, err := rad.Orders(ctx)
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsOpenError(err))
	assert.Contains(t, err.Error(), "Radiology service unavailable")
	assert.Empty(t, orders)
	assert.Equal(t, int32(9), calls.Load())

	health := breakers.GetHealthStatus()
	require.Len(t, health, 1)
	assert.Equal(t, circuitbreaker.StateOpen, health[0].State)
}

func TestTransportError(t *testing.T) {
	breakers := circuitbreaker.NewManager(nil)
	c, err := NewClient(Config{Name: "pharmacy", BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, breakers, nil, nil)
	require.NoError(t, err)

	meds, err := NewPharmacy(c).Medications(context.Background())
	require.Error(t, err)
	assert.Empty(t, meds)
	assert.False(t, IsStatus(err, http.StatusInternalServerError))
}

func TestCompleteOrderBody(t *testing.T) {
	var bodies []map[string]string
	c, _ := newTestClient(t, "radiology", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.Write([]byte(`{"message":"order completed"}`))
	}))
	rad := NewRadiology(c)

	report := "No fracture"
	require.NoError(t, rad.CompleteOrder(context.Background(), 4, &report))
	require.NoError(t, rad.CompleteOrder(context.Background(), 4, nil))

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]string{"report": "No fracture"}, bodies[0])
	assert.Empty(t, bodies[1])
}
