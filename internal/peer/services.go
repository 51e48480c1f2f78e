package peer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
)

// Set holds a client per peer service.
type Set struct {
	Coordinator *Client
	Emergency   *Emergency
	Pharmacy    *Pharmacy
	Radiology   *Radiology
	Breakers    *circuitbreaker.Manager
}

// NewSet builds the peer clients from the static configuration. The
// coordinator client, used for patient sync, gets the sync timeout; the
// department clients get the read timeout.
func NewSet(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Set, error) {
	breakers := circuitbreaker.NewManager(logger)
	build := func(name, url string, timeout time.Duration) (*Client, error) {
		return NewClient(Config{
			Name:           name,
			BaseURL:        url,
			Timeout:        timeout,
			BreakerTimeout: cfg.BreakerTimeout,
		}, breakers, m, logger)
	}

	coordinator, err := build(config.ServiceCoordinator, cfg.Peers.Coordinator, cfg.SyncTimeout)
	if err != nil {
		return nil, err
	}
	em, err := build(config.ServiceEmergency, cfg.Peers.Emergency, cfg.PeerReadTimeout)
	if err != nil {
		return nil, err
	}
	ph, err := build(config.ServicePharmacy, cfg.Peers.Pharmacy, cfg.PeerReadTimeout)
	if err != nil {
		return nil, err
	}
	ra, err := build(config.ServiceRadiology, cfg.Peers.Radiology, cfg.PeerReadTimeout)
	if err != nil {
		return nil, err
	}

	return &Set{
		Coordinator: coordinator,
		Emergency:   &Emergency{client: em},
		Pharmacy:    &Pharmacy{client: ph},
		Radiology:   &Radiology{client: ra},
		Breakers:    breakers,
	}, nil
}

// Emergency calls the emergency service.
type Emergency struct {
	client *Client
}

// NewEmergency wraps c.
func NewEmergency(c *Client) *Emergency { return &Emergency{client: c} }

// CreatePatient registers a patient; the emergency service syncs it back to
// the coordinator.
func (e *Emergency) CreatePatient(ctx context.Context, in emergency.NewPatient) (*emergency.Patient, error) {
	var out struct {
		Patient emergency.Patient `json:"patient"`
	}
	if err := e.client.Do(ctx, Request{Method: http.MethodPost, Path: "/patients", Body: in}, &out); err != nil {
		return nil, err
	}
	return &out.Patient, nil
}

// CreateVisit records an emergency visit.
func (e *Emergency) CreateVisit(ctx context.Context, in emergency.NewVisit) (*emergency.Visit, error) {
	var out struct {
		Visit emergency.Visit `json:"visit"`
	}
	if err := e.client.Do(ctx, Request{Method: http.MethodPost, Path: "/visits", Body: in}, &out); err != nil {
		return nil, err
	}
	return &out.Visit, nil
}

// Visits lists the visits of a department-local patient.
func (e *Emergency) Visits(ctx context.Context, localPatientID int64) ([]emergency.Visit, error) {
	visits := []emergency.Visit{}
	path := fmt.Sprintf("/patients/%d/visits", localPatientID)
	if err := e.client.Do(ctx, Request{Method: http.MethodGet, Path: path, Status: http.StatusOK}, &visits); err != nil {
		return []emergency.Visit{}, err
	}
	return visits, nil
}

// Pharmacy calls the pharmacy service.
type Pharmacy struct {
	client *Client
}

// NewPharmacy wraps c.
func NewPharmacy(c *Client) *Pharmacy { return &Pharmacy{client: c} }

type createdID struct {
	ID int64 `json:"id"`
}

func (p *Pharmacy) Medications(ctx context.Context) ([]pharmacy.Medication, error) {
	meds := []pharmacy.Medication{}
	if err := p.client.Do(ctx, Request{Method: http.MethodGet, Path: "/medications", Status: http.StatusOK}, &meds); err != nil {
		return []pharmacy.Medication{}, err
	}
	return meds, nil
}

func (p *Pharmacy) Prescriptions(ctx context.Context) ([]pharmacy.PrescriptionListing, error) {
	list := []pharmacy.PrescriptionListing{}
	if err := p.client.Do(ctx, Request{Method: http.MethodGet, Path: "/prescriptions", Status: http.StatusOK}, &list); err != nil {
		return []pharmacy.PrescriptionListing{}, err
	}
	return list, nil
}

func (p *Pharmacy) AddMedication(ctx context.Context, in pharmacy.NewMedication) (int64, error) {
	var out createdID
	err := p.client.Do(ctx, Request{Method: http.MethodPost, Path: "/medications", Body: in}, &out)
	return out.ID, err
}

func (p *Pharmacy) AddPrescription(ctx context.Context, in pharmacy.NewPrescription) (int64, error) {
	var out createdID
	err := p.client.Do(ctx, Request{Method: http.MethodPost, Path: "/prescriptions", Body: in}, &out)
	return out.ID, err
}

func (p *Pharmacy) Dispense(ctx context.Context, prescriptionID int64) error {
	path := fmt.Sprintf("/prescriptions/%d/dispense", prescriptionID)
	return p.client.Do(ctx, Request{Method: http.MethodPut, Path: path}, nil)
}

// Radiology calls the radiology service.
type Radiology struct {
	client *Client
}

// NewRadiology wraps c.
func NewRadiology(c *Client) *Radiology { return &Radiology{client: c} }

func (r *Radiology) Orders(ctx context.Context) ([]radiology.Order, error) {
	orders := []radiology.Order{}
	if err := r.client.Do(ctx, Request{Method: http.MethodGet, Path: "/orders", Status: http.StatusOK}, &orders); err != nil {
		return []radiology.Order{}, err
	}
	return orders, nil
}

func (r *Radiology) CreateOrder(ctx context.Context, in radiology.NewOrder) (int64, error) {
	var out createdID
	err := r.client.Do(ctx, Request{Method: http.MethodPost, Path: "/orders", Body: in}, &out)
	return out.ID, err
}

// CompleteOrder completes an order. A nil report keeps the stored one.
func (r *Radiology) CompleteOrder(ctx context.Context, orderID int64, report *string) error {
	body := map[string]string{}
	if report != nil {
		body["report"] = *report
	}
	path := fmt.Sprintf("/orders/%d/complete", orderID)
	return r.client.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, nil)
}
