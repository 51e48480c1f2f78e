// Package radiology implements imaging orders and their completion.
package radiology

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("order not found")

// Status represents order status
type Status string

const (
	StatusOrdered   Status = "ordered"
	StatusCompleted Status = "completed"
)

// Order is an imaging order. Modality is free text (X-ray, CT, MRI, ...).
type Order struct {
	ID          int64     `json:"id"`
	PatientName string    `json:"patient_name"`
	Modality    string    `json:"modality"`
	BodyPart    *string   `json:"body_part"`
	Status      Status    `json:"status"`
	Report      *string   `json:"report"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewOrder is the input of an imaging order.
type NewOrder struct {
	PatientName string  `json:"patient_name"`
	Modality    string  `json:"modality"`
	BodyPart    *string `json:"body_part"`
}
