package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
)

// RadiologyHandler handles imaging order endpoints
type RadiologyHandler struct {
	repo   *radiology.Repository
	logger *zap.Logger
}

// NewRadiologyHandler creates a new handler
func NewRadiologyHandler(repo *radiology.Repository, logger *zap.Logger) *RadiologyHandler {
	return &RadiologyHandler{repo: repo, logger: nopIfNil(logger)}
}

// Routes returns the handler routes
func (h *RadiologyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders", h.ListOrders)
	r.Put("/orders/{id}/complete", h.Complete)
	return r
}

// CreateOrder handles POST /orders
func (h *RadiologyHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in radiology.NewOrder
	if err := render.Decode(r, &in, "patient_name", "modality"); err != nil {
		render.DecodeError(w, err)
		return
	}

	order, err := h.repo.CreateOrder(r.Context(), in)
	if err != nil {
		serverError(w, r, h.logger, "failed to create order", err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"message": "order created", "id": order.ID})
}

// CompleteRequest is the optional body of an order completion.
type CompleteRequest struct {
	Report *string `json:"report"`
}

// Complete handles PUT /orders/{id}/complete. Without a report the stored
// one is kept.
func (h *RadiologyHandler) Complete(w http.ResponseWriter, r *http.Request) {
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

	err := h.repo.Complete(r.Context(), id, req.Report)
	if errors.Is(err, radiology.ErrNotFound) {
		render.Error(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		serverError(w, r, h.logger, "failed to complete order", err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]string{"message": "order completed"})
}

// ListOrders handles GET /orders
func (h *RadiologyHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.ListOrders(r.Context())
	if err != nil {
		serverError(w, r, h.logger, "failed to list orders", err)
		return
	}
	render.JSON(w, http.StatusOK, orders)
}
