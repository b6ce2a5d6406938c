package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/oficina99/service-order-system/order-service/application"
	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// OrderHandlers contains service order HTTP handlers
type OrderHandlers struct {
	createOrder  *application.CreateOrder
	getOrder     *application.GetOrder
	listOrders   *application.ListOrders
	updateStatus *application.UpdateOrderStatus
	setTotal     *application.SetOrderTotal
	cancelOrder  *application.CancelOrder
	deleteOrder  *application.DeleteOrder
	logger       zerolog.Logger
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	createOrder *application.CreateOrder,
	getOrder *application.GetOrder,
	listOrders *application.ListOrders,
	updateStatus *application.UpdateOrderStatus,
	setTotal *application.SetOrderTotal,
	cancelOrder *application.CancelOrder,
	deleteOrder *application.DeleteOrder,
	logger zerolog.Logger,
) *OrderHandlers {
	return &OrderHandlers{
		createOrder:  createOrder,
		getOrder:     getOrder,
		listOrders:   listOrders,
		updateStatus: updateStatus,
		setTotal:     setTotal,
		cancelOrder:  cancelOrder,
		deleteOrder:  deleteOrder,
		logger:       logger.With().Str("handler", "http").Logger(),
	}
}

type orderResponse struct {
	ID          string                `json:"id"`
	CustomerID  string                `json:"customer_id"`
	VehicleID   string                `json:"vehicle_id"`
	Description string                `json:"description"`
	Status      string                `json:"status"`
	Total       models.Money          `json:"total"`
	FinalizedAt *time.Time            `json:"finalized_at,omitempty"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
	History     []domain.StatusChange `json:"history"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Version     int                   `json:"version"`
}

func toOrderResponse(order *domain.Order) *orderResponse {
	return &orderResponse{
		ID:          order.ID.String(),
		CustomerID:  order.CustomerID.String(),
		VehicleID:   order.VehicleID.String(),
		Description: order.Description,
		Status:      order.Status.String(),
		Total:       order.Total,
		FinalizedAt: order.FinalizedAt,
		DeliveredAt: order.DeliveredAt,
		History:     order.History,
		CreatedAt:   order.Timestamps.CreatedAt,
		UpdatedAt:   order.Timestamps.UpdatedAt,
		Version:     order.Version.Value,
	}
}

// CreateOrder handles order creation requests
func (h *OrderHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID  string `json:"customer_id"`
		VehicleID   string `json:"vehicle_id"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	customerID, err := models.NewID(req.CustomerID)
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "customer_id must be a UUID")
		return
	}

	vehicleID, err := models.NewID(req.VehicleID)
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "vehicle_id must be a UUID")
		return
	}

	order, err := h.createOrder.Execute(r.Context(), &application.CreateOrderCommand{
		CustomerID:  customerID,
		VehicleID:   vehicleID,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder handles order retrieval requests
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.getOrder.Execute(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListOrders handles order listing, optionally filtered by status
func (h *OrderHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []*domain.Order
		err    error
	)

	if status := r.URL.Query().Get("status"); status != "" {
		orders, err = h.listOrders.ExecuteByStatus(r.Context(), domain.Status(status))
	} else {
		orders, err = h.listOrders.Execute(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := make([]*orderResponse, len(orders))
	for i, order := range orders {
		response[i] = toOrderResponse(order)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// UpdateStatus handles status transition requests
func (h *OrderHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.updateStatus.Execute(r.Context(), &application.UpdateOrderStatusCommand{
		OrderID: id,
		Status:  domain.Status(req.Status),
		Note:    req.Note,
		Actor:   req.Actor,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// SetTotal handles order total updates
func (h *OrderHandlers) SetTotal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Currency == "" {
		req.Currency = "BRL"
	}

	order, err := h.setTotal.Execute(r.Context(), &application.SetOrderTotalCommand{
		OrderID: id,
		Total:   models.NewMoney(req.Amount, req.Currency),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CancelOrder handles operator-initiated cancellations
func (h *OrderHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.cancelOrder.Execute(r.Context(), &application.CancelOrderCommand{
		OrderID: id,
		Reason:  req.Reason,
		Actor:   req.Actor,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// DeleteOrder handles administrative order removal
func (h *OrderHandlers) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	if err := h.deleteOrder.Execute(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.Put("/{id}/status", h.UpdateStatus)
		r.Put("/{id}/total", h.SetTotal)
		r.Post("/{id}/cancel", h.CancelOrder)
		r.Delete("/{id}", h.DeleteOrder)
	})
}

func (h *OrderHandlers) orderID(w http.ResponseWriter, r *http.Request) (models.ID, bool) {
	id, err := models.NewID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "order id must be a UUID")
		return "", false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as a generic 500 so internals never leak.
func (h *OrderHandlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		h.writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		h.writeErrorMessage(w, http.StatusNotFound, err.Error())
	case domain.IsInvalidTransition(err):
		h.writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case domain.IsVersionConflict(err):
		h.writeErrorMessage(w, http.StatusConflict, "order was modified concurrently, retry the request")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		h.writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *OrderHandlers) writeErrorMessage(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *OrderHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
