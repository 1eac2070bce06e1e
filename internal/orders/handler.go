package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/authsvc"
	"github.com/dluong/bloomshop/internal/events"
	"github.com/dluong/bloomshop/internal/storage"
	"github.com/dluong/bloomshop/pkg/models"
)

// Storage is the slice of the database layer the handlers use.
type Storage interface {
	CreateOrder(ctx context.Context, order *models.Order, idempotencyKey string) (bool, error)
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error)
	TransitionStatus(ctx context.Context, orderID string, from, to models.OrderStatus) error
	GetCart(ctx context.Context, userID string) ([]models.CartItem, error)
	SaveCart(ctx context.Context, userID string, items []models.CartItem) error
}

// Publisher pushes lifecycle events to Kafka. Publish failures are logged,
// never bounced to the shopper: the order is already persisted.
type Publisher interface {
	PublishOrderCreated(event events.OrderCreatedEvent) error
	PublishStatusChanged(event events.OrderStatusChangedEvent) error
}

// LiveFeed mirrors lifecycle events to connected staff dashboards.
type LiveFeed interface {
	OrderCreated(order *models.Order)
	StatusChanged(order *models.Order, from models.OrderStatus)
}

type Handler struct {
	store     Storage
	publisher Publisher
	feed      LiveFeed
	logger    *logrus.Logger
}

func NewHandler(store Storage, publisher Publisher, logger *logrus.Logger) *Handler {
	return &Handler{store: store, publisher: publisher, logger: logger}
}

func (h *Handler) SetLiveFeed(feed LiveFeed) {
	h.feed = feed
}

// CreateOrder persists a checkout submission. The total is recomputed
// server-side and a mismatch is rejected; an Idempotency-Key seen before
// returns the order it created the first time.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.CustomerInfo.Name == "" || req.CustomerInfo.Phone == "" {
		h.respondWithError(w, http.StatusBadRequest, "customer name and phone are required")
		return
	}
	if len(req.Items) == 0 {
		h.respondWithError(w, http.StatusBadRequest, "order has no items")
		return
	}
	if !req.PaymentMethod.Valid() {
		h.respondWithError(w, http.StatusBadRequest, "unknown payment method")
		return
	}

	order := &models.Order{
		ID:            uuid.New().String(),
		CustomerID:    identity.UserID,
		CustomerName:  req.CustomerName,
		CustomerInfo:  req.CustomerInfo,
		Items:         req.Items,
		TotalAmount:   req.TotalAmount,
		PaymentMethod: req.PaymentMethod,
		Status:        models.StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if computed := order.ItemsTotal(); computed != req.TotalAmount {
		h.logger.WithFields(logrus.Fields{
			"submitted_total": req.TotalAmount,
			"computed_total":  computed,
		}).Warn("Rejected order with mismatched total")
		h.respondWithError(w, http.StatusBadRequest, "total_amount does not match items")
		return
	}

	created, err := h.store.CreateOrder(r.Context(), order, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to save order")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to save order")
		return
	}

	if !created {
		h.logger.WithField("order_number", order.OrderNumber).Info("Duplicate submission, returning existing order")
		h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
			Success:     true,
			Message:     "Order already created",
			OrderNumber: order.OrderNumber,
			Order:       order,
		})
		return
	}

	if err := h.publisher.PublishOrderCreated(events.OrderCreatedEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		CreatedAt:     order.CreatedAt,
	}); err != nil {
		h.logger.WithError(err).Error("Failed to publish order created event")
	}

	if h.feed != nil {
		h.feed.OrderCreated(order)
	}

	h.logger.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"order_number":   order.OrderNumber,
		"customer_id":    order.CustomerID,
		"total_amount":   order.TotalAmount,
		"payment_method": order.PaymentMethod,
	}).Info("Order created")

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success:     true,
		Message:     "Order created successfully",
		OrderNumber: order.OrderNumber,
		Order:       order,
	})
}

// UpdateOrderStatus transitions an order. The state machine is enforced here
// with the authoritative copy: an admin may apply any legal transition, a
// buyer may only cancel their own order.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	orderID := mux.Vars(r)["id"]

	var req struct {
		Status models.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		h.respondWithError(w, http.StatusBadRequest, "unknown status")
		return
	}

	order, err := h.store.GetOrderByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			h.respondWithError(w, http.StatusNotFound, "Order not found")
			return
		}
		h.logger.WithError(err).Error("Failed to load order")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load order")
		return
	}

	if !identity.IsAdmin() {
		if order.CustomerID != identity.UserID {
			h.respondWithError(w, http.StatusForbidden, "not your order")
			return
		}
		if req.Status != models.StatusCancelled {
			h.respondWithError(w, http.StatusForbidden, "buyers may only cancel orders")
			return
		}
	}

	from := order.Status
	if !from.CanTransitionTo(req.Status) {
		h.respondWithError(w, http.StatusConflict,
			"cannot change status from "+string(from)+" to "+string(req.Status))
		return
	}

	if err := h.store.TransitionStatus(r.Context(), orderID, from, req.Status); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			h.respondWithError(w, http.StatusConflict, "order status changed, reload and retry")
			return
		}
		h.logger.WithError(err).Error("Failed to update order status")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to update order status")
		return
	}

	order.Status = req.Status
	order.UpdatedAt = time.Now()

	if err := h.publisher.PublishStatusChanged(events.OrderStatusChangedEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		From:        from,
		To:          req.Status,
		ChangedBy:   identity.UserID,
	}); err != nil {
		h.logger.WithError(err).Error("Failed to publish status changed event")
	}

	if h.feed != nil {
		h.feed.StatusChanged(order, from)
	}

	h.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"from":       from,
		"to":         req.Status,
		"changed_by": identity.UserID,
	}).Info("Order status updated")

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
}

// MyOrders returns the calling buyer's history, newest first.
func (h *Handler) MyOrders(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	orders, err := h.store.ListOrdersByCustomer(r.Context(), identity.UserID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

// ListOrders is the admin back-office view of every order.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !identity.IsAdmin() {
		h.respondWithError(w, http.StatusForbidden, "admin only")
		return
	}

	orders, err := h.store.ListOrders(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

// GetCart returns the caller's server-side cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	items, err := h.store.GetCart(r.Context(), identity.UserID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load cart")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load cart")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.CartResponse{Success: true, Data: items})
}

// PutCart overwrites the caller's server-side cart wholesale.
func (h *Handler) PutCart(w http.ResponseWriter, r *http.Request) {
	identity := authsvc.IdentityFrom(r.Context())
	if identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Items []models.CartItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for _, item := range req.Items {
		if item.Quantity < 1 {
			h.respondWithError(w, http.StatusBadRequest, "item quantity must be at least 1")
			return
		}
	}

	if err := h.store.SaveCart(r.Context(), identity.UserID, req.Items); err != nil {
		h.logger.WithError(err).Error("Failed to save cart")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to save cart")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-service",
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
