package storefront

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/backend"
	"github.com/dluong/bloomshop/internal/checkout"
	"github.com/dluong/bloomshop/internal/circuitbreaker"
	"github.com/dluong/bloomshop/pkg/models"
)

// Handler is the session-cookie facade over the per-session cart store and
// backend client.
type Handler struct {
	sessions *Manager
	logger   *logrus.Logger
}

func NewHandler(sessions *Manager, logger *logrus.Logger) *Handler {
	return &Handler{sessions: sessions, logger: logger}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	r.HandleFunc("/cart", h.GetCart).Methods(http.MethodGet)
	r.HandleFunc("/cart/items", h.AddItem).Methods(http.MethodPost)
	r.HandleFunc("/cart/items/{id}", h.UpdateQuantity).Methods(http.MethodPut)
	r.HandleFunc("/cart/items/{id}", h.RemoveItem).Methods(http.MethodDelete)

	r.HandleFunc("/checkout", h.Checkout).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.MyOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods(http.MethodPost)

	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)
	h.respondCart(w, sess)
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	var req struct {
		Product  models.Product `json:"product"`
		Quantity int            `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Product.ID == "" {
		h.respondWithError(w, http.StatusBadRequest, "product id is required")
		return
	}

	if err := sess.Cart.AddItem(req.Product, req.Quantity); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondCart(w, sess)
}

func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := sess.Cart.UpdateQuantity(mux.Vars(r)["id"], req.Quantity); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondCart(w, sess)
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)
	sess.Cart.RemoveItem(mux.Vars(r)["id"])
	h.respondCart(w, sess)
}

// Checkout freezes the cart into an attempt and submits it. The cart is only
// cleared after the backend confirms the order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	var req struct {
		CustomerInfo  models.CustomerInfo  `json:"customer_info"`
		PaymentMethod models.PaymentMethod `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	attempt, err := sess.Checkout.NewAttempt(sess.Cart.Items(), req.CustomerInfo, req.PaymentMethod)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderNumber, err := attempt.Submit(r.Context())
	if err != nil {
		h.respondBackendError(w, err)
		return
	}

	sess.Cart.Clear()

	h.respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"order_number": orderNumber,
	})
}

func (h *Handler) MyOrders(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	orders, err := sess.Client.MyOrders(r.Context())
	if err != nil {
		h.respondBackendError(w, err)
		return
	}

	type orderView struct {
		models.Order
		Display models.DisplayState `json:"display_state"`
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{
			Order:   o,
			Display: o.Status.Display(o.PaymentMethod),
		})
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  views,
		"count":   len(views),
	})
}

// CancelOrder is the one transition a buyer may request. The shared state
// machine rejects it locally when the order is already terminal.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)
	orderID := mux.Vars(r)["id"]

	orders, err := sess.Client.MyOrders(r.Context())
	if err != nil {
		h.respondBackendError(w, err)
		return
	}

	var order *models.Order
	for i := range orders {
		if orders[i].ID == orderID {
			order = &orders[i]
			break
		}
	}
	if order == nil {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}

	if err := sess.Checkout.UpdateStatus(r.Context(), order, models.StatusCancelled); err != nil {
		if errors.Is(err, checkout.ErrInvalidTransition) {
			h.respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.respondBackendError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

// Login signs the session in and hydrates the local cart from the server copy.
// A hydration failure is logged but does not fail the login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := sess.Client.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondBackendError(w, err)
		return
	}

	if items, err := sess.Client.GetCart(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Cart hydration failed, keeping local cart")
	} else if len(items) > 0 {
		sess.Cart.Replace(items)
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    user,
	})
}

// Logout revokes the backend session and empties the cart. Local state is
// cleared even when the revoke call fails.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session(w, r)

	if err := sess.Client.Logout(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Backend logout failed")
	}
	sess.Cart.Clear()

	h.respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "storefront",
		"sessions": h.sessions.Count(),
	})
}

func (h *Handler) respondCart(w http.ResponseWriter, sess *Session) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"items":        sess.Cart.Items(),
		"total_items":  sess.Cart.TotalItems(),
		"total_amount": sess.Cart.TotalAmount(),
	})
}

// respondBackendError maps client-side failures onto the facade's responses:
// an expired session is a 401, an open breaker a 503, a backend business
// rejection keeps its status and message verbatim.
func (h *Handler) respondBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, backend.ErrSessionExpired) {
		h.respondWithError(w, http.StatusUnauthorized, "session expired, sign in again")
		return
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		h.respondWithError(w, http.StatusServiceUnavailable, "backend temporarily unavailable")
		return
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		h.respondWithError(w, apiErr.StatusCode, apiErr.Message)
		return
	}

	h.logger.WithError(err).Error("Backend call failed")
	h.respondWithError(w, http.StatusBadGateway, "backend request failed")
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
