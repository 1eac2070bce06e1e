package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/pkg/models"
)

var (
	ErrMissingName       = errors.New("customer name is required")
	ErrMissingPhone      = errors.New("customer phone is required")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidPayment    = errors.New("unknown payment method")
	ErrInvalidTransition = errors.New("order status transition not allowed")
)

// OrderAPI is the slice of the backend client checkout needs.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest, idempotencyKey string) (*models.OrderResponse, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

type Service struct {
	api    OrderAPI
	logger *logrus.Logger
}

func NewService(api OrderAPI, logger *logrus.Logger) *Service {
	return &Service{api: api, logger: logger}
}

// Attempt is one checkout try. The cart snapshot, shipping details and total
// are frozen at construction, and the idempotency key is generated once, so
// resubmitting the same attempt after a timeout cannot create a second order.
type Attempt struct {
	service        *Service
	request        models.CreateOrderRequest
	idempotencyKey string
}

// NewAttempt validates the shipping details and freezes the cart snapshot into
// an order request. Validation failures happen before any network call.
func (s *Service) NewAttempt(items []models.CartItem, info models.CustomerInfo, payment models.PaymentMethod) (*Attempt, error) {
	if info.Name == "" {
		return nil, ErrMissingName
	}
	if info.Phone == "" {
		return nil, ErrMissingPhone
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if !payment.Valid() {
		return nil, ErrInvalidPayment
	}

	orderItems := make([]models.OrderItem, 0, len(items))
	var total int64
	for _, item := range items {
		orderItems = append(orderItems, models.OrderItem{
			ProductID: item.Product.ID,
			Quantity:  item.Quantity,
			Price:     item.Product.Price,
		})
		total += item.Subtotal()
	}

	return &Attempt{
		service: s,
		request: models.CreateOrderRequest{
			CustomerName:  info.Name,
			TotalAmount:   total,
			Status:        models.StatusPending,
			CustomerInfo:  info,
			PaymentMethod: payment,
			Items:         orderItems,
		},
		idempotencyKey: uuid.New().String(),
	}, nil
}

// IdempotencyKey identifies this checkout attempt across retries.
func (a *Attempt) IdempotencyKey() string {
	return a.idempotencyKey
}

// Total is the frozen amount this attempt will submit.
func (a *Attempt) Total() int64 {
	return a.request.TotalAmount
}

// Submit sends the order. On failure the caller's cart is untouched and the
// same attempt can be submitted again with the same idempotency key.
func (a *Attempt) Submit(ctx context.Context) (string, error) {
	resp, err := a.service.api.CreateOrder(ctx, a.request, a.idempotencyKey)
	if err != nil {
		a.service.logger.WithError(err).Warn("Order submission failed")
		return "", fmt.Errorf("failed to submit order: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("order rejected: %s", resp.Message)
	}

	a.service.logger.WithFields(logrus.Fields{
		"order_number":   resp.OrderNumber,
		"total_amount":   a.request.TotalAmount,
		"payment_method": a.request.PaymentMethod,
		"items":          len(a.request.Items),
	}).Info("Order submitted")

	return resp.OrderNumber, nil
}

// UpdateStatus guards the transition with the shared state machine before
// asking the backend, which enforces it again with the authoritative copy.
func (s *Service) UpdateStatus(ctx context.Context, order *models.Order, next models.OrderStatus) error {
	if !next.Valid() {
		return ErrInvalidTransition
	}
	if !order.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	if err := s.api.UpdateOrderStatus(ctx, order.ID, next); err != nil {
		return err
	}

	order.Status = next
	s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   next,
	}).Info("Order status updated")
	return nil
}
