package models

import (
	"time"
)

type PaymentMethod string

const (
	PaymentCOD  PaymentMethod = "cod"
	PaymentBank PaymentMethod = "bank"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentCOD || p == PaymentBank
}

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo is the single source of truth for the order state machine:
//
//	pending    -> processing | completed | cancelled
//	processing -> completed | cancelled
//	completed, cancelled: terminal
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusCancelled
	}
	return false
}

// DisplayState resolves the overload where a pending COD order means the
// courier is already on the road while a pending bank order is still waiting
// for the transfer. The wire status value stays unchanged.
type DisplayState string

const (
	DisplayAwaitingPayment DisplayState = "awaiting_payment"
	DisplayOutForDelivery  DisplayState = "out_for_delivery"
	DisplayProcessing      DisplayState = "processing"
	DisplayCompleted       DisplayState = "completed"
	DisplayCancelled       DisplayState = "cancelled"
)

func (s OrderStatus) Display(payment PaymentMethod) DisplayState {
	if s == StatusPending {
		if payment == PaymentCOD {
			return DisplayOutForDelivery
		}
		return DisplayAwaitingPayment
	}
	return DisplayState(s)
}

// CustomerInfo is the shipping snapshot captured at submission time. It is
// independent of any user profile record.
type CustomerInfo struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	Province string `json:"province"`
	District string `json:"district"`
	Ward     string `json:"ward"`
}

// OrderItem is a cart line frozen at submission time, decoupled from the live
// cart so later cart mutations cannot affect a submitted order.
type OrderItem struct {
	ProductID string `json:"product_id" db:"product_id"`
	Quantity  int    `json:"quantity" db:"quantity"`
	Price     int64  `json:"price" db:"price"`
}

type Order struct {
	ID            string        `json:"id"`
	OrderNumber   string        `json:"order_number"`
	CustomerID    string        `json:"customer_id,omitempty"`
	CustomerName  string        `json:"customer_name"`
	CustomerInfo  CustomerInfo  `json:"customer_info"`
	Items         []OrderItem   `json:"items"`
	TotalAmount   int64         `json:"total_amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Status        OrderStatus   `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ItemsTotal recomputes the order total from its lines. Creation must reject
// any submitted total_amount that disagrees with this.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Price * int64(item.Quantity)
	}
	return total
}

// CreateOrderRequest is the checkout submission payload. The client computes
// TotalAmount from the snapshot; the server recomputes and rejects a mismatch.
type CreateOrderRequest struct {
	CustomerName  string        `json:"customer_name"`
	TotalAmount   int64         `json:"total_amount"`
	Status        OrderStatus   `json:"status"`
	CustomerInfo  CustomerInfo  `json:"customer_info"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Items         []OrderItem   `json:"items"`
}

type OrderResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	Order       *Order `json:"order,omitempty"`
}
