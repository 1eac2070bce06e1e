package events

import (
	"time"

	"github.com/dluong/bloomshop/pkg/models"
)

const (
	OrderCreatedTopic       = "order.created"
	OrderStatusChangedTopic = "order.status-changed"
	OrderEventsDLQTopic     = "order.events.dlq"
)

type OrderCreatedEvent struct {
	OrderID       string               `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	CustomerID    string               `json:"customer_id"`
	TotalAmount   int64                `json:"total_amount"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	CreatedAt     time.Time            `json:"created_at"`
	EventTime     time.Time            `json:"event_time"`
}

type OrderStatusChangedEvent struct {
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	From        models.OrderStatus `json:"from"`
	To          models.OrderStatus `json:"to"`
	ChangedBy   string             `json:"changed_by"`
	EventTime   time.Time          `json:"event_time"`
}
