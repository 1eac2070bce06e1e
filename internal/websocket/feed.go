package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Staff dashboards connect cross-origin in development.
		return true
	},
}

// OrderEvent is what subscribers see for every order created or transitioned.
type OrderEvent struct {
	Type        string              `json:"type"`
	OrderID     string              `json:"order_id"`
	OrderNumber string              `json:"order_number"`
	Status      models.OrderStatus  `json:"status,omitempty"`
	From        models.OrderStatus  `json:"from,omitempty"`
	TotalAmount int64               `json:"total_amount,omitempty"`
	Display     models.DisplayState `json:"display,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan OrderEvent
}

// Feed fans order lifecycle events out to connected staff clients. Slow
// clients are dropped rather than allowed to stall the broadcast loop.
type Feed struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan OrderEvent
	register   chan *client
	unregister chan *client
	logger     *logrus.Logger
}

func NewFeed(logger *logrus.Logger) *Feed {
	return &Feed{
		clients:    make(map[*client]bool),
		broadcast:  make(chan OrderEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
	}
}

func (f *Feed) Run() {
	for {
		select {
		case c := <-f.register:
			f.mu.Lock()
			f.clients[c] = true
			count := len(f.clients)
			f.mu.Unlock()
			f.logger.WithField("client_count", count).Info("Order feed client connected")

		case c := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}
			count := len(f.clients)
			f.mu.Unlock()
			f.logger.WithField("client_count", count).Info("Order feed client disconnected")

		case event := <-f.broadcast:
			f.mu.Lock()
			for c := range f.clients {
				select {
				case c.send <- event:
				default:
					delete(f.clients, c)
					close(c.send)
				}
			}
			f.mu.Unlock()
		}
	}
}

// OrderCreated publishes a creation event; never blocks the caller.
func (f *Feed) OrderCreated(order *models.Order) {
	f.publish(OrderEvent{
		Type:        "order_created",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Display:     order.Status.Display(order.PaymentMethod),
		Timestamp:   time.Now().Format(time.RFC3339),
	})
}

// StatusChanged publishes a transition event; never blocks the caller.
func (f *Feed) StatusChanged(order *models.Order, from models.OrderStatus) {
	f.publish(OrderEvent{
		Type:        "order_status_changed",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		From:        from,
		Display:     order.Status.Display(order.PaymentMethod),
		Timestamp:   time.Now().Format(time.RFC3339),
	})
}

func (f *Feed) publish(event OrderEvent) {
	select {
	case f.broadcast <- event:
	default:
		f.logger.Warn("Order feed channel full, dropping event")
	}
}

// Handle upgrades the connection and pumps events to it.
func (f *Feed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	c := &client{conn: conn, send: make(chan OrderEvent, 64)}
	f.register <- c

	go f.writePump(c)
	go f.readPump(c)
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				f.logger.WithError(err).Debug("Failed to write order event")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to notice
// closed connections and unregister the client.
func (f *Feed) readPump(c *client) {
	defer func() {
		f.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
