package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/events"
)

// EventRecorder is the audit sink the worker writes to.
type EventRecorder interface {
	RecordOrderEvent(ctx context.Context, orderID, eventType string, payload interface{}) error
}

// AuditWorker consumes order lifecycle events and appends them to the
// order_events audit trail. It is deliberately dumb: the order row itself is
// owned by the order service, the worker only keeps history.
type AuditWorker struct {
	recorder EventRecorder
	timeout  time.Duration
	logger   *logrus.Logger
}

func NewAuditWorker(recorder EventRecorder, logger *logrus.Logger) *AuditWorker {
	return &AuditWorker{
		recorder: recorder,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

func (w *AuditWorker) HandleOrderCreated(event events.OrderCreatedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.recorder.RecordOrderEvent(ctx, event.OrderID, events.OrderCreatedTopic, event); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"order_id":     event.OrderID,
		"order_number": event.OrderNumber,
		"total_amount": event.TotalAmount,
	}).Info("Recorded order created event")
	return nil
}

func (w *AuditWorker) HandleStatusChanged(event events.OrderStatusChangedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.recorder.RecordOrderEvent(ctx, event.OrderID, events.OrderStatusChangedTopic, event); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"from":     event.From,
		"to":       event.To,
	}).Info("Recorded status change event")
	return nil
}

// IsRetryable classifies persistence failures. Connectivity problems are
// worth a backoff retry; anything the database rejected outright will be
// rejected again, so it goes to the DLQ.
func (w *AuditWorker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exceptions, class 53: insufficient resources,
		// class 57: operator intervention (shutdown, restart)
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return true
		}
		return false
	}

	var jsonErr *json.UnsupportedTypeError
	if errors.As(err, &jsonErr) {
		return false
	}

	// unknown failure: retry, the DLQ still catches persistent ones
	return true
}
