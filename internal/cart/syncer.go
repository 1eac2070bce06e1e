package cart

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/pkg/models"
)

// Backend is the slice of the API client the syncer needs.
type Backend interface {
	PutCart(ctx context.Context, items []models.CartItem) error
}

const pushTimeout = 10 * time.Second

// Syncer serializes cart pushes through a single worker goroutine. A burst of
// rapid mutations collapses into one push carrying the latest snapshot: the
// pending slot holds at most one snapshot and a newer one displaces it. Only
// eventual convergence is promised; intermediate server states may be stale.
//
// Push failures never reach the mutating caller. They are logged and handed to
// the optional error callback, and the next mutation simply tries again.
type Syncer struct {
	backend Backend
	logger  *logrus.Logger
	pending chan []models.CartItem
	onError func(error)
}

func NewSyncer(backend Backend, logger *logrus.Logger) *Syncer {
	return &Syncer{
		backend: backend,
		logger:  logger,
		pending: make(chan []models.CartItem, 1),
	}
}

// SetOnError registers the notification callback for failed pushes.
func (s *Syncer) SetOnError(fn func(error)) {
	s.onError = fn
}

// Enqueue schedules a push of the given snapshot, replacing any snapshot that
// is still waiting. It never blocks.
func (s *Syncer) Enqueue(items []models.CartItem) {
	for {
		select {
		case s.pending <- items:
			return
		default:
			// Drop the stale snapshot and retry with the fresh one.
			select {
			case <-s.pending:
			default:
			}
		}
	}
}

// Run pushes snapshots until the context is cancelled. Callers run it in its
// own goroutine, one per session.
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-s.pending:
			s.push(ctx, snapshot)
		}
	}
}

func (s *Syncer) push(ctx context.Context, snapshot []models.CartItem) {
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	if err := s.backend.PutCart(pushCtx, snapshot); err != nil {
		s.logger.WithError(err).WithField("items", len(snapshot)).Warn("Cart sync failed")
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	s.logger.WithField("items", len(snapshot)).Debug("Cart synced to backend")
}
