package cart

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/pkg/models"
)

var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// Store holds what one shopper intends to buy. It is an explicit state
// container rather than a process-wide singleton: every session owns its own
// instance, and tests can run as many as they like side by side.
//
// Mutations merge lines by product id, so the cart never carries two lines for
// the same product. The minimum-quantity invariant is enforced here, not left
// to callers.
type Store struct {
	mu       sync.RWMutex
	items    []models.CartItem
	onChange func([]models.CartItem)
	logger   *logrus.Logger
}

func NewStore(logger *logrus.Logger) *Store {
	return &Store{logger: logger}
}

// SetOnChange registers the hook invoked with a snapshot on every mutation
// that should reach the backend. Clear and Replace do not trigger it.
//
// The hook runs under the store's lock so snapshots are delivered in mutation
// order and the newest delivery is always the newest state. It must not block
// and must not call back into the store; Syncer.Enqueue satisfies both.
func (s *Store) SetOnChange(fn func([]models.CartItem)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// AddItem merges quantity into the existing line for the product, or appends a
// new line with a freshly generated line id. The backend push is scheduled,
// never awaited.
func (s *Store) AddItem(product models.Product, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	merged := false
	for i := range s.items {
		if s.items[i].Product.ID == product.ID {
			s.items[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		s.items = append(s.items, models.CartItem{
			ID:       uuid.New().String(),
			Product:  product,
			Quantity: quantity,
		})
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"product_id": product.ID,
		"quantity":   quantity,
		"merged":     merged,
	}).Debug("Cart item added")

	return nil
}

// RemoveItem deletes the line with the given id. Removing an unknown id is a
// no-op, not an error.
func (s *Store) RemoveItem(lineID string) {
	s.mu.Lock()
	removed := false
	for i := range s.items {
		if s.items[i].ID == lineID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// UpdateQuantity sets the quantity of an existing line. Quantities below 1 are
// rejected here so no caller can corrupt cart state. Unknown line ids are a
// no-op.
func (s *Store) UpdateQuantity(lineID string, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	updated := false
	for i := range s.items {
		if s.items[i].ID == lineID {
			s.items[i].Quantity = quantity
			updated = true
			break
		}
	}
	if updated {
		s.notifyLocked()
	}
	s.mu.Unlock()
	return nil
}

// Clear empties the cart synchronously with no backend call. Used on logout,
// where the server copy is either already synced or intentionally abandoned.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

// Replace swaps local state wholesale for the server's cart representation.
// Used once at session start; does not echo a push back to the backend.
func (s *Store) Replace(items []models.CartItem) {
	s.mu.Lock()
	s.items = append([]models.CartItem(nil), items...)
	s.mu.Unlock()
}

// Items returns a copy of the current lines in insertion order.
func (s *Store) Items() []models.CartItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CartItem(nil), s.items...)
}

func (s *Store) TotalItems() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, item := range s.items {
		total += item.Quantity
	}
	return total
}

func (s *Store) TotalAmount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, item := range s.items {
		total += item.Subtotal()
	}
	return total
}

// notifyLocked hands the hook a copy of the current lines. Called with the
// lock held, which is what keeps concurrent mutations from delivering their
// snapshots out of order.
func (s *Store) notifyLocked() {
	if s.onChange != nil {
		s.onChange(append([]models.CartItem(nil), s.items...))
	}
}
