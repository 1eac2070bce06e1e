package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/pkg/models"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrStaleStatus   = errors.New("order status changed concurrently")
	ErrUserNotFound  = errors.New("user not found")
)

type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

func Open(dsn string, logger *logrus.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WaitReady pings until the database answers or attempts run out.
func (s *Store) WaitReady(attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.db.Ping(); err == nil {
			return nil
		}
		s.logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}
	return errors.Wrap(err, "database not ready")
}

func (s *Store) InitSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			full_name VARCHAR(255) NOT NULL DEFAULT '',
			phone VARCHAR(32) NOT NULL DEFAULT '',
			role VARCHAR(32) NOT NULL DEFAULT 'customer',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS carts (
			user_id VARCHAR(64) PRIMARY KEY,
			items JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			seq SERIAL UNIQUE,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			customer_id VARCHAR(64) NOT NULL DEFAULT '',
			customer_name VARCHAR(255) NOT NULL,
			customer_info JSONB NOT NULL DEFAULT '{}',
			total_amount BIGINT NOT NULL,
			payment_method VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL,
			idempotency_key VARCHAR(64) UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			product_id VARCHAR(64) NOT NULL,
			quantity INTEGER NOT NULL,
			price BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}

type orderRow struct {
	ID            string    `db:"id"`
	Seq           int64     `db:"seq"`
	OrderNumber   string    `db:"order_number"`
	CustomerID    string    `db:"customer_id"`
	CustomerName  string    `db:"customer_name"`
	CustomerInfo  []byte    `db:"customer_info"`
	TotalAmount   int64     `db:"total_amount"`
	PaymentMethod string    `db:"payment_method"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r orderRow) toOrder() (*models.Order, error) {
	order := &models.Order{
		ID:            r.ID,
		OrderNumber:   r.OrderNumber,
		CustomerID:    r.CustomerID,
		CustomerName:  r.CustomerName,
		TotalAmount:   r.TotalAmount,
		PaymentMethod: models.PaymentMethod(r.PaymentMethod),
		Status:        models.OrderStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.CustomerInfo) > 0 {
		if err := json.Unmarshal(r.CustomerInfo, &order.CustomerInfo); err != nil {
			return nil, errors.Wrap(err, "decode customer_info")
		}
	}
	return order, nil
}

// CreateOrder persists the order and its lines in one transaction and assigns
// the public order number from the insertion sequence. When the idempotency
// key was seen before, the previously created order is returned instead and
// created is false.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, idempotencyKey string) (created bool, err error) {
	if idempotencyKey != "" {
		existing, lookupErr := s.getOrderBy(ctx, "idempotency_key", idempotencyKey)
		if lookupErr == nil {
			*order = *existing
			return false, nil
		}
		if !errors.Is(lookupErr, ErrOrderNotFound) {
			return false, lookupErr
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	infoJSON, err := json.Marshal(order.CustomerInfo)
	if err != nil {
		return false, errors.Wrap(err, "encode customer_info")
	}

	var key interface{}
	if idempotencyKey != "" {
		key = idempotencyKey
	}

	// The id doubles as a placeholder order number so the unique constraint
	// holds between the insert and the numbering update below.
	var seq int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO orders (id, order_number, customer_id, customer_name, customer_info,
			total_amount, payment_method, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING seq
	`, order.ID, order.CustomerID, order.CustomerName, infoJSON,
		order.TotalAmount, order.PaymentMethod, order.Status, key, order.CreatedAt).Scan(&seq)
	if err != nil {
		// Two submissions with the same key can both miss the lookup above;
		// the unique constraint settles the race and the loser returns the
		// winner's order.
		if idempotencyKey != "" && isUniqueViolation(err, "orders_idempotency_key_key") {
			existing, lookupErr := s.getOrderBy(ctx, "idempotency_key", idempotencyKey)
			if lookupErr != nil {
				return false, lookupErr
			}
			*order = *existing
			return false, nil
		}
		return false, errors.Wrap(err, "insert order")
	}

	// Same numbering scheme the shop has always used on invoices.
	order.OrderNumber = fmt.Sprintf("DH%06d", seq)
	if _, err = tx.ExecContext(ctx,
		`UPDATE orders SET order_number = $1 WHERE id = $2`, order.OrderNumber, order.ID); err != nil {
		return false, errors.Wrap(err, "set order number")
	}

	for _, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
		`, order.ID, item.ProductID, item.Quantity, item.Price); err != nil {
			return false, errors.Wrap(err, "insert order item")
		}
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit order")
	}
	return true, nil
}

func (s *Store) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	return s.getOrderBy(ctx, "id", orderID)
}

func (s *Store) getOrderBy(ctx context.Context, column, value string) (*models.Order, error) {
	var row orderRow
	query := fmt.Sprintf(`
		SELECT id, seq, order_number, customer_id, customer_name, customer_info,
			total_amount, payment_method, status, created_at, updated_at
		FROM orders WHERE %s = $1
	`, column)
	if err := s.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}

	order, err := row.toOrder()
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) loadItems(ctx context.Context, order *models.Order) error {
	err := s.db.SelectContext(ctx, &order.Items, `
		SELECT product_id, quantity, price
		FROM order_items WHERE order_id = $1 ORDER BY id
	`, order.ID)
	return errors.Wrap(err, "load order items")
}

func (s *Store) listOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		order, err := row.toOrder()
		if err != nil {
			return nil, err
		}
		if err := s.loadItems(ctx, order); err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	return s.listOrders(ctx, `
		SELECT id, seq, order_number, customer_id, customer_name, customer_info,
			total_amount, payment_method, status, created_at, updated_at
		FROM orders ORDER BY created_at DESC
	`)
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	return s.listOrders(ctx, `
		SELECT id, seq, order_number, customer_id, customer_name, customer_info,
			total_amount, payment_method, status, created_at, updated_at
		FROM orders WHERE customer_id = $1 ORDER BY created_at DESC
	`, customerID)
}

// TransitionStatus applies from -> to only if the order still is in from.
// Zero rows means another writer won the race; the caller re-reads and
// re-validates against the fresh status.
func (s *Store) TransitionStatus(ctx context.Context, orderID string, from, to models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, orderID, from)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// GetCart returns the stored cart for a user; a user without a cart row gets
// an empty cart, not an error.
func (s *Store) GetCart(ctx context.Context, userID string) ([]models.CartItem, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT items FROM carts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.CartItem{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}

	items := []models.CartItem{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(err, "decode cart items")
	}
	return items, nil
}

// SaveCart overwrites the user's cart wholesale. Last writer wins.
func (s *Store) SaveCart(ctx context.Context, userID string, items []models.CartItem) error {
	if items == nil {
		items = []models.CartItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(err, "encode cart items")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO carts (user_id, items, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET items = EXCLUDED.items, updated_at = now()
	`, userID, raw)
	return errors.Wrap(err, "save cart")
}

// RecordOrderEvent appends one row to the audit trail the order worker keeps.
func (s *Store) RecordOrderEvent(ctx context.Context, orderID, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event payload")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_events (order_id, event_type, payload) VALUES ($1, $2, $3)
	`, orderID, eventType, raw)
	return errors.Wrap(err, "record order event")
}
