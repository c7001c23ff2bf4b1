package db

import (
	"context"
	"fmt"

	"github.com/trademonitor/order-engine/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// RecordSubmission persists the outcome of one matching pass in a single
// transaction: the incoming order, the trades it produced, and the new state
// of the resting orders it consumed. Either everything commits or nothing
// does.
func (db *DB) RecordSubmission(ctx context.Context, incoming models.Order, trades []models.Trade, resting []models.Order) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO orders (id, user_id, side, instrument, price, quantity, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		incoming.ID, incoming.UserID, incoming.Side, incoming.Instrument, incoming.Price, incoming.Quantity, incoming.Status, incoming.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, o := range resting {
		tag, err := tx.Exec(ctx,
			"UPDATE orders SET quantity = $1, status = $2 WHERE id = $3",
			o.Quantity, o.Status, o.ID)
		if err != nil {
			return fmt.Errorf("failed to update order %s: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resting order %s not found", o.ID)
		}
	}

	for _, t := range trades {
		_, err := tx.Exec(ctx,
			"INSERT INTO trades (id, buy_order_id, sell_order_id, instrument, price, quantity, executed_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			t.ID, t.BuyOrderID, t.SellOrderID, t.Instrument, t.Price, t.Quantity, t.ExecutedAt)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecentTrades retrieves up to limit trades, most recent first.
func (db *DB) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, instrument, price, quantity, executed_at
		FROM trades
		ORDER BY executed_at DESC, seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Instrument, &t.Price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

// OpenOrders retrieves all OPEN and PARTIAL orders, oldest first, so that
// re-registering them in order reproduces the book's time priority.
func (db *DB) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, side, instrument, price, quantity, status, created_at
		FROM orders
		WHERE status IN ('OPEN', 'PARTIAL')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// OrdersByStatus retrieves all orders in one lifecycle state, oldest first.
func (db *DB) OrdersByStatus(ctx context.Context, status models.Status) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, side, instrument, price, quantity, status, created_at
		FROM orders
		WHERE status = $1
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders by status: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Instrument, &o.Price, &o.Quantity, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
