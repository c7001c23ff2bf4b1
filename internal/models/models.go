package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status of an order. Transitions are monotone:
// OPEN -> PARTIAL* -> FILLED, or OPEN -> CANCELLED. FILLED and CANCELLED
// are terminal.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// PricePlaces is the fixed number of fractional digits carried by limit and
// execution prices.
const PricePlaces = 4

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order represents a standing instruction to buy or sell a fixed quantity of
// an instrument at a limit price. Quantity decreases as fills occur.
type Order struct {
	ID         string          `json:"id"`
	UserID     int             `json:"user_id"`
	Side       Side            `json:"side"`
	Instrument string          `json:"instrument"` // e.g. "US-10Y-BOND"
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"` // time priority key
}

// Trade represents one executed match between a buy order and a sell order.
// Immutable once created.
type Trade struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Instrument  string          `json:"instrument"`
	Price       decimal.Decimal `json:"price"` // resting order's limit price
	Quantity    int64           `json:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
