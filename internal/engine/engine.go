package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trademonitor/order-engine/internal/book"
	"github.com/trademonitor/order-engine/internal/models"
)

var (
	// ErrInvalidArgument rejects a malformed query parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistence wraps a failure of the storage collaborator. The
	// submission it interrupted has no visible effect on the book.
	ErrPersistence = errors.New("persistence error")

	// ErrMatchingFailure covers any other failure during a matching pass.
	ErrMatchingFailure = errors.New("matching failure")
)

// Store durably records orders and trades.
type Store interface {
	// RecordSubmission persists the outcome of one matching pass
	// atomically: the incoming order in its final state, the trades
	// produced, and the resting orders they consumed.
	RecordSubmission(ctx context.Context, incoming models.Order, trades []models.Trade, resting []models.Order) error

	// RecentTrades returns up to limit trades, most recent first.
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)

	// OpenOrders returns all OPEN and PARTIAL orders, oldest first.
	OpenOrders(ctx context.Context) ([]models.Order, error)
}

// Observer receives engine telemetry. Implementations must be safe for
// concurrent use; matching correctness never depends on an observer.
type Observer interface {
	OrderReceived()
	OrderMatched() // one call per trade produced
	ErrorOccurred()
	MatchObserved(d time.Duration)
	DepthChanged(open int)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) OrderReceived()              {}
func (NopObserver) OrderMatched()               {}
func (NopObserver) ErrorOccurred()              {}
func (NopObserver) MatchObserved(time.Duration) {}
func (NopObserver) DepthChanged(int)            {}

// Engine is the entry point for order submission and queries. It owns the
// in-memory order book and serializes matching per instrument: submissions
// for the same instrument run one at a time, submissions for different
// instruments may run in parallel.
type Engine struct {
	store Store
	obs   Observer
	book  *book.Book

	lanesMu sync.Mutex
	lanes   map[string]*sync.Mutex
}

// New creates an engine backed by the given store. A nil observer disables
// telemetry.
func New(store Store, obs Observer) *Engine {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Engine{
		store: store,
		obs:   obs,
		book:  book.New(),
		lanes: make(map[string]*sync.Mutex),
	}
}

// Restore loads all open orders from the store into the book, oldest first,
// so resting liquidity survives a restart. Call before serving submissions.
func (e *Engine) Restore(ctx context.Context) error {
	orders, err := e.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, o := range orders {
		if err := e.book.Register(o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
	}
	e.obs.DepthChanged(e.book.Len())
	return nil
}

// SubmitOrder validates and registers an incoming order, matches it against
// the book, and returns the order in its final state together with the
// trades produced.
//
// The operation is atomic: the book mutations and the persisted rows become
// visible together, and on any failure the submission has no effect.
func (e *Engine) SubmitOrder(ctx context.Context, o models.Order) (models.Order, []models.Trade, error) {
	e.obs.OrderReceived()

	o.ID = uuid.NewString()
	o.Status = models.StatusOpen
	o.CreatedAt = time.Now().UTC()
	o.Price = o.Price.Round(models.PricePlaces)

	if err := book.Validate(o); err != nil {
		e.obs.ErrorOccurred()
		return models.Order{}, nil, err
	}

	lane := e.lane(o.Instrument)
	lane.Lock()
	defer lane.Unlock()

	start := time.Now()

	// Plan the pass against a snapshot of eligible resting orders. Nothing
	// is mutated until the whole plan has been durably recorded, so a
	// storage failure leaves the book exactly as it was.
	trades, fills, resting := e.plan(&o)

	if err := e.store.RecordSubmission(ctx, o, trades, resting); err != nil {
		e.obs.ErrorOccurred()
		return models.Order{}, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := e.apply(o, fills); err != nil {
		// The store already committed this submission; the book refusing the
		// plan means store and book now disagree and need reconciling from
		// the persisted orders. The lane lock makes the plan valid by
		// construction, so this path is never expected to run.
		log.Printf("submission %s committed to store but rejected by book: %v", o.ID, err)
		e.obs.ErrorOccurred()
		return models.Order{}, nil, fmt.Errorf("%w: %v", ErrMatchingFailure, err)
	}

	e.obs.MatchObserved(time.Since(start))
	for range trades {
		e.obs.OrderMatched()
	}
	e.obs.DepthChanged(e.book.Len())

	return o, trades, nil
}

// plan walks the eligible candidates in price-time priority and computes the
// trades, the fills to apply to the book, and the final state of every
// resting order touched. The incoming order is updated in place to its final
// quantity and status.
func (e *Engine) plan(incoming *models.Order) ([]models.Trade, []book.Fill, []models.Order) {
	var (
		trades  []models.Trade
		fills   []book.Fill
		resting []models.Order
	)

	remaining := incoming.Quantity
	now := time.Now().UTC()

	for _, c := range e.book.Candidates(incoming.Instrument, incoming.Side, incoming.Price) {
		if remaining == 0 {
			break
		}
		qty := min(remaining, c.Quantity)

		buyID, sellID := incoming.ID, c.ID
		if incoming.Side == models.SideSell {
			buyID, sellID = c.ID, incoming.ID
		}

		// Price-time priority: the resting order sets the execution price.
		trades = append(trades, models.Trade{
			ID:          uuid.NewString(),
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Instrument:  incoming.Instrument,
			Price:       c.Price,
			Quantity:    qty,
			ExecutedAt:  now,
		})
		fills = append(fills, book.Fill{OrderID: c.ID, Qty: qty})

		remaining -= qty
		c.Quantity -= qty
		if c.Quantity == 0 {
			c.Status = models.StatusFilled
		} else {
			c.Status = models.StatusPartial
		}
		resting = append(resting, c)
	}

	switch {
	case remaining == 0:
		incoming.Quantity = 0
		incoming.Status = models.StatusFilled
	case remaining < incoming.Quantity:
		incoming.Quantity = remaining
		incoming.Status = models.StatusPartial
	}
	return trades, fills, resting
}

// apply commits the plan to the book in one step: consume resting orders and
// place the incoming order if it still has quantity. The per-instrument lane
// guarantees the book has not moved since the plan was computed.
func (e *Engine) apply(incoming models.Order, fills []book.Fill) error {
	var rest *models.Order
	if !incoming.Status.Terminal() {
		rest = &incoming
	}
	return e.book.Apply(fills, rest)
}

// OpenOrders returns a snapshot of every OPEN and PARTIAL order across all
// instruments, in the book's priority-stable order.
func (e *Engine) OpenOrders() []models.Order {
	return e.book.Open()
}

// RecentTrades returns up to limit trades, most recent first. Limit must be
// at least 1.
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit < 1 {
		e.obs.ErrorOccurred()
		return nil, fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidArgument, limit)
	}
	trades, err := e.store.RecentTrades(ctx, limit)
	if err != nil {
		e.obs.ErrorOccurred()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return trades, nil
}

// Depth returns the number of active orders for one instrument.
func (e *Engine) Depth(instrument string) int {
	return e.book.Depth(instrument)
}

// lane returns the mutex serializing submissions for an instrument.
func (e *Engine) lane(instrument string) *sync.Mutex {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	mu, ok := e.lanes[instrument]
	if !ok {
		mu = &sync.Mutex{}
		e.lanes[instrument] = mu
	}
	return mu
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
