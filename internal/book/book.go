package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/trademonitor/order-engine/internal/models"
)

// ErrInvalidOrder is returned when an order fails validation before
// registration. No book state changes when it is returned.
var ErrInvalidOrder = errors.New("invalid order")

// entry is a resting order together with its arrival sequence number, which
// breaks ties among orders at the same price.
type entry struct {
	order models.Order
	seq   uint64
}

// level is a FIFO queue of resting orders at a single price.
type level struct {
	price   decimal.Decimal
	entries []*entry
}

// sideLevels holds one side of one instrument. Bids are sorted descending by
// price, asks ascending, so the level at index 0 is always the best price
// available to an incoming order on the opposite side.
type sideLevels struct {
	levels     []*level
	descending bool
}

// instrumentBook is both sides of a single instrument.
type instrumentBook struct {
	bids *sideLevels
	asks *sideLevels
}

// Book holds all currently open (OPEN or PARTIAL) orders across instruments,
// partitioned by side and ordered by price-time priority.
//
// All methods are safe for concurrent use. The Book serializes access to its
// own state; serializing the matching passes themselves (one writer per
// instrument) is the engine's responsibility.
type Book struct {
	mu          sync.RWMutex
	instruments map[string]*instrumentBook
	byID        map[string]*entry
	seq         uint64
}

// New creates an empty order book.
func New() *Book {
	return &Book{
		instruments: make(map[string]*instrumentBook),
		byID:        make(map[string]*entry),
	}
}

// Register inserts an order into the book for its instrument and side.
// The order must be OPEN or PARTIAL with positive quantity and a
// non-negative price; anything else is rejected with ErrInvalidOrder.
// The book keeps its own copy of the order.
func (b *Book) Register(o models.Order) error {
	if err := Validate(o); err != nil {
		return err
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: cannot register %s order", ErrInvalidOrder, o.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byID[o.ID]; exists {
		return fmt.Errorf("%w: duplicate order id %s", ErrInvalidOrder, o.ID)
	}
	b.register(o)
	return nil
}

// register inserts an order into its side. Caller holds b.mu and has
// validated the order.
func (b *Book) register(o models.Order) {
	b.seq++
	e := &entry{order: o, seq: b.seq}
	b.sideFor(o.Instrument, o.Side).insert(e)
	b.byID[o.ID] = e
}

// Validate checks the data-model invariants of an order without touching
// book state.
func Validate(o models.Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, o.Side)
	}
	if o.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, o.Quantity)
	}
	if o.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative, got %s", ErrInvalidOrder, o.Price)
	}
	return nil
}

// Candidates returns the resting orders an incoming order could match
// against, in match priority order.
//
// For a BUY aggressor these are the asks priced at or below limit, cheapest
// first; for a SELL aggressor the bids priced at or above limit, highest
// first. Equal prices are ordered by arrival. The returned slice is a
// snapshot; it reflects only orders open at the time of the call.
func (b *Book) Candidates(instrument string, aggressor models.Side, limit decimal.Decimal) []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ib, ok := b.instruments[instrument]
	if !ok {
		return nil
	}

	side := ib.side(aggressor.Opposite())

	var out []models.Order
	for _, lvl := range side.levels {
		if !crosses(aggressor, limit, lvl.price) {
			break
		}
		for _, e := range lvl.entries {
			out = append(out, e.order)
		}
	}
	return out
}

// crosses reports whether an aggressor with the given limit can trade at a
// resting price.
func crosses(aggressor models.Side, limit, resting decimal.Decimal) bool {
	if aggressor == models.SideBuy {
		return resting.Cmp(limit) <= 0
	}
	return resting.Cmp(limit) >= 0
}

// Fill is one execution to apply against a resting order.
type Fill struct {
	OrderID string
	Qty     int64
}

// Apply commits the outcome of one matching pass under a single lock
// acquisition: every fill is applied to its resting order, and incoming, if
// non-nil, is registered. Readers never observe a partially applied pass.
//
// The plan is validated in full before any mutation, so an error leaves the
// book untouched.
func (b *Book) Apply(fills []Fill, incoming *models.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range fills {
		e, ok := b.byID[f.OrderID]
		if !ok {
			return fmt.Errorf("order %s not in book", f.OrderID)
		}
		if f.Qty <= 0 || f.Qty > e.order.Quantity {
			return fmt.Errorf("fill of %d against order %s with quantity %d", f.Qty, f.OrderID, e.order.Quantity)
		}
	}
	if incoming != nil {
		if err := Validate(*incoming); err != nil {
			return err
		}
		if incoming.Status.Terminal() {
			return fmt.Errorf("%w: cannot register %s order", ErrInvalidOrder, incoming.Status)
		}
		if _, exists := b.byID[incoming.ID]; exists {
			return fmt.Errorf("%w: duplicate order id %s", ErrInvalidOrder, incoming.ID)
		}
	}

	for _, f := range fills {
		b.fill(b.byID[f.OrderID], f.Qty)
	}
	if incoming != nil {
		b.register(*incoming)
	}
	return nil
}

// fill reduces the remaining quantity of a resting entry, transitioning it
// to PARTIAL, or to FILLED and out of the active set when exhausted. Caller
// holds b.mu and has validated qty.
func (b *Book) fill(e *entry, qty int64) {
	e.order.Quantity -= qty
	if e.order.Quantity == 0 {
		e.order.Status = models.StatusFilled
		b.remove(e)
	} else {
		e.order.Status = models.StatusPartial
	}
}

// Remove drops an order from the active set. Removing an absent id is a
// no-op.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.byID[id]; ok {
		b.remove(e)
	}
}

// remove unlinks an entry from its price level and the id index.
// Caller holds b.mu.
func (b *Book) remove(e *entry) {
	delete(b.byID, e.order.ID)
	side := b.sideFor(e.order.Instrument, e.order.Side)
	side.removeEntry(e)
}

// Depth returns the number of active (OPEN + PARTIAL) orders for an
// instrument.
func (b *Book) Depth(instrument string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ib, ok := b.instruments[instrument]
	if !ok {
		return 0
	}
	n := 0
	for _, lvl := range ib.bids.levels {
		n += len(lvl.entries)
	}
	for _, lvl := range ib.asks.levels {
		n += len(lvl.entries)
	}
	return n
}

// Len returns the total number of active orders across all instruments.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Open returns a snapshot of every active order across all instruments.
// Instruments are listed alphabetically; within an instrument, bids come
// before asks, each side in match priority order.
func (b *Book) Open() []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.instruments))
	for name := range b.instruments {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.Order, 0, len(b.byID))
	for _, name := range names {
		ib := b.instruments[name]
		for _, side := range []*sideLevels{ib.bids, ib.asks} {
			for _, lvl := range side.levels {
				for _, e := range lvl.entries {
					out = append(out, e.order)
				}
			}
		}
	}
	return out
}

// sideFor returns the side container for an instrument, creating the
// instrument book on first use. Caller holds b.mu.
func (b *Book) sideFor(instrument string, side models.Side) *sideLevels {
	ib, ok := b.instruments[instrument]
	if !ok {
		ib = &instrumentBook{
			bids: &sideLevels{descending: true},
			asks: &sideLevels{},
		}
		b.instruments[instrument] = ib
	}
	return ib.side(side)
}

// side returns the levels holding orders of the given side.
func (ib *instrumentBook) side(s models.Side) *sideLevels {
	if s == models.SideBuy {
		return ib.bids
	}
	return ib.asks
}

// insert places an entry into its price level, creating the level at the
// correct position if it does not exist. FIFO within a level preserves time
// priority.
func (s *sideLevels) insert(e *entry) {
	price := e.order.Price
	i := sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].price.Cmp(price)
		if s.descending {
			return cmp <= 0
		}
		return cmp >= 0
	})
	if i < len(s.levels) && s.levels[i].price.Equal(price) {
		s.levels[i].entries = append(s.levels[i].entries, e)
		return
	}
	lvl := &level{price: price, entries: []*entry{e}}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
}

// removeEntry unlinks an entry from its level, dropping the level when it
// empties.
func (s *sideLevels) removeEntry(e *entry) {
	for i, lvl := range s.levels {
		if !lvl.price.Equal(e.order.Price) {
			continue
		}
		for j, cand := range lvl.entries {
			if cand == e {
				lvl.entries = append(lvl.entries[:j], lvl.entries[j+1:]...)
				break
			}
		}
		if len(lvl.entries) == 0 {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}
}
