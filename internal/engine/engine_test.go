package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trademonitor/order-engine/internal/book"
	"github.com/trademonitor/order-engine/internal/models"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]models.Order
	trades   []models.Trade
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]models.Order)}
}

func (s *memStore) RecordSubmission(ctx context.Context, incoming models.Order, trades []models.Trade, resting []models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("store unavailable")
	}
	s.orders[incoming.ID] = incoming
	for _, o := range resting {
		s.orders[o.ID] = o
	}
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *memStore) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

func (s *memStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func submit(t *testing.T, e *Engine, side models.Side, instrument, px string, qty int64) (models.Order, []models.Trade) {
	t.Helper()
	o, trades, err := e.SubmitOrder(context.Background(), models.Order{
		UserID:     1,
		Side:       side,
		Instrument: instrument,
		Price:      price(px),
		Quantity:   qty,
	})
	require.NoError(t, err)
	return o, trades
}

func TestSubmitOrder_EmptyBookRestsOpen(t *testing.T) {
	e := New(newMemStore(), nil)

	o, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "50.00", 100)

	assert.Equal(t, models.StatusOpen, o.Status)
	assert.EqualValues(t, 100, o.Quantity)
	assert.Empty(t, trades)
	assert.Equal(t, 1, e.Depth("US-10Y-BOND"))
}

func TestSubmitOrder_FillsByTimePriority(t *testing.T) {
	e := New(newMemStore(), nil)

	first, _ := submit(t, e, models.SideSell, "US-10Y-BOND", "49.50", 40)
	second, _ := submit(t, e, models.SideSell, "US-10Y-BOND", "49.50", 60)

	o, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "50.00", 100)

	require.Len(t, trades, 2)
	assert.Equal(t, first.ID, trades[0].SellOrderID)
	assert.EqualValues(t, 40, trades[0].Quantity)
	assert.Equal(t, second.ID, trades[1].SellOrderID)
	assert.EqualValues(t, 60, trades[1].Quantity)
	for _, tr := range trades {
		assert.Equal(t, o.ID, tr.BuyOrderID)
		assert.True(t, tr.Price.Equal(price("49.50")), "trade at resting price, got %s", tr.Price)
	}

	assert.Equal(t, models.StatusFilled, o.Status)
	assert.EqualValues(t, 0, o.Quantity)
	assert.Equal(t, 0, e.Depth("US-10Y-BOND"), "both resting orders removed")
}

func TestSubmitOrder_PartialFillRests(t *testing.T) {
	e := New(newMemStore(), nil)

	submit(t, e, models.SideSell, "US-10Y-BOND", "49.00", 30)
	o, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "49.00", 50)

	require.Len(t, trades, 1)
	assert.EqualValues(t, 30, trades[0].Quantity)
	assert.Equal(t, models.StatusPartial, o.Status)
	assert.EqualValues(t, 20, o.Quantity)
	assert.Equal(t, 1, e.Depth("US-10Y-BOND"), "partial aggressor rests in the book")

	open := e.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, o.ID, open[0].ID)
}

func TestSubmitOrder_RestingPriceWins(t *testing.T) {
	e := New(newMemStore(), nil)

	// Two resting asks at different prices; the aggressor crosses both and
	// pays each resting quote, never its own limit
	submit(t, e, models.SideSell, "US-30Y-BOND", "94.00", 10)
	submit(t, e, models.SideSell, "US-30Y-BOND", "94.50", 10)

	o, trades := submit(t, e, models.SideBuy, "US-30Y-BOND", "95.00", 20)

	require.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(price("94.00")))
	assert.True(t, trades[1].Price.Equal(price("94.50")))
	assert.Equal(t, models.StatusFilled, o.Status)
}

func TestSubmitOrder_QuantityConservation(t *testing.T) {
	e := New(newMemStore(), nil)

	submit(t, e, models.SideSell, "EU-10Y-BUND", "96.00", 25)
	submit(t, e, models.SideSell, "EU-10Y-BUND", "96.40", 35)

	const original = int64(80)
	o, trades := submit(t, e, models.SideBuy, "EU-10Y-BUND", "96.40", original)

	var filled int64
	for _, tr := range trades {
		assert.Positive(t, tr.Quantity)
		filled += tr.Quantity
	}
	assert.Equal(t, original, filled+o.Quantity)
	assert.Equal(t, models.StatusPartial, o.Status)
}

func TestSubmitOrder_SellAggressor(t *testing.T) {
	e := New(newMemStore(), nil)

	high, _ := submit(t, e, models.SideBuy, "US-2Y-BOND", "99.60", 50)
	submit(t, e, models.SideBuy, "US-2Y-BOND", "99.40", 50)

	o, trades := submit(t, e, models.SideSell, "US-2Y-BOND", "99.50", 50)

	// Only the higher bid crosses; trade at its price with correct ids
	require.Len(t, trades, 1)
	assert.Equal(t, high.ID, trades[0].BuyOrderID)
	assert.Equal(t, o.ID, trades[0].SellOrderID)
	assert.True(t, trades[0].Price.Equal(price("99.60")))
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.Equal(t, 1, e.Depth("US-2Y-BOND"))
}

func TestSubmitOrder_Invalid(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)

	tests := []struct {
		name  string
		order models.Order
	}{
		{
			name:  "ZeroQuantity",
			order: models.Order{Side: models.SideSell, Instrument: "US-10Y-BOND", Price: price("49.00")},
		},
		{
			name:  "NegativePrice",
			order: models.Order{Side: models.SideBuy, Instrument: "US-10Y-BOND", Price: price("-1"), Quantity: 10},
		},
		{
			name:  "BadSide",
			order: models.Order{Side: "LONG", Instrument: "US-10Y-BOND", Price: price("49.00"), Quantity: 10},
		},
		{
			name:  "NoInstrument",
			order: models.Order{Side: models.SideBuy, Price: price("49.00"), Quantity: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.SubmitOrder(context.Background(), tt.order)
			assert.ErrorIs(t, err, book.ErrInvalidOrder)
		})
	}

	assert.Empty(t, e.OpenOrders(), "rejected orders never reach the book")
	assert.Empty(t, store.orders, "rejected orders never reach the store")
}

func TestSubmitOrder_PersistenceFailureLeavesNoTrace(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)

	resting, _ := submit(t, e, models.SideSell, "US-5Y-BOND", "98.75", 100)

	store.failNext = true
	_, _, err := e.SubmitOrder(context.Background(), models.Order{
		UserID:     2,
		Side:       models.SideBuy,
		Instrument: "US-5Y-BOND",
		Price:      price("99.00"),
		Quantity:   40,
	})
	require.ErrorIs(t, err, ErrPersistence)

	// The failed submission left the book and ledger untouched
	assert.Equal(t, 1, e.Depth("US-5Y-BOND"))
	open := e.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, resting.ID, open[0].ID)
	assert.EqualValues(t, 100, open[0].Quantity)
	assert.Empty(t, store.trades)

	// The resting order is still fully available to the next aggressor
	o, trades := submit(t, e, models.SideBuy, "US-5Y-BOND", "99.00", 100)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 100, trades[0].Quantity)
	assert.Equal(t, models.StatusFilled, o.Status)
}

func TestRecentTrades(t *testing.T) {
	e := New(newMemStore(), nil)

	_, err := e.RecentTrades(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.RecentTrades(context.Background(), -3)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	submit(t, e, models.SideSell, "US-10Y-BOND", "49.00", 10)
	submit(t, e, models.SideBuy, "US-10Y-BOND", "49.00", 10)
	submit(t, e, models.SideSell, "US-10Y-BOND", "48.00", 5)
	submit(t, e, models.SideBuy, "US-10Y-BOND", "48.00", 5)

	trades, err := e.RecentTrades(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(price("48.00")), "most recent trade first")

	trades, err = e.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestEngine_Restore(t *testing.T) {
	store := newMemStore()
	store.orders["r1"] = models.Order{
		ID: "r1", UserID: 1, Side: models.SideSell, Instrument: "US-10Y-BOND",
		Price: price("49.50"), Quantity: 40, Status: models.StatusOpen,
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}
	store.orders["r2"] = models.Order{
		ID: "r2", UserID: 1, Side: models.SideSell, Instrument: "US-10Y-BOND",
		Price: price("49.50"), Quantity: 60, Status: models.StatusPartial,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	store.orders["r3"] = models.Order{
		ID: "r3", UserID: 1, Side: models.SideBuy, Instrument: "US-10Y-BOND",
		Price: price("49.00"), Quantity: 10, Status: models.StatusFilled,
		CreatedAt: time.Now(),
	}

	e := New(store, nil)
	require.NoError(t, e.Restore(context.Background()))
	assert.Equal(t, 2, e.Depth("US-10Y-BOND"), "terminal orders are not restored")

	// Restored liquidity matches in original time priority
	_, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "49.50", 100)
	require.Len(t, trades, 2)
	assert.Equal(t, "r1", trades[0].SellOrderID)
	assert.Equal(t, "r2", trades[1].SellOrderID)
}

func TestSubmitOrder_ConcurrentSameInstrument(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)

	submit(t, e, models.SideSell, "US-10Y-BOND", "50.00", 100)

	var wg sync.WaitGroup
	results := make([]models.Order, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, _, err := e.SubmitOrder(context.Background(), models.Order{
				UserID:     i + 2,
				Side:       models.SideBuy,
				Instrument: "US-10Y-BOND",
				Price:      price("50.00"),
				Quantity:   50,
			})
			assert.NoError(t, err)
			results[i] = o
		}(i)
	}
	wg.Wait()

	// Any serialization of the two buys fully consumes the resting sell
	assert.Equal(t, 0, e.Depth("US-10Y-BOND"))
	var filled int64
	for _, tr := range store.trades {
		filled += tr.Quantity
	}
	assert.EqualValues(t, 100, filled)
	for _, o := range results {
		assert.Equal(t, models.StatusFilled, o.Status)
		assert.EqualValues(t, 0, o.Quantity)
	}
}

func TestSubmitOrder_AtomicVisibility(t *testing.T) {
	// A submission that consumes both resting sells must flip depth from 2
	// straight to 0: a concurrent reader must never see one leg applied
	// without the other.
	const iterations = 200
	var violations int64

	for i := 0; i < iterations; i++ {
		e := New(newMemStore(), nil)
		submit(t, e, models.SideSell, "US-10Y-BOND", "50.00", 50)
		submit(t, e, models.SideSell, "US-10Y-BOND", "50.00", 50)

		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					if d := e.Depth("US-10Y-BOND"); d != 2 && d != 0 {
						atomic.AddInt64(&violations, 1)
					}
				}
			}
		}()

		o, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "50.00", 100)
		close(done)
		wg.Wait()

		require.Len(t, trades, 2)
		require.Equal(t, models.StatusFilled, o.Status)
	}

	assert.Zero(t, atomic.LoadInt64(&violations), "reader observed a half-applied submission")
}

func TestSubmitOrder_SelfMatchNotPrevented(t *testing.T) {
	e := New(newMemStore(), nil)

	// Same user on both sides still matches; originator identity plays no
	// part in candidate selection
	submit(t, e, models.SideSell, "US-10Y-BOND", "49.00", 10)
	o, trades := submit(t, e, models.SideBuy, "US-10Y-BOND", "49.00", 10)

	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFilled, o.Status)
}
