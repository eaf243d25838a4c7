package orderbook

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/model"
)

var seq uint64

func limit(user string, side model.Side, qty, price string) *model.Order {
	seq++
	p := decimal.RequireFromString(price)
	return &model.Order{
		ID:          fmt.Sprintf("o%d", seq),
		UserID:      user,
		Instrument:  "crude_oil",
		Side:        side,
		Kind:        model.Limit,
		Quantity:    decimal.RequireFromString(qty),
		Price:       &p,
		TimeInForce: model.GTC,
		Status:      model.StatusPending,
		Sequence:    seq,
	}
}

func market(user string, side model.Side, qty string) *model.Order {
	seq++
	return &model.Order{
		ID:          fmt.Sprintf("o%d", seq),
		UserID:      user,
		Instrument:  "crude_oil",
		Side:        side,
		Kind:        model.Market,
		Quantity:    decimal.RequireFromString(qty),
		TimeInForce: model.IOC,
		Status:      model.StatusPending,
		Sequence:    seq,
	}
}

func opts() MatchOptions {
	n := 0
	return MatchOptions{
		NewTradeID: func() string { n++; return fmt.Sprintf("t%d", n) },
		Now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// submit mimics a GTC submission: match, then rest any limit residual.
func submit(t *testing.T, b *Book, o *model.Order) []model.Trade {
	t.Helper()
	res := b.Match(o, opts())
	if o.Kind == model.Limit && o.Remaining().IsPositive() {
		require.NoError(t, b.Rest(o))
	}
	require.NoError(t, b.Check())
	return res.Trades
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMatch_FullFill(t *testing.T) {
	b := New("crude_oil")
	sell := limit("alice", model.Sell, "100", "75.50")
	buy := limit("bob", model.Buy, "100", "75.50")

	assert.Empty(t, submit(t, b, sell))
	trades := submit(t, b, buy)

	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(dec("100")))
	assert.True(t, trades[0].Price.Equal(dec("75.50")))
	assert.Equal(t, buy.ID, trades[0].BuyOrderID)
	assert.Equal(t, sell.ID, trades[0].SellOrderID)
	assert.Equal(t, "bob", trades[0].BuyerID)
	assert.Equal(t, "alice", trades[0].SellerID)
	assert.Equal(t, model.StatusFilled, sell.Status)
	assert.Equal(t, model.StatusFilled, buy.Status)
	assert.Zero(t, b.Len())
}

func TestMatch_PartialFill(t *testing.T) {
	b := New("crude_oil")
	sell := limit("alice", model.Sell, "200", "75.50")
	buy := limit("bob", model.Buy, "100", "75.50")

	submit(t, b, sell)
	trades := submit(t, b, buy)

	require.Len(t, trades, 1)
	assert.Equal(t, model.StatusPartiallyFilled, sell.Status)
	assert.True(t, sell.FilledQuantity.Equal(dec("100")))
	assert.Equal(t, model.StatusFilled, buy.Status)

	rest, ok := b.Resting(sell.ID)
	require.True(t, ok)
	assert.True(t, rest.Remaining().Equal(dec("100")))
}

func TestMatch_MakerPriceAndPriority(t *testing.T) {
	b := New("crude_oil")
	first := limit("alice", model.Sell, "10", "75.00")
	second := limit("carol", model.Sell, "10", "75.00")
	better := limit("dave", model.Sell, "10", "74.00")
	submit(t, b, first)
	submit(t, b, second)
	submit(t, b, better)

	buy := limit("bob", model.Buy, "25", "76.00")
	trades := submit(t, b, buy)

	require.Len(t, trades, 3)
	// Best price first, then arrival order within the level.
	assert.Equal(t, better.ID, trades[0].SellOrderID)
	assert.True(t, trades[0].Price.Equal(dec("74.00")))
	assert.Equal(t, first.ID, trades[1].SellOrderID)
	assert.True(t, trades[1].Price.Equal(dec("75.00")))
	assert.Equal(t, second.ID, trades[2].SellOrderID)
	assert.True(t, trades[2].Quantity.Equal(dec("5")))

	assert.Equal(t, model.StatusPartiallyFilled, second.Status)
	assert.Equal(t, model.StatusFilled, buy.Status)
}

func TestMatch_LimitDoesNotCrossBeyondPrice(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("alice", model.Sell, "10", "76.00"))
	buy := limit("bob", model.Buy, "10", "75.00")
	assert.Empty(t, submit(t, b, buy))

	bid, ok := b.BestPrice(model.Buy)
	require.True(t, ok)
	assert.True(t, bid.Equal(dec("75.00")))
	assert.Equal(t, 2, b.Len())
}

func TestMatch_MarketSweepsLevels(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("alice", model.Buy, "10", "74.00"))
	submit(t, b, limit("carol", model.Buy, "10", "73.00"))

	sell := market("bob", model.Sell, "15")
	res := b.Match(sell, opts())

	require.Len(t, res.Trades, 2)
	assert.True(t, res.Trades[0].Price.Equal(dec("74.00")))
	assert.True(t, res.Trades[1].Price.Equal(dec("73.00")))
	assert.True(t, res.Trades[1].Quantity.Equal(dec("5")))
	assert.Equal(t, model.StatusFilled, sell.Status)
	assert.Len(t, res.Makers, 2)
	require.NoError(t, b.Check())
}

func TestMatch_MarketOnEmptyBook(t *testing.T) {
	b := New("crude_oil")
	o := market("bob", model.Buy, "5")
	res := b.Match(o, opts())
	assert.Empty(t, res.Trades)
	assert.True(t, o.FilledQuantity.IsZero())
}

func TestMatch_SelfTradeStop(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("alice", model.Sell, "10", "75.00"))
	own := limit("bob", model.Sell, "10", "75.50")
	submit(t, b, own)

	buy := limit("bob", model.Buy, "20", "76.00")
	o := opts()
	o.PreventSelfTrade = true
	res := b.Match(buy, o)

	require.Len(t, res.Trades, 1)
	assert.True(t, res.SelfTradeStopped)
	_, stillThere := b.Resting(own.ID)
	assert.True(t, stillThere)

	assert.True(t, b.Fillable(limit("bob", model.Buy, "20", "76.00"), true).IsZero())
}

func TestMatch_SelfTradeAllowed(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("bob", model.Sell, "10", "75.00"))
	trades := submit(t, b, limit("bob", model.Buy, "10", "75.00"))
	require.Len(t, trades, 1)
	assert.Equal(t, "bob", trades[0].BuyerID)
	assert.Equal(t, "bob", trades[0].SellerID)
}

func TestFillable(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("alice", model.Sell, "10", "75.00"))
	submit(t, b, limit("carol", model.Sell, "10", "76.00"))

	assert.True(t, b.Fillable(limit("bob", model.Buy, "15", "75.00"), false).Equal(dec("10")))
	assert.True(t, b.Fillable(limit("bob", model.Buy, "15", "76.00"), false).Equal(dec("15")))
	assert.True(t, b.Fillable(market("bob", model.Buy, "50"), false).Equal(dec("20")))
	// Fillable never mutates.
	assert.Equal(t, 2, b.Len())
	require.NoError(t, b.Check())
}

func TestRemove(t *testing.T) {
	b := New("crude_oil")
	a := limit("alice", model.Buy, "10", "75.00")
	c := limit("carol", model.Buy, "10", "75.00")
	submit(t, b, a)
	submit(t, b, c)

	got, ok := b.Remove(a.ID)
	require.True(t, ok)
	assert.Equal(t, a, got)
	require.NoError(t, b.Check())

	_, ok = b.Remove(a.ID)
	assert.False(t, ok)

	// The remaining order keeps its place and the level is dropped once empty.
	_, ok = b.Remove(c.ID)
	require.True(t, ok)
	_, ok = b.BestPrice(model.Buy)
	assert.False(t, ok)
}

func TestRest_Rejects(t *testing.T) {
	b := New("crude_oil")
	assert.ErrorIs(t, b.Rest(market("bob", model.Buy, "1")), ErrNotRestable)

	o := limit("bob", model.Buy, "1", "75")
	require.NoError(t, b.Rest(o))
	assert.ErrorIs(t, b.Rest(o), ErrNotRestable)
}

func TestDepth(t *testing.T) {
	b := New("crude_oil")
	submit(t, b, limit("a", model.Buy, "10", "74.00"))
	submit(t, b, limit("b", model.Buy, "5", "74.00"))
	submit(t, b, limit("c", model.Buy, "7", "73.00"))
	submit(t, b, limit("d", model.Sell, "3", "75.00"))

	d := b.Depth(1)
	require.Len(t, d.Bids, 1)
	assert.True(t, d.Bids[0].Price.Equal(dec("74.00")))
	assert.True(t, d.Bids[0].Quantity.Equal(dec("15")))
	assert.Equal(t, 2, d.Bids[0].Orders)
	require.Len(t, d.Asks, 1)

	full := b.Depth(0)
	assert.Len(t, full.Bids, 2)
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := New("crude_oil")
	users := []string{"u1", "u2", "u3"}
	var all []*model.Order

	for i := 0; i < 2000; i++ {
		switch rng.Intn(10) {
		case 0:
			if len(all) > 0 {
				b.Remove(all[rng.Intn(len(all))].ID)
				require.NoError(t, b.Check())
			}
			continue
		case 1:
			o := market(users[rng.Intn(3)], model.Side([]string{"buy", "sell"}[rng.Intn(2)]), fmt.Sprint(1+rng.Intn(30)))
			before, makers := o.Remaining(), restingRemaining(b, all)
			res := b.Match(o, opts())
			checkTrades(t, res, before, makers)
			require.NoError(t, b.Check())
			continue
		}

		side := model.Buy
		if rng.Intn(2) == 0 {
			side = model.Sell
		}
		price := fmt.Sprintf("%d.%02d", 70+rng.Intn(10), rng.Intn(4)*25)
		o := limit(users[rng.Intn(3)], side, fmt.Sprint(1+rng.Intn(50)), price)
		all = append(all, o)

		before, makers := o.Remaining(), restingRemaining(b, all)
		res := b.Match(o, opts())
		checkTrades(t, res, before, makers)
		for _, tr := range res.Trades {
			if side == model.Buy {
				assert.True(t, tr.Price.LessThanOrEqual(*o.Price))
			} else {
				assert.True(t, tr.Price.GreaterThanOrEqual(*o.Price))
			}
		}
		if o.Remaining().IsPositive() {
			require.NoError(t, b.Rest(o))
		}
		require.NoError(t, b.Check())
	}

	for _, o := range all {
		assert.True(t, o.FilledQuantity.LessThanOrEqual(o.Quantity))
		assert.Equal(t, o.FilledQuantity.Equal(o.Quantity), o.Status == model.StatusFilled)
	}
}

// restingRemaining snapshots the open quantity of every order still in b.
func restingRemaining(b *Book, orders []*model.Order) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(orders))
	for _, o := range orders {
		if r, ok := b.Resting(o.ID); ok {
			out[o.ID] = r.Remaining()
		}
	}
	return out
}

// checkTrades asserts every fill is min(taker open, maker open) at the time
// it executed, priced at the maker's limit.
func checkTrades(t *testing.T, res MatchResult, takerBefore decimal.Decimal, makersBefore map[string]decimal.Decimal) {
	t.Helper()
	require.Len(t, res.Makers, len(res.Trades))
	taker := takerBefore
	for i, tr := range res.Trades {
		maker := res.Makers[i]
		assert.True(t, tr.Price.Equal(*maker.Price), "trade must execute at the maker price")
		makerOpen, ok := makersBefore[maker.ID]
		require.True(t, ok, "maker %s was not resting before the match", maker.ID)
		want := decimal.Min(taker, makerOpen)
		assert.True(t, tr.Quantity.Equal(want), "trade %d quantity %s, want %s", i, tr.Quantity, want)
		assert.True(t, tr.Quantity.IsPositive())
		taker = taker.Sub(tr.Quantity)
		makersBefore[maker.ID] = makerOpen.Sub(tr.Quantity)
	}
	assert.False(t, taker.IsNegative())
}
