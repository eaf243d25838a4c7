// Package orderbook implements a single-instrument limit order book with
// price-time priority matching.
//
// Each side is a B-tree of price levels ordered best-first, and each level
// is a FIFO of resting orders. A Book is not safe for concurrent use; the
// engine serializes all access to one instrument's book.
package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/model"
)

// ErrNotRestable is returned when an order cannot be placed in the book.
var ErrNotRestable = fmt.Errorf("%w: order cannot rest in the book", apperr.ErrValidation)

type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order // arrival order
}

func (l *priceLevel) head() *model.Order { return l.orders[0] }

func (l *priceLevel) popHead() {
	l.orders[0] = nil
	l.orders = l.orders[1:]
}

func (l *priceLevel) remove(id string) bool {
	for i, o := range l.orders {
		if o.ID == id {
			copy(l.orders[i:], l.orders[i+1:])
			l.orders[len(l.orders)-1] = nil
			l.orders = l.orders[:len(l.orders)-1]
			return true
		}
	}
	return false
}

// Book holds the resting orders of one instrument.
type Book struct {
	instrument string
	bids       *btree.BTreeG[*priceLevel] // highest price first
	asks       *btree.BTreeG[*priceLevel] // lowest price first
	orders     map[string]*model.Order
}

// New creates an empty book.
func New(instrument string) *Book {
	opts := btree.Options{NoLocks: true}
	return &Book{
		instrument: instrument,
		bids: btree.NewBTreeGOptions(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}, opts),
		orders: make(map[string]*model.Order),
	}
}

// Instrument returns the symbol the book trades.
func (b *Book) Instrument() string { return b.instrument }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Resting returns the resting order with id.
func (b *Book) Resting(id string) (*model.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *Book) side(s model.Side) *btree.BTreeG[*priceLevel] {
	if s == model.Buy {
		return b.bids
	}
	return b.asks
}

// BestPrice returns the best resting price on side s.
func (b *Book) BestPrice(s model.Side) (decimal.Decimal, bool) {
	lvl, ok := b.side(s).Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// crosses reports whether a taker may execute against a level at price.
// Market orders cross unconditionally.
func crosses(taker *model.Order, price decimal.Decimal) bool {
	if taker.Kind == model.Market || taker.Price == nil {
		return true
	}
	if taker.Side == model.Buy {
		return price.LessThanOrEqual(*taker.Price)
	}
	return price.GreaterThanOrEqual(*taker.Price)
}

// MatchOptions controls one matching pass.
type MatchOptions struct {
	// NewTradeID generates trade identifiers.
	NewTradeID func() string
	// Now stamps the trades.
	Now time.Time
	// PreventSelfTrade stops matching at the first resting order owned by
	// the taker's user.
	PreventSelfTrade bool
}

// MatchResult is the outcome of one matching pass.
type MatchResult struct {
	Trades []model.Trade
	// Makers holds the resting orders touched, in execution order.
	Makers []*model.Order
	// SelfTradeStopped is set when matching halted on a same-user order.
	SelfTradeStopped bool
}

// Match crosses taker against the opposite side of the book. It fills the
// taker and the makers in place, removes fully filled makers and returns
// the trades. The taker itself is never inserted.
func (b *Book) Match(taker *model.Order, opts MatchOptions) MatchResult {
	var res MatchResult
	opp := b.side(taker.Side.Opposite())

	for taker.Remaining().IsPositive() {
		lvl, ok := opp.Min()
		if !ok || !crosses(taker, lvl.price) {
			break
		}
		maker := lvl.head()
		if opts.PreventSelfTrade && maker.UserID == taker.UserID {
			res.SelfTradeStopped = true
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		taker.Fill(qty)
		maker.Fill(qty)
		res.Trades = append(res.Trades, b.trade(taker, maker, qty, lvl.price, opts))
		res.Makers = append(res.Makers, maker)

		if !maker.Remaining().IsPositive() {
			lvl.popHead()
			delete(b.orders, maker.ID)
			if len(lvl.orders) == 0 {
				opp.Delete(lvl)
			}
		}
	}
	return res
}

func (b *Book) trade(taker, maker *model.Order, qty, price decimal.Decimal, opts MatchOptions) model.Trade {
	t := model.Trade{
		Instrument: b.instrument,
		Quantity:   qty,
		Price:      price,
		ExecutedAt: opts.Now,
	}
	if opts.NewTradeID != nil {
		t.ID = opts.NewTradeID()
	}
	buy, sell := taker, maker
	if taker.Side == model.Sell {
		buy, sell = maker, taker
	}
	t.BuyOrderID, t.BuyerID = buy.ID, buy.UserID
	t.SellOrderID, t.SellerID = sell.ID, sell.UserID
	return t
}

// Fillable returns how much of taker's remaining quantity could execute
// right now, without changing the book. It honours the same self-trade
// stop as Match.
func (b *Book) Fillable(taker *model.Order, preventSelfTrade bool) decimal.Decimal {
	want := taker.Remaining()
	got := decimal.Zero
	b.side(taker.Side.Opposite()).Scan(func(lvl *priceLevel) bool {
		if !crosses(taker, lvl.price) {
			return false
		}
		for _, o := range lvl.orders {
			if preventSelfTrade && o.UserID == taker.UserID {
				return false
			}
			got = got.Add(o.Remaining())
			if got.GreaterThanOrEqual(want) {
				return false
			}
		}
		return true
	})
	return decimal.Min(got, want)
}

// Rest inserts a limit order at the back of its price level.
func (b *Book) Rest(o *model.Order) error {
	if o.Price == nil || !o.Price.IsPositive() {
		return fmt.Errorf("%w: %s has no limit price", ErrNotRestable, o.ID)
	}
	if !o.Remaining().IsPositive() {
		return fmt.Errorf("%w: %s has nothing remaining", ErrNotRestable, o.ID)
	}
	if _, dup := b.orders[o.ID]; dup {
		return fmt.Errorf("%w: %s already rests", ErrNotRestable, o.ID)
	}

	tree := b.side(o.Side)
	key := &priceLevel{price: *o.Price}
	lvl, ok := tree.Get(key)
	if !ok {
		lvl = key
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, o)
	b.orders[o.ID] = o
	return nil
}

// Remove takes a resting order out of the book.
func (b *Book) Remove(id string) (*model.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	tree := b.side(o.Side)
	if lvl, found := tree.Get(&priceLevel{price: *o.Price}); found {
		lvl.remove(id)
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
	}
	delete(b.orders, id)
	return o, true
}

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is an aggregated view of the top of the book.
type Depth struct {
	Instrument string  `json:"instrument"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
}

// Depth aggregates up to levels price levels per side; levels <= 0 means
// the full book.
func (b *Book) Depth(levels int) Depth {
	return Depth{
		Instrument: b.instrument,
		Bids:       aggregate(b.bids, levels),
		Asks:       aggregate(b.asks, levels),
	}
}

func aggregate(tree *btree.BTreeG[*priceLevel], limit int) []Level {
	out := make([]Level, 0)
	tree.Scan(func(lvl *priceLevel) bool {
		qty := decimal.Zero
		for _, o := range lvl.orders {
			qty = qty.Add(o.Remaining())
		}
		out = append(out, Level{Price: lvl.price, Quantity: qty, Orders: len(lvl.orders)})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Check verifies the structural invariants of the book: levels strictly
// ordered best-first, no empty levels, FIFO by arrival within a level, the
// order index matching the levels, and no crossed top of book.
func (b *Book) Check() error {
	count := 0
	for _, s := range []model.Side{model.Buy, model.Sell} {
		var prev *priceLevel
		var err error
		b.side(s).Scan(func(lvl *priceLevel) bool {
			if len(lvl.orders) == 0 {
				err = fmt.Errorf("%s level %s is empty", s, lvl.price)
				return false
			}
			if prev != nil {
				better := prev.price.GreaterThan(lvl.price)
				if s == model.Sell {
					better = prev.price.LessThan(lvl.price)
				}
				if !better {
					err = fmt.Errorf("%s levels out of order: %s before %s", s, prev.price, lvl.price)
					return false
				}
			}
			for i, o := range lvl.orders {
				if o.Side != s || o.Price == nil || !o.Price.Equal(lvl.price) {
					err = fmt.Errorf("order %s misplaced at %s %s", o.ID, s, lvl.price)
					return false
				}
				if !o.Remaining().IsPositive() || o.Status.Terminal() {
					err = fmt.Errorf("order %s rests with status %s", o.ID, o.Status)
					return false
				}
				if i > 0 && lvl.orders[i-1].Sequence >= o.Sequence {
					err = fmt.Errorf("level %s breaks arrival order at %s", lvl.price, o.ID)
					return false
				}
				if b.orders[o.ID] != o {
					err = fmt.Errorf("order %s missing from index", o.ID)
					return false
				}
				count++
			}
			prev = lvl
			return true
		})
		if err != nil {
			return err
		}
	}
	if count != len(b.orders) {
		return fmt.Errorf("index holds %d orders, levels hold %d", len(b.orders), count)
	}
	bid, okBid := b.BestPrice(model.Buy)
	ask, okAsk := b.BestPrice(model.Sell)
	if okBid && okAsk && bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("book crossed: bid %s >= ask %s", bid, ask)
	}
	return nil
}
