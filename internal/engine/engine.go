// Package engine is the trading coordinator: it validates orders, matches
// them on per-instrument books, books the trades into the position ledger
// and re-evaluates margin for both counterparties.
//
// Locking: each instrument has one mutex that serializes every mutation of
// its book, so instruments match in parallel. While an instrument lock is
// held the engine takes one user account lock at a time, through the
// ledger, and the margin monitor takes its own lock inside that. Nothing
// ever acquires an instrument lock while holding a user or monitor lock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/events"
	"github.com/quantenergx/trading-engine/internal/instrument"
	"github.com/quantenergx/trading-engine/internal/ledger"
	"github.com/quantenergx/trading-engine/internal/metrics"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/orderbook"
	"github.com/quantenergx/trading-engine/internal/store"
)

var (
	ErrInvalidOrder   = fmt.Errorf("%w: invalid order", apperr.ErrValidation)
	ErrOrderNotFound  = fmt.Errorf("%w: order", apperr.ErrNotFound)
	ErrNotCancellable = fmt.Errorf("%w: order is not open", apperr.ErrValidation)
)

// Reasons recorded on orders that end without resting.
const (
	ReasonFOKUnfillable     = "fill-or-kill quantity not available"
	ReasonIOCResidual       = "immediate-or-cancel residual"
	ReasonMarketResidual    = "market order residual unfilled"
	ReasonSelfTrade         = "self-trade prevented"
	ReasonCancelledByClient = "cancelled by client"
)

// Evaluator re-checks margin for a user after a trade.
type Evaluator interface {
	Evaluate(ctx context.Context, snap ledger.Snapshot) (*model.MarginCall, error)
}

// Request is an order submission.
type Request struct {
	UserID      string
	Instrument  string
	Side        model.Side
	Kind        model.OrderKind
	Quantity    decimal.Decimal
	Price       *decimal.Decimal
	TimeInForce model.TimeInForce
	// Region, when set, becomes the user's margin region.
	Region string
}

// Result is the outcome of one submission.
type Result struct {
	Order       model.Order        `json:"order"`
	Trades      []model.Trade      `json:"trades"`
	MarginCalls []model.MarginCall `json:"margin_calls,omitempty"`
}

type book struct {
	mu   sync.Mutex
	ob   *orderbook.Book
	spec instrument.Instrument
	last atomic.Pointer[decimal.Decimal]
}

// Engine matches orders for every configured instrument.
type Engine struct {
	ref     *instrument.Registry
	books   map[string]*book // fixed at construction
	orders  store.Repository[model.Order]
	ledger  *ledger.Ledger
	monitor Evaluator
	pub     events.Publisher
	opts    Options
	logger  *slog.Logger

	seq   atomic.Uint64
	now   func() time.Time
	newID func() string
}

// New creates an engine with one book per instrument in ref. monitor and
// pub may be nil.
func New(ref *instrument.Registry, orders store.Repository[model.Order], l *ledger.Ledger,
	monitor Evaluator, pub events.Publisher, opts Options, logger *slog.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ref:     ref,
		books:   make(map[string]*book),
		orders:  orders,
		ledger:  l,
		monitor: monitor,
		pub:     pub,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, sym := range ref.Symbols() {
		spec, _ := ref.Lookup(sym)
		e.books[sym] = &book{ob: orderbook.New(sym), spec: spec}
	}
	return e, nil
}

// Instruments lists the tradable symbols.
func (e *Engine) Instruments() []string {
	return e.ref.Symbols()
}

func (e *Engine) bookFor(symbol string) (*book, error) {
	b, ok := e.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", instrument.ErrUnsupportedInstrument, symbol)
	}
	return b, nil
}

func (e *Engine) validate(req *Request) (*book, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	b, err := e.bookFor(req.Instrument)
	if err != nil {
		return nil, err
	}
	if req.Side != model.Buy && req.Side != model.Sell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}

	switch req.Kind {
	case model.Limit:
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: limit order needs a positive price", ErrInvalidOrder)
		}
	case model.Market:
		if req.Price != nil {
			return nil, fmt.Errorf("%w: market order must not carry a price", ErrInvalidOrder)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported order kind %q", ErrInvalidOrder, req.Kind)
	}

	if req.TimeInForce == "" {
		req.TimeInForce = model.GTC
	}
	switch req.TimeInForce {
	case model.GTC, model.IOC, model.FOK:
	default:
		return nil, fmt.Errorf("%w: time in force %q", ErrInvalidOrder, req.TimeInForce)
	}

	if req.Quantity.LessThan(b.spec.MinOrderSize) || req.Quantity.GreaterThan(b.spec.MaxOrderSize) {
		return nil, fmt.Errorf("%w: quantity %s outside [%s, %s]",
			ErrInvalidOrder, req.Quantity, b.spec.MinOrderSize, b.spec.MaxOrderSize)
	}
	return b, nil
}

// Submit validates, matches and books one order.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	b, err := e.validate(&req)
	if err != nil {
		return Result{}, err
	}
	if req.Region != "" {
		e.ledger.SetRegion(req.UserID, req.Region)
	}

	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.now()
	o := &model.Order{
		ID:             e.newID(),
		UserID:         req.UserID,
		Instrument:     req.Instrument,
		Side:           req.Side,
		Kind:           req.Kind,
		Quantity:       req.Quantity,
		Price:          req.Price,
		TimeInForce:    req.TimeInForce,
		Status:         model.StatusPending,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		Sequence:       e.seq.Add(1),
	}
	preventSelf := e.opts.SelfTrade == SelfTradeReject

	// From here on the book changes. Booking, margin checks and events must
	// complete even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	var res orderbook.MatchResult
	if o.TimeInForce == model.FOK && b.ob.Fillable(o, preventSelf).LessThan(o.Quantity) {
		e.finish(o, model.StatusRejected, ReasonFOKUnfillable)
	} else {
		res = b.ob.Match(o, orderbook.MatchOptions{
			NewTradeID:       e.newID,
			Now:              now,
			PreventSelfTrade: preventSelf,
		})
		if err := e.settleResidual(b, o, res); err != nil {
			return Result{}, err
		}
	}

	if err := e.saveOrders(ctx, o, res.Makers); err != nil {
		return Result{}, err
	}

	e.pub.Publish(ctx, events.NewOrderPlaced(*o))
	for _, t := range res.Trades {
		e.pub.Publish(ctx, events.NewTradeExecuted(t))
	}
	if n := len(res.Trades); n > 0 {
		last := res.Trades[n-1].Price
		b.last.Store(&last)
	}
	calls := e.settleTrades(ctx, res.Trades)

	e.record(b, o, res.Trades, start)
	e.logger.Debug("order submitted",
		"order_id", o.ID,
		"user_id", o.UserID,
		"instrument", o.Instrument,
		"status", o.Status,
		"trades", len(res.Trades),
	)

	return Result{Order: *o, Trades: res.Trades, MarginCalls: calls}, nil
}

// settleResidual decides the fate of whatever the taker did not fill.
func (e *Engine) settleResidual(b *book, o *model.Order, res orderbook.MatchResult) error {
	if !o.Remaining().IsPositive() {
		return nil
	}
	switch {
	case res.SelfTradeStopped:
		e.finish(o, unfilledStatus(o), ReasonSelfTrade)
	case o.TimeInForce == model.IOC:
		e.finish(o, unfilledStatus(o), ReasonIOCResidual)
	case o.Kind == model.Market:
		if e.opts.MarketResidual != MarketResidualRestAtWorst || len(res.Trades) == 0 {
			e.finish(o, unfilledStatus(o), ReasonMarketResidual)
			return nil
		}
		// The last execution is the worst price the order reached.
		worst := res.Trades[len(res.Trades)-1].Price
		o.Price = &worst
		return b.ob.Rest(o)
	default:
		return b.ob.Rest(o)
	}
	return nil
}

// unfilledStatus is rejected when nothing executed, else cancelled.
func unfilledStatus(o *model.Order) model.OrderStatus {
	if o.FilledQuantity.IsZero() {
		return model.StatusRejected
	}
	return model.StatusCancelled
}

func (e *Engine) finish(o *model.Order, status model.OrderStatus, reason string) {
	o.Status = status
	o.Reason = reason
}

func (e *Engine) saveOrders(ctx context.Context, taker *model.Order, makers []*model.Order) error {
	if err := e.orders.Put(ctx, taker.ID, *taker); err != nil {
		return fmt.Errorf("store order %s: %w", taker.ID, err)
	}
	for _, m := range makers {
		if err := e.orders.Put(ctx, m.ID, *m); err != nil {
			return fmt.Errorf("store order %s: %w", m.ID, err)
		}
	}
	return nil
}

// settleTrades applies trades to both counterparties' positions. Each side's
// margin is re-evaluated inside the same ledger critical section. Failures
// are logged: the trades have already happened.
func (e *Engine) settleTrades(ctx context.Context, trades []model.Trade) []model.MarginCall {
	var calls []model.MarginCall
	after := func(snap ledger.Snapshot) error {
		if e.monitor == nil {
			return nil
		}
		call, err := e.monitor.Evaluate(ctx, snap)
		if call != nil {
			calls = append(calls, *call)
		}
		return err
	}

	for _, t := range trades {
		sides := []struct {
			user string
			qty  decimal.Decimal
		}{
			{t.BuyerID, t.Quantity},
			{t.SellerID, t.Quantity.Neg()},
		}
		for _, s := range sides {
			if err := e.ledger.Apply(ctx, s.user, t.Instrument, s.qty, t.Price, t.ExecutedAt, after); err != nil {
				e.logger.Error("post-trade booking failed", "trade_id", t.ID, "user_id", s.user, "err", err)
			}
		}
	}
	return calls
}

func (e *Engine) record(b *book, o *model.Order, trades []model.Trade, start time.Time) {
	sym := b.ob.Instrument()
	metrics.OrdersTotal.WithLabelValues(sym, string(o.Status)).Inc()
	metrics.MatchLatency.WithLabelValues(sym).Observe(time.Since(start).Seconds())
	metrics.RestingOrders.WithLabelValues(sym).Set(float64(b.ob.Len()))
	for _, t := range trades {
		metrics.TradesTotal.WithLabelValues(sym).Inc()
		metrics.TradedVolume.WithLabelValues(sym).Add(t.Quantity.InexactFloat64())
	}
}

// Cancel removes a resting order from its book.
func (e *Engine) Cancel(ctx context.Context, orderID string) (model.Order, error) {
	stored, err := e.Order(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	b, err := e.bookFor(stored.Instrument)
	if err != nil {
		return model.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.ob.Remove(orderID)
	if !ok {
		// Filled or cancelled since the lookup; report the latest state.
		latest, err := e.Order(ctx, orderID)
		if err != nil {
			return model.Order{}, err
		}
		return model.Order{}, fmt.Errorf("%w: %s is %s", ErrNotCancellable, orderID, latest.Status)
	}
	e.finish(o, model.StatusCancelled, ReasonCancelledByClient)
	if err := e.orders.Put(context.WithoutCancel(ctx), o.ID, *o); err != nil {
		return model.Order{}, fmt.Errorf("store order %s: %w", o.ID, err)
	}
	metrics.RestingOrders.WithLabelValues(stored.Instrument).Set(float64(b.ob.Len()))
	e.logger.Info("order cancelled", "order_id", o.ID, "user_id", o.UserID)
	return *o, nil
}

// Order returns the latest state of an order.
func (e *Engine) Order(ctx context.Context, orderID string) (model.Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, nil
}

// Orders lists a user's orders in arrival order.
func (e *Engine) Orders(ctx context.Context, userID string) ([]model.Order, error) {
	orders, err := e.orders.List(ctx, func(o model.Order) bool { return o.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Sequence < orders[j].Sequence })
	return orders, nil
}

// Depth returns an aggregated snapshot of one book.
func (e *Engine) Depth(symbol string, levels int) (orderbook.Depth, error) {
	b, err := e.bookFor(symbol)
	if err != nil {
		return orderbook.Depth{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ob.Depth(levels), nil
}

// MarkPrice returns the last traded price of an instrument. It never
// blocks on matching.
func (e *Engine) MarkPrice(symbol string) (decimal.Decimal, bool) {
	b, ok := e.books[symbol]
	if !ok {
		return decimal.Zero, false
	}
	p := b.last.Load()
	if p == nil {
		return decimal.Zero, false
	}
	return *p, true
}
