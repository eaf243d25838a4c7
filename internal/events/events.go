// Package events carries engine notifications to their consumers.
//
// Producers call Publish on a Bus. A single dispatcher goroutine copies each
// event into one buffered channel per subscriber, and every subscriber
// drains its own channel in its own goroutine, so consumers never share a
// listener list or block one another's state.
package events

import (
	"context"
	"time"

	"github.com/quantenergx/trading-engine/internal/model"
)

// Kind names an event.
type Kind string

const (
	OrderPlaced        Kind = "orderPlaced"
	TradeExecuted      Kind = "tradeExecuted"
	MarginCallIssued   Kind = "marginCall"
	MarginCallResolved Kind = "marginCallResolved"
)

// Event is one engine notification. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind   Kind      `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`

	Order      *model.Order      `json:"order,omitempty"`
	Trade      *model.Trade      `json:"trade,omitempty"`
	MarginCall *model.MarginCall `json:"margin_call,omitempty"`

	// Resolution is set on MarginCallResolved.
	Resolution model.MarginCallStatus `json:"resolution,omitempty"`
}

// Key is the partition key used by sinks that shard by entity.
func (e Event) Key() string {
	switch {
	case e.UserID != "":
		return e.UserID
	case e.Trade != nil:
		return e.Trade.Instrument
	default:
		return string(e.Kind)
	}
}

// NewOrderPlaced reports an accepted order.
func NewOrderPlaced(o model.Order) Event {
	return Event{Kind: OrderPlaced, UserID: o.UserID, At: o.CreatedAt, Order: &o}
}

// NewTradeExecuted reports one execution.
func NewTradeExecuted(t model.Trade) Event {
	return Event{Kind: TradeExecuted, At: t.ExecutedAt, Trade: &t}
}

// NewMarginCall reports an issued margin call.
func NewMarginCall(c model.MarginCall) Event {
	return Event{Kind: MarginCallIssued, UserID: c.UserID, At: c.IssuedAt, MarginCall: &c}
}

// NewMarginCallResolved reports a call reaching met or unmet.
func NewMarginCallResolved(c model.MarginCall) Event {
	at := c.IssuedAt
	if c.ResolvedAt != nil {
		at = *c.ResolvedAt
	}
	return Event{Kind: MarginCallResolved, UserID: c.UserID, At: at, MarginCall: &c, Resolution: c.Status}
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Handler consumes delivered events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
