// Package model defines the core domain types shared across the trading engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind is the order type.
type OrderKind string

const (
	Limit  OrderKind = "limit"
	Market OrderKind = "market"
)

// TimeInForce controls what happens to the unfilled part of an order.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // rest until filled or cancelled
	IOC TimeInForce = "IOC" // cancel whatever does not fill immediately
	FOK TimeInForce = "FOK" // fill completely or reject without trading
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a buy or sell instruction for one instrument.
// Invariant: FilledQuantity <= Quantity, and Status is filled exactly when
// FilledQuantity == Quantity.
type Order struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Instrument     string           `json:"instrument"`
	Side           Side             `json:"side"`
	Kind           OrderKind        `json:"kind"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"` // nil for market orders
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Status         OrderStatus      `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	Reason         string           `json:"reason,omitempty"` // set on reject/cancel
	CreatedAt      time.Time        `json:"created_at"`
	Sequence       uint64           `json:"sequence"` // arrival order within the engine
}

// Remaining is the quantity still open.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill records an execution of qty and moves the status accordingly.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Trade is one execution between a buy and a sell order.
type Trade struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"` // maker (resting order) price
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Position is a user's aggregate holding in one instrument.
type Position struct {
	UserID       string          `json:"user_id"`
	Instrument   string          `json:"instrument"`
	NetQuantity  decimal.Decimal `json:"net_quantity"` // signed: +long, -short
	AveragePrice decimal.Decimal `json:"average_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Collateral is what a user has posted against margin in one region.
type Collateral struct {
	Cash        decimal.Decimal `json:"cash"`
	Securities  decimal.Decimal `json:"securities"`
	Commodities decimal.Decimal `json:"commodities"`
}

// Value is the total collateral value.
func (c Collateral) Value() decimal.Decimal {
	return c.Cash.Add(c.Securities).Add(c.Commodities)
}

// Portfolio aggregates a user's positions and collateral.
type Portfolio struct {
	UserID      string          `json:"user_id"`
	Region      string          `json:"region"`
	Positions   []Position      `json:"positions"`
	Collateral  Collateral      `json:"collateral"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // from positions already closed
}

// MarginRequirement is the margin owed on one position or contract.
// Invariant: MaintenanceMargin < InitialMargin.
type MarginRequirement struct {
	PositionOrContractID string          `json:"position_or_contract_id"`
	InitialMargin        decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin    decimal.Decimal `json:"maintenance_margin"`
	Region               string          `json:"region"`
}

// MarginMethod names how a portfolio total was aggregated.
type MarginMethod string

const (
	MethodSimple    MarginMethod = "simple"
	MethodPortfolio MarginMethod = "portfolio"
)

// PortfolioMargin is the aggregated margin for one user in one region.
type PortfolioMargin struct {
	UserID                string              `json:"user_id"`
	Region                string              `json:"region"`
	TotalInitial          decimal.Decimal     `json:"total_initial"`
	TotalMaintenance      decimal.Decimal     `json:"total_maintenance"`
	Method                MarginMethod        `json:"method"`
	DiversificationFactor *decimal.Decimal    `json:"diversification_factor,omitempty"`
	Requirements          []MarginRequirement `json:"requirements"`
}

// MarginCallStatus is the lifecycle state of a margin call.
type MarginCallStatus string

const (
	CallOpen  MarginCallStatus = "open"
	CallMet   MarginCallStatus = "met"
	CallUnmet MarginCallStatus = "unmet"
)

// MarginCall is a demand for additional collateral.
// Met and unmet are final.
type MarginCall struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Region     string           `json:"region"`
	Amount     decimal.Decimal  `json:"amount"`
	Status     MarginCallStatus `json:"status"`
	IssuedAt   time.Time        `json:"issued_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
