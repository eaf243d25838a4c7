// Package trade provides the HTTP handlers for order entry, book and
// portfolio queries, margin and margin-call management.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/contract"
	"github.com/quantenergx/trading-engine/internal/engine"
	"github.com/quantenergx/trading-engine/internal/ledger"
	"github.com/quantenergx/trading-engine/internal/margin"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/monitor"
	"github.com/quantenergx/trading-engine/internal/store"
)

const (
	defaultDepthLevels = 10
	maxDepthLevels     = 500
)

// Service exposes the engine over HTTP. Matching and margin state live in
// the engine, ledger and monitor; the service only translates requests.
type Service struct {
	engine     *engine.Engine
	ledger     *ledger.Ledger
	monitor    *monitor.Monitor
	calc       *margin.Calculator
	collateral store.CollateralStore
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine, l *ledger.Ledger, mon *monitor.Monitor,
	calc *margin.Calculator, collateral store.CollateralStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:     eng,
		ledger:     l,
		monitor:    mon,
		calc:       calc,
		collateral: collateral,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Routes registers the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/instruments", s.ListInstruments)
	r.Get("/books/{instrument}", s.GetBook)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/users/{userID}/orders", s.ListOrders)
	r.Get("/users/{userID}/portfolio", s.GetPortfolio)
	r.Get("/users/{userID}/margin", s.GetMargin)
	r.Put("/users/{userID}/collateral", s.PutCollateral)
	r.Get("/users/{userID}/margin-calls", s.ListMarginCalls)

	r.Post("/margin/contract", s.ContractMargin)

	r.Get("/margin-calls/{callID}", s.GetMarginCall)
	r.Post("/margin-calls/{callID}/resolve", s.ResolveMarginCall)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	Instrument  string            `json:"instrument" validate:"required"`
	Side        model.Side        `json:"side" validate:"required,oneof=buy sell"`
	Kind        model.OrderKind   `json:"kind" validate:"required,oneof=limit market"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Price       *decimal.Decimal  `json:"price,omitempty"` // required for limit orders
	TimeInForce model.TimeInForce `json:"time_in_force,omitempty" validate:"omitempty,oneof=GTC IOC FOK"`
	Region      string            `json:"region,omitempty"` // becomes the user's margin region
}

// ContractMarginRequest is the JSON body for POST /margin/contract.
type ContractMarginRequest struct {
	ID       string        `json:"id,omitempty"` // generated when empty
	Region   string        `json:"region" validate:"required"`
	Contract contract.Spec `json:"contract"`
}

// CollateralRequest is the JSON body for PUT /users/{userID}/collateral.
type CollateralRequest struct {
	Region      string          `json:"region,omitempty"` // defaults to the user's region
	Cash        decimal.Decimal `json:"cash"`
	Securities  decimal.Decimal `json:"securities"`
	Commodities decimal.Decimal `json:"commodities"`
}

// ResolveRequest is the JSON body for POST /margin-calls/{callID}/resolve.
type ResolveRequest struct {
	Resolution model.MarginCallStatus `json:"resolution" validate:"required,oneof=met unmet"`
}

// --- Handlers ---

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Instruments())
}

// GetBook handles GET /api/v1/books/{instrument}?levels=N
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	levels := defaultDepthLevels
	if raw := r.URL.Query().Get("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDepthLevels {
			writeError(w, fmt.Sprintf("levels must be between 1 and %d", maxDepthLevels), http.StatusBadRequest)
			return
		}
		levels = n
	}

	depth, err := s.engine.Depth(chi.URLParam(r, "instrument"), levels)
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// PlaceOrder handles POST /api/v1/orders
// Matches the order immediately and returns the order, its trades and any
// margin calls the trades caused.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.engine.Submit(r.Context(), engine.Request{
		UserID:      req.UserID,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		Region:      req.Region,
	})
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	s.logger.Info("order placed",
		"order_id", res.Order.ID,
		"user", res.Order.UserID,
		"instrument", res.Order.Instrument,
		"side", res.Order.Side,
		"qty", res.Order.Quantity.String(),
		"status", res.Order.Status,
		"trades", len(res.Trades),
	)
	writeJSON(w, http.StatusCreated, res)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	s.logger.Info("order cancelled", "order_id", o.ID, "user", o.UserID)
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.Orders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns positions, realized P&L and the collateral posted in the user's
// region.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p := s.ledger.Portfolio(chi.URLParam(r, "userID"))
	coll, err := s.collateral.Collateral(r.Context(), p.UserID, p.Region)
	if err != nil {
		writeError(w, "failed to load collateral", http.StatusInternalServerError)
		return
	}
	p.Collateral = coll
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, p)
}

// GetMargin handles GET /api/v1/users/{userID}/margin
func (s *Service) GetMargin(w http.ResponseWriter, r *http.Request) {
	st, err := s.monitor.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutCollateral handles PUT /api/v1/users/{userID}/collateral
// Replaces the user's collateral and re-evaluates their margin, which may
// issue a margin call.
func (s *Service) PutCollateral(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req CollateralRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Cash.IsNegative() || req.Securities.IsNegative() || req.Commodities.IsNegative() {
		writeError(w, "collateral amounts must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Region != "" {
		s.ledger.SetRegion(userID, req.Region)
	}
	regionName := s.ledger.Region(userID)

	coll := model.Collateral{Cash: req.Cash, Securities: req.Securities, Commodities: req.Commodities}
	if err := s.collateral.SetCollateral(ctx, userID, regionName, coll); err != nil {
		writeError(w, "failed to store collateral", http.StatusInternalServerError)
		return
	}
	s.logger.Info("collateral updated", "user", userID, "region", regionName, "value", coll.Value().String())

	if _, err := s.monitor.EvaluateUser(ctx, userID); err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	st, err := s.monitor.Status(ctx, userID)
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ContractMargin handles POST /api/v1/margin/contract
// Quotes the requirement for a single contract without booking anything.
func (s *Service) ContractMargin(w http.ResponseWriter, r *http.Request) {
	var req ContractMarginRequest
	if !s.decode(w, r, &req) {
		return
	}
	ct, err := req.Contract.Build()
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	reqm, err := s.calc.Requirement(id, ct, req.Region)
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, reqm)
}

// ListMarginCalls handles GET /api/v1/users/{userID}/margin-calls
func (s *Service) ListMarginCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.monitor.Calls(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list margin calls", http.StatusInternalServerError)
		return
	}
	if calls == nil {
		calls = []model.MarginCall{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// GetMarginCall handles GET /api/v1/margin-calls/{callID}
func (s *Service) GetMarginCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.monitor.Call(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// ResolveMarginCall handles POST /api/v1/margin-calls/{callID}/resolve
func (s *Service) ResolveMarginCall(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	call, err := s.monitor.Resolve(r.Context(), chi.URLParam(r, "callID"), req.Resolution)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if errors.Is(err, monitor.ErrAlreadyResolved) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
