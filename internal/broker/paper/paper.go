// Package paper is an in-memory broker for paper trading and tests. Orders
// fill immediately at the requested (or scripted) price; fills, positions and
// cash are tracked so the rest of the system behaves exactly as in live mode.
package paper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
)

type Options struct {
	Name         string // defaults to "paper"
	StartingCash decimal.Decimal
	Currency     string
}

type paperOrder struct {
	id     string
	req    broker.OrderRequest
	status string
	filled decimal.Decimal
	avg    decimal.Decimal
	placed time.Time
}

type Adapter struct {
	name     string
	currency string

	mu        sync.Mutex
	cash      decimal.Decimal
	orders    map[string]*paperOrder
	positions map[string]*broker.Position
	counter   int64

	// Scripting knobs for tests.
	failNext   error
	marks      map[string]decimal.Decimal // symbol -> mark price for fills and PnL
	authFailed error
}

func New(opts Options) *Adapter {
	name := opts.Name
	if name == "" {
		name = "paper"
	}
	currency := opts.Currency
	if currency == "" {
		currency = "USD"
	}
	cash := opts.StartingCash
	if cash.IsZero() {
		cash = decimal.NewFromInt(1_000_000)
	}
	return &Adapter{
		name:      name,
		currency:  currency,
		cash:      cash,
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*broker.Position),
		marks:     make(map[string]decimal.Decimal),
		counter:   1000,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Authenticate(ctx context.Context, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authFailed != nil {
		return &broker.ConnectionError{Broker: a.name, Err: a.authFailed}
	}
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: "scripted failure", Err: err}
	}

	price := req.Price
	if mark, ok := a.marks[req.Symbol]; ok && (req.Type == broker.Market || price.IsZero()) {
		price = mark
	}
	if price.IsZero() {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: fmt.Sprintf("no mark price for %s", req.Symbol)}
	}

	a.counter++
	ord := &paperOrder{
		id:     fmt.Sprintf("paper_%d_%d", time.Now().Unix(), a.counter),
		req:    req,
		status: "FILLED",
		filled: decimal.NewFromInt(int64(req.Quantity)),
		avg:    price,
		placed: time.Now().UTC(),
	}
	a.orders[ord.id] = ord
	a.applyFill(req.Symbol, req.Side, ord.filled, price)
	log.Printf("PaperBroker | %s Filled %s %s x%d @ %s (order %s)", a.name, req.Side, req.Symbol, req.Quantity, price, ord.id)
	return a.result(ord), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string, _ broker.CancelOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[brokerOrderID]
	if !ok {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: fmt.Sprintf("unknown order %s", brokerOrderID)}
	}
	if ord.status == "FILLED" {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: "order already filled"}
	}
	ord.status = "CANCELLED"
	return a.result(ord), nil
}

func (a *Adapter) ExitOrder(ctx context.Context, brokerOrderID string, opts broker.ExitOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[brokerOrderID]
	if !ok {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: fmt.Sprintf("unknown order %s", brokerOrderID)}
	}
	qty := ord.filled
	if opts.Quantity > 0 {
		qty = decimal.NewFromInt(int64(opts.Quantity))
	}
	price := ord.avg
	if mark, ok := a.marks[ord.req.Symbol]; ok {
		price = mark
	}
	a.counter++
	exit := &paperOrder{
		id:     fmt.Sprintf("paper_%d_%d", time.Now().Unix(), a.counter),
		req:    ord.req.WithQuantity(int(qty.IntPart())),
		status: "FILLED",
		filled: qty,
		avg:    price,
		placed: time.Now().UTC(),
	}
	exit.req.Side = ord.req.Side.Opposite()
	a.orders[exit.id] = exit
	a.applyFill(ord.req.Symbol, exit.req.Side, qty, price)
	return a.result(exit), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.Position, 0, len(a.positions))
	for symbol, p := range a.positions {
		pos := *p
		if mark, ok := a.marks[symbol]; ok && !p.Quantity.IsZero() {
			pos.LastPrice = mark
			diff := mark.Sub(p.AvgPrice)
			if p.Side == broker.Sell {
				diff = diff.Neg()
			}
			pos.UnrealizedPnL = diff.Mul(p.Quantity)
		}
		out = append(out, pos)
	}
	return out, nil
}

func (a *Adapter) GetOrderDetails(ctx context.Context, brokerOrderID string) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[brokerOrderID]
	if !ok {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.name, Reason: fmt.Sprintf("unknown order %s", brokerOrderID)}
	}
	return a.result(ord), nil
}

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	if err := ctx.Err(); err != nil {
		return broker.Balance{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	used := decimal.Zero
	for symbol, p := range a.positions {
		mark := p.AvgPrice
		if m, ok := a.marks[symbol]; ok {
			mark = m
		}
		used = used.Add(mark.Mul(p.Quantity))
	}
	return broker.Balance{
		Available: a.cash,
		Used:      used,
		Total:     a.cash.Add(used),
		Currency:  a.currency,
	}, nil
}

func (a *Adapter) ResolveSymbol(ctx context.Context, canonical string, _ broker.InstrumentType) (broker.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return broker.Resolution{}, err
	}
	return broker.Resolution{Symbol: canonical}, nil
}

func (a *Adapter) CheckMargin(ctx context.Context, req broker.OrderRequest) (broker.MarginCheck, error) {
	if err := ctx.Err(); err != nil {
		return broker.MarginCheck{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	required := req.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	check := broker.MarginCheck{Supported: true, Required: required, Allowed: true}
	if req.Side == broker.Buy && required.GreaterThan(a.cash) {
		check.Allowed = false
		check.Reason = fmt.Sprintf("requires %s, cash %s", required, a.cash)
	}
	return check, nil
}

// applyFill updates cash and the net position for symbol. Caller holds a.mu.
func (a *Adapter) applyFill(symbol string, side broker.Side, qty, price decimal.Decimal) {
	notional := qty.Mul(price)
	if side == broker.Buy {
		a.cash = a.cash.Sub(notional)
	} else {
		a.cash = a.cash.Add(notional)
	}

	p, ok := a.positions[symbol]
	if !ok {
		a.positions[symbol] = &broker.Position{Symbol: symbol, Side: side, Quantity: qty, AvgPrice: price, LastPrice: price}
		return
	}
	if p.Side == side {
		total := p.Quantity.Add(qty)
		p.AvgPrice = p.AvgPrice.Mul(p.Quantity).Add(notional).Div(total)
		p.Quantity = total
		return
	}
	// Opposite side reduces or flips the position.
	pnl := price.Sub(p.AvgPrice).Mul(qty)
	if p.Side == broker.Sell {
		pnl = pnl.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	switch {
	case qty.LessThan(p.Quantity):
		p.Quantity = p.Quantity.Sub(qty)
	case qty.Equal(p.Quantity):
		p.Quantity = decimal.Zero
	default:
		p.Side = side
		p.Quantity = qty.Sub(p.Quantity)
		p.AvgPrice = price
	}
}

func (a *Adapter) result(ord *paperOrder) broker.OrderResult {
	raw, _ := json.Marshal(map[string]any{
		"id": ord.id, "symbol": ord.req.Symbol, "side": ord.req.Side,
		"status": ord.status, "filled": ord.filled.String(), "avg": ord.avg.String(),
	})
	return broker.OrderResult{
		BrokerOrderID: ord.id,
		Status:        ord.status,
		FilledQty:     ord.filled,
		AvgPrice:      ord.avg,
		Timestamp:     ord.placed,
		Raw:           raw,
	}
}

// SetMark scripts the current market price for symbol.
func (a *Adapter) SetMark(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	a.marks[symbol] = price
	a.mu.Unlock()
}

// FailNextOrder scripts the next PlaceOrder call to fail with err.
func (a *Adapter) FailNextOrder(err error) {
	a.mu.Lock()
	a.failNext = err
	a.mu.Unlock()
}

// FailAuth scripts Authenticate to fail with err; nil restores success.
func (a *Adapter) FailAuth(err error) {
	a.mu.Lock()
	a.authFailed = err
	a.mu.Unlock()
}
