// Package dispatcher fans trading decisions out across all configured brokers.
// One OrderRequest becomes one submission per trade-enabled broker; failures
// stay in that broker's result slot and never abort the siblings.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/ratelimit"
	"github.com/amirphl/multitrader/internal/retry"
)

// StrategyContext identifies the decision behind an order for logs and journal rows.
type StrategyContext struct {
	StrategyName string
	Symbol       string
	OrderID      string
}

// SliceResult is one submitted chunk of a split order.
type SliceResult struct {
	Request broker.OrderRequest
	Result  broker.OrderResult
	Err     error
}

// Outcome is one broker's aggregate result for a placement. A broker that is
// disabled or unauthenticated still gets an Outcome, with OK=false and a
// message, so the caller always sees every configured broker.
type Outcome struct {
	Broker  string
	OK      bool
	Message string
	Slices  []SliceResult
}

// FilledSlices returns the slices that produced a broker-side order.
func (o *Outcome) FilledSlices() []SliceResult {
	var out []SliceResult
	for _, s := range o.Slices {
		if s.Err == nil && s.Result.BrokerOrderID != "" {
			out = append(out, s)
		}
	}
	return out
}

// Options tunes splitting and session maintenance.
type Options struct {
	SlicePriceStep decimal.Decimal
	MaxPriceDrift  decimal.Decimal
	CutoffHour     int
	Location       *time.Location
}

// Dispatcher owns the authenticated broker set, the per-broker rate budgets,
// and the only path through which any component reaches a broker API.
type Dispatcher struct {
	mu      sync.RWMutex
	handles map[string]*broker.Handle
	order   []string // stable iteration order

	exec    *retry.Executor
	limits  *ratelimit.Registry
	storage db.Storage
	notif   notifier.Notifier
	opts    Options

	symbols *symbolCache
}

func New(limits *ratelimit.Registry, storage db.Storage, notif notifier.Notifier, opts Options) *Dispatcher {
	if notif == nil {
		notif = notifier.Noop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CutoffHour == 0 {
		opts.CutoffHour = 8
	}
	return &Dispatcher{
		handles: make(map[string]*broker.Handle),
		exec:    retry.NewExecutor(limits),
		limits:  limits,
		storage: storage,
		notif:   notif,
		opts:    opts,
		symbols: newSymbolCache(),
	}
}

// Register adds a broker handle. Budgets are configured on the shared registry
// so rate limiting stays per broker and independent.
func (d *Dispatcher) Register(h *broker.Handle, budget ratelimit.Budget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handles[h.Name]; !exists {
		d.order = append(d.order, h.Name)
		sort.Strings(d.order)
	}
	d.handles[h.Name] = h
	d.limits.Configure(h.Name, budget)
}

// Handle returns the named broker handle.
func (d *Dispatcher) Handle(name string) (*broker.Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[name]
	return h, ok
}

// Handles returns all registered handles in stable order.
func (d *Dispatcher) Handles() []*broker.Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*broker.Handle, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.handles[name])
	}
	return out
}

// DataProvider returns the adapter flagged as the quote source.
func (d *Dispatcher) DataProvider() broker.Adapter {
	for _, h := range d.Handles() {
		if h.DataProvider {
			return h.Adapter
		}
	}
	return nil
}

// PlaceOrder fans req out to every trade-enabled broker concurrently and
// returns one Outcome per configured broker. The only error it returns is a
// programming-contract violation (invalid request); broker failures live in
// their Outcome slots.
func (d *Dispatcher) PlaceOrder(ctx context.Context, req broker.OrderRequest, sctx StrategyContext) (map[string]*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	handles := d.Handles()
	outcomes := make(map[string]*Outcome, len(handles))
	var mu sync.Mutex

	p := pool.New().WithContext(ctx)
	for _, h := range handles {
		h := h
		p.Go(func(ctx context.Context) error {
			out := d.placeOnBroker(ctx, h, req, sctx)
			mu.Lock()
			outcomes[h.Name] = out
			mu.Unlock()
			return nil
		})
	}
	// Task errors are folded into outcomes; Wait only observes ctx cancellation.
	if err := p.Wait(); err != nil {
		log.Printf("Dispatcher | Fan-out interrupted for %s %s: %v", sctx.StrategyName, req.Symbol, err)
	}
	return outcomes, nil
}

func (d *Dispatcher) placeOnBroker(ctx context.Context, h *broker.Handle, req broker.OrderRequest, sctx StrategyContext) *Outcome {
	out := &Outcome{Broker: h.Name}

	if !h.Tradeable() {
		out.Message = "trading disabled for broker"
		return out
	}
	if h.State() != broker.Connected {
		out.Message = fmt.Sprintf("broker not authenticated (state %s)", h.State())
		return out
	}

	resolved := d.resolve(ctx, h, req.Symbol, broker.InstrumentEquity)
	derived := req.WithResolution(resolved)

	if mc, err := h.Adapter.CheckMargin(ctx, derived); err == nil && mc.Supported && !mc.Allowed {
		out.Message = fmt.Sprintf("margin check failed: %s", mc.Reason)
		return out
	}

	slices := splitRequest(derived, h.MaxOrderQty, d.opts.SlicePriceStep, d.opts.MaxPriceDrift)
	ok := false
	for _, slice := range slices {
		slice := slice
		res, err := retry.Do(ctx, d.exec, h.Name, retry.OrderCriticalPolicy(), func(ctx context.Context) (broker.OrderResult, error) {
			return h.Adapter.PlaceOrder(ctx, slice)
		})
		out.Slices = append(out.Slices, SliceResult{Request: slice, Result: res, Err: err})
		if err != nil {
			log.Printf("Dispatcher | %s slice failed for %s %s qty=%d: %v", h.Name, sctx.StrategyName, slice.Symbol, slice.Quantity, err)
			continue
		}
		ok = true
	}
	out.OK = ok
	if !ok && out.Message == "" {
		out.Message = "all slices failed"
	}
	return out
}

// splitRequest slices an oversized order into broker-compliant chunks. For
// priced order types each later slice walks its limit toward the market by
// step, capped at maxDrift total; market slices keep their price untouched.
func splitRequest(req broker.OrderRequest, maxQty int, step, maxDrift decimal.Decimal) []broker.OrderRequest {
	if maxQty <= 0 || req.Quantity <= maxQty {
		return []broker.OrderRequest{req}
	}
	var out []broker.OrderRequest
	remaining := req.Quantity
	for i := 0; remaining > 0; i++ {
		qty := remaining
		if qty > maxQty {
			qty = maxQty
		}
		slice := req.WithQuantity(qty)
		if req.Type != broker.Market && i > 0 && !step.IsZero() {
			drift := step.Mul(decimal.NewFromInt(int64(i)))
			if !maxDrift.IsZero() && drift.GreaterThan(maxDrift) {
				drift = maxDrift
			}
			if req.Side == broker.Buy {
				slice = slice.WithPrice(req.Price.Add(drift))
			} else {
				slice = slice.WithPrice(req.Price.Sub(drift))
			}
		}
		out = append(out, slice)
		remaining -= qty
	}
	return out
}

// CancelOrder routes a cancel to the single broker owning the broker order id.
func (d *Dispatcher) CancelOrder(ctx context.Context, brokerName, brokerOrderID string, opts broker.CancelOpts) (broker.OrderResult, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("unknown broker %q", brokerName)
	}
	return retry.Do(ctx, d.exec, h.Name, retry.OrderCriticalPolicy(), func(ctx context.Context) (broker.OrderResult, error) {
		return h.Adapter.CancelOrder(ctx, brokerOrderID, opts)
	})
}

// ExitOrder routes a position exit to the owning broker.
func (d *Dispatcher) ExitOrder(ctx context.Context, brokerName, brokerOrderID string, opts broker.ExitOpts) (broker.OrderResult, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("unknown broker %q", brokerName)
	}
	return retry.Do(ctx, d.exec, h.Name, retry.OrderCriticalPolicy(), func(ctx context.Context) (broker.OrderResult, error) {
		return h.Adapter.ExitOrder(ctx, brokerOrderID, opts)
	})
}

// OrderDetails fetches the broker-side view of one order.
func (d *Dispatcher) OrderDetails(ctx context.Context, brokerName, brokerOrderID string) (broker.OrderResult, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("unknown broker %q", brokerName)
	}
	return retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) (broker.OrderResult, error) {
		return h.Adapter.GetOrderDetails(ctx, brokerOrderID)
	})
}

// Positions fetches a broker's live positions through the shared rate budget.
// Risk monitoring goes through here so the limiter is never bypassed.
func (d *Dispatcher) Positions(ctx context.Context, brokerName string) ([]broker.Position, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return nil, fmt.Errorf("unknown broker %q", brokerName)
	}
	return retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) ([]broker.Position, error) {
		return h.Adapter.GetPositions(ctx)
	})
}

// Balance fetches a broker's account balance.
func (d *Dispatcher) Balance(ctx context.Context, brokerName string) (broker.Balance, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return broker.Balance{}, fmt.Errorf("unknown broker %q", brokerName)
	}
	return retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) (broker.Balance, error) {
		return h.Adapter.GetBalance(ctx)
	})
}
