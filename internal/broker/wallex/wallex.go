// Package wallex adapts the Wallex spot exchange to the broker contract.
// Wallex addresses instruments by symbol alone and has no margin API, so
// CheckMargin reports unsupported and positions are synthesized from balances.
package wallex

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	wallexgo "github.com/wallexchange/wallex-go"

	"github.com/amirphl/multitrader/internal/broker"
)

// Options configures one Wallex account connection. Quote is the settlement
// asset reported by GetBalance, usually USDT or TMN.
type Options struct {
	APIKey string
	Quote  string
}

type Adapter struct {
	client *wallexgo.Client
	quote  string

	mu      sync.RWMutex
	markets map[string]bool // native symbols seen on the exchange
}

func New(opts Options) *Adapter {
	quote := opts.Quote
	if quote == "" {
		quote = "USDT"
	}
	return &Adapter{
		client: wallexgo.New(wallexgo.ClientOptions{APIKey: opts.APIKey}),
		quote:  quote,
	}
}

func (a *Adapter) Name() string { return "wallex" }

// Authenticate probes the account and refreshes the market list. Wallex auth
// is a static API key, so the probe is the only way to learn the key is bad.
func (a *Adapter) Authenticate(ctx context.Context, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.client.Balances(); err != nil {
		return &broker.ConnectionError{Broker: a.Name(), Err: err}
	}
	markets, err := a.client.Markets()
	if err != nil {
		log.Printf("Wallex | Could not refresh market list: %v", err)
		return nil
	}
	known := make(map[string]bool, len(markets))
	for _, m := range markets {
		known[m.Symbol] = true
	}
	a.mu.Lock()
	a.markets = known
	a.mu.Unlock()
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	if req.Type == broker.StopLoss || req.Type == broker.StopLimit {
		return broker.OrderResult{}, fmt.Errorf("wallex: stop orders: %w", broker.ErrUnsupported)
	}
	symbol := req.NativeSymbol
	if symbol == "" {
		symbol = nativeSymbol(req.Symbol)
	}
	params := &wallexgo.OrderParams{
		Symbol:   symbol,
		Type:     string(req.Type),
		Side:     string(req.Side),
		Quantity: wallexgo.Number(decimal.NewFromInt(int64(req.Quantity)).String()),
	}
	if req.Type == broker.Limit {
		params.Price = wallexgo.Number(req.Price.String())
	}
	resp, err := a.client.PlaceOrder(params)
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "place order", Err: err}
	}
	return orderResult(resp), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string, _ broker.CancelOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	if err := a.client.CancelOrder(brokerOrderID); err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "cancel order", Err: err}
	}
	resp, err := a.client.Order(brokerOrderID)
	if err != nil {
		// Cancel went through; report it even when the follow-up read fails.
		return broker.OrderResult{BrokerOrderID: brokerOrderID, Status: "CANCELED", Timestamp: time.Now().UTC()}, nil
	}
	return orderResult(resp), nil
}

// ExitOrder flattens a spot fill by placing the opposite market order for the
// executed quantity.
func (a *Adapter) ExitOrder(ctx context.Context, brokerOrderID string, opts broker.ExitOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	orig, err := a.client.Order(brokerOrderID)
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "load order for exit", Err: err}
	}
	qty := number(orig.ExecutedQty)
	if opts.Quantity > 0 {
		qty = decimal.NewFromInt(int64(opts.Quantity))
	}
	if qty.IsZero() {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "nothing executed to exit"}
	}
	side := broker.Side(strings.ToUpper(orig.Side)).Opposite()
	resp, err := a.client.PlaceOrder(&wallexgo.OrderParams{
		Symbol:   orig.Symbol,
		Type:     string(broker.Market),
		Side:     string(side),
		Quantity: wallexgo.Number(qty.String()),
	})
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "exit order", Err: err}
	}
	return orderResult(resp), nil
}

// GetPositions reports non-zero, non-fiat asset balances as spot positions.
// Entry prices are not tracked exchange-side, so PnL fields stay zero.
func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	balances, err := a.client.Balances()
	if err != nil {
		return nil, &broker.NetworkError{Op: "fetch balances", Err: err}
	}
	var out []broker.Position
	for asset, b := range balances {
		if b == nil || b.Fiat || asset == a.quote {
			continue
		}
		total := number(&b.Value).Add(number(&b.Locked))
		if total.IsZero() {
			continue
		}
		out = append(out, broker.Position{
			Symbol:   asset,
			Side:     broker.Buy,
			Quantity: total,
			Product:  "SPOT",
		})
	}
	return out, nil
}

func (a *Adapter) GetOrderDetails(ctx context.Context, brokerOrderID string) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	resp, err := a.client.Order(brokerOrderID)
	if err != nil {
		return broker.OrderResult{}, &broker.NetworkError{Op: "order details", Err: err}
	}
	return orderResult(resp), nil
}

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	if err := ctx.Err(); err != nil {
		return broker.Balance{}, err
	}
	balances, err := a.client.Balances()
	if err != nil {
		return broker.Balance{}, &broker.NetworkError{Op: "fetch balances", Err: err}
	}
	b, ok := balances[a.quote]
	if !ok || b == nil {
		return broker.Balance{Currency: a.quote}, nil
	}
	available := number(&b.Value)
	locked := number(&b.Locked)
	return broker.Balance{
		Available: available,
		Used:      locked,
		Total:     available.Add(locked),
		Currency:  a.quote,
	}, nil
}

// ResolveSymbol maps the canonical hyphenated form (BTC-USDT) to the exchange
// form (BTCUSDT) and validates it against the cached market list when present.
func (a *Adapter) ResolveSymbol(ctx context.Context, canonical string, instrument broker.InstrumentType) (broker.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return broker.Resolution{}, err
	}
	if instrument != broker.InstrumentEquity {
		return broker.Resolution{}, fmt.Errorf("wallex: %s instruments: %w", instrument, broker.ErrUnsupported)
	}
	native := nativeSymbol(canonical)
	a.mu.RLock()
	known := a.markets
	a.mu.RUnlock()
	if known != nil && !known[native] {
		return broker.Resolution{}, &broker.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s is not listed on wallex", canonical)}
	}
	return broker.Resolution{Symbol: native}, nil
}

func (a *Adapter) CheckMargin(ctx context.Context, req broker.OrderRequest) (broker.MarginCheck, error) {
	return broker.MarginCheck{Supported: false}, nil
}

// nativeSymbol converts e.g. btc-usdt to BTCUSDT for the Wallex API.
func nativeSymbol(canonical string) string {
	return strings.ToUpper(strings.ReplaceAll(canonical, "-", ""))
}

func orderResult(o *wallexgo.Order) broker.OrderResult {
	raw, _ := json.Marshal(o)
	return broker.OrderResult{
		BrokerOrderID: o.ClientOrderID,
		Status:        strings.ToUpper(o.Status),
		FilledQty:     number(o.ExecutedQty),
		AvgPrice:      number(o.ExecutedPrice),
		Timestamp:     o.CreatedAt.UTC(),
		Raw:           raw,
	}
}

func number(n *wallexgo.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.Zero
	}
	return d
}
