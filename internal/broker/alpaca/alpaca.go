// Package alpaca adapts the Alpaca equities API to the broker contract.
package alpaca

import (
	"context"
	"fmt"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
)

type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

type Adapter struct {
	client *alpacaapi.Client
}

func New(opts Options) *Adapter {
	return &Adapter{
		client: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
	}
}

func (a *Adapter) Name() string { return "alpaca" }

// Authenticate probes the account. Alpaca keys are static, so a failed probe
// means bad credentials or an unreachable API, both session problems.
func (a *Adapter) Authenticate(ctx context.Context, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acct, err := a.client.GetAccount()
	if err != nil {
		return &broker.ConnectionError{Broker: a.Name(), Err: err}
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		return &broker.ConnectionError{Broker: a.Name(), Err: fmt.Errorf("account %s is blocked", acct.AccountNumber)}
	}
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	symbol := req.NativeSymbol
	if symbol == "" {
		symbol = req.Symbol
	}
	qty := decimal.NewFromInt(int64(req.Quantity))
	placeReq := alpacaapi.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &qty,
		Side:        alpacaapi.Side(strings.ToLower(string(req.Side))),
		TimeInForce: alpacaapi.Day,
	}
	switch req.Type {
	case broker.Market:
		placeReq.Type = alpacaapi.Market
	case broker.Limit:
		placeReq.Type = alpacaapi.Limit
		price := req.Price
		placeReq.LimitPrice = &price
	case broker.StopLoss:
		placeReq.Type = alpacaapi.Stop
		trigger := req.TriggerPrice
		placeReq.StopPrice = &trigger
	case broker.StopLimit:
		placeReq.Type = alpacaapi.StopLimit
		price, trigger := req.Price, req.TriggerPrice
		placeReq.LimitPrice = &price
		placeReq.StopPrice = &trigger
	default:
		return broker.OrderResult{}, &broker.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %s", req.Type)}
	}
	order, err := a.client.PlaceOrder(placeReq)
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "place order", Err: err}
	}
	return orderResult(order), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string, _ broker.CancelOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	if err := a.client.CancelOrder(brokerOrderID); err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "cancel order", Err: err}
	}
	order, err := a.client.GetOrder(brokerOrderID)
	if err != nil {
		return broker.OrderResult{BrokerOrderID: brokerOrderID, Status: "CANCELED", Timestamp: time.Now().UTC()}, nil
	}
	return orderResult(order), nil
}

// ExitOrder closes the filled part of an order via the positions API, which
// lets Alpaca net the exit against the original position atomically.
func (a *Adapter) ExitOrder(ctx context.Context, brokerOrderID string, opts broker.ExitOpts) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	orig, err := a.client.GetOrder(brokerOrderID)
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "load order for exit", Err: err}
	}
	qty := orig.FilledQty
	if opts.Quantity > 0 {
		qty = decimal.NewFromInt(int64(opts.Quantity))
	}
	if qty.IsZero() {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "nothing executed to exit"}
	}
	order, err := a.client.ClosePosition(orig.Symbol, alpacaapi.ClosePositionRequest{Qty: qty})
	if err != nil {
		return broker.OrderResult{}, &broker.ExecutionError{Broker: a.Name(), Reason: "close position", Err: err}
	}
	return orderResult(order), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, &broker.NetworkError{Op: "fetch positions", Err: err}
	}
	out := make([]broker.Position, 0, len(positions))
	for _, p := range positions {
		side := broker.Buy
		if strings.EqualFold(p.Side, "short") {
			side = broker.Sell
		}
		pos := broker.Position{
			Symbol:   p.Symbol,
			Side:     side,
			Quantity: p.Qty.Abs(),
			AvgPrice: p.AvgEntryPrice,
			Product:  string(p.AssetClass),
		}
		if p.CurrentPrice != nil {
			pos.LastPrice = *p.CurrentPrice
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = *p.UnrealizedPL
		}
		out = append(out, pos)
	}
	return out, nil
}

func (a *Adapter) GetOrderDetails(ctx context.Context, brokerOrderID string) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	order, err := a.client.GetOrder(brokerOrderID)
	if err != nil {
		return broker.OrderResult{}, &broker.NetworkError{Op: "order details", Err: err}
	}
	return orderResult(order), nil
}

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	if err := ctx.Err(); err != nil {
		return broker.Balance{}, err
	}
	acct, err := a.client.GetAccount()
	if err != nil {
		return broker.Balance{}, &broker.NetworkError{Op: "fetch account", Err: err}
	}
	return broker.Balance{
		Available: acct.Cash,
		Used:      acct.Equity.Sub(acct.Cash),
		Total:     acct.Equity,
		Currency:  acct.Currency,
	}, nil
}

// ResolveSymbol validates the canonical symbol against the asset directory.
// The asset ID doubles as the token for order routing.
func (a *Adapter) ResolveSymbol(ctx context.Context, canonical string, instrument broker.InstrumentType) (broker.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return broker.Resolution{}, err
	}
	if instrument != broker.InstrumentEquity {
		return broker.Resolution{}, fmt.Errorf("alpaca: %s instruments: %w", instrument, broker.ErrUnsupported)
	}
	asset, err := a.client.GetAsset(canonical)
	if err != nil {
		return broker.Resolution{}, &broker.NetworkError{Op: "resolve symbol", Err: err}
	}
	if !asset.Tradable {
		return broker.Resolution{}, &broker.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s is not tradable on alpaca", canonical)}
	}
	return broker.Resolution{Symbol: asset.Symbol, Token: asset.ID}, nil
}

// CheckMargin compares the order's notional against current buying power.
func (a *Adapter) CheckMargin(ctx context.Context, req broker.OrderRequest) (broker.MarginCheck, error) {
	if err := ctx.Err(); err != nil {
		return broker.MarginCheck{}, err
	}
	if req.Price.IsZero() {
		// Market orders have no reliable pre-trade notional.
		return broker.MarginCheck{Supported: false}, nil
	}
	acct, err := a.client.GetAccount()
	if err != nil {
		return broker.MarginCheck{}, &broker.NetworkError{Op: "fetch account", Err: err}
	}
	required := req.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	check := broker.MarginCheck{Supported: true, Required: required}
	if req.Side == broker.Buy && required.GreaterThan(acct.BuyingPower) {
		check.Reason = fmt.Sprintf("requires %s, buying power %s", required, acct.BuyingPower)
		return check, nil
	}
	check.Allowed = true
	return check, nil
}

func orderResult(o *alpacaapi.Order) broker.OrderResult {
	raw, _ := json.Marshal(o)
	res := broker.OrderResult{
		BrokerOrderID: o.ID,
		Status:        strings.ToUpper(o.Status),
		FilledQty:     o.FilledQty,
		Timestamp:     o.SubmittedAt.UTC(),
		Raw:           raw,
	}
	if o.FilledAvgPrice != nil {
		res.AvgPrice = *o.FilledAvgPrice
	}
	return res
}
