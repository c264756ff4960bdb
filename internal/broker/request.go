package broker

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that flattens this one.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	StopLoss  OrderType = "SL"
	StopLimit OrderType = "SL_LIMIT"
)

// OrderRequest is one trading decision expressed as an order. It is built once
// per decision and never mutated; broker-specific variants are derived copies.
type OrderRequest struct {
	Symbol       string
	NativeSymbol string
	Token        string
	Quantity     int
	Side         Side
	Type         OrderType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Product      string
	Extra        map[string]string
}

// Validate checks the request is self-consistent before it reaches any broker.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if r.Side != Buy && r.Side != Sell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	switch r.Type {
	case Market:
	case Limit:
		if r.Price.IsZero() {
			return &ValidationError{Field: "price", Reason: "required for LIMIT orders"}
		}
	case StopLoss, StopLimit:
		if r.TriggerPrice.IsZero() {
			return &ValidationError{Field: "trigger_price", Reason: "required for SL orders"}
		}
		if r.Type == StopLimit && r.Price.IsZero() {
			return &ValidationError{Field: "price", Reason: "required for SL_LIMIT orders"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown order type"}
	}
	return nil
}

// WithQuantity returns a copy with a different quantity.
func (r OrderRequest) WithQuantity(qty int) OrderRequest {
	out := r.clone()
	out.Quantity = qty
	return out
}

// WithPrice returns a copy with a different limit price.
func (r OrderRequest) WithPrice(price decimal.Decimal) OrderRequest {
	out := r.clone()
	out.Price = price
	return out
}

// WithResolution returns a copy carrying the broker-native symbol and token.
func (r OrderRequest) WithResolution(res Resolution) OrderRequest {
	out := r.clone()
	out.NativeSymbol = res.Symbol
	out.Token = res.Token
	return out
}

func (r OrderRequest) clone() OrderRequest {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
