// Package broker defines the contract every brokerage adapter must satisfy.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType distinguishes how a canonical symbol maps to a tradable contract.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQ"
	InstrumentFuture InstrumentType = "FUT"
	InstrumentOption InstrumentType = "OPT"
)

// Resolution is the broker-native view of a canonical symbol.
// Token is empty when the broker addresses instruments by symbol alone.
type Resolution struct {
	Symbol string
	Token  string
}

// OrderResult is a single broker's response to a place/cancel/exit/details call.
// Status carries the broker-native status string untranslated; mapping to the
// canonical status happens in the ledger.
type OrderResult struct {
	BrokerOrderID string
	Status        string
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Timestamp     time.Time
	Raw           []byte
}

// Position is one open position as reported by a broker.
type Position struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	LastPrice     decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Product       string
}

// Balance is a broker account snapshot.
type Balance struct {
	Available decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
	Currency  string
}

// MarginCheck is the outcome of a pre-order margin probe. Adapters that cannot
// check margin return Supported=false rather than an error, so the dispatcher
// can proceed without reflective capability probing.
type MarginCheck struct {
	Supported bool
	Allowed   bool
	Reason    string
	Required  decimal.Decimal
}

// CancelOpts normalizes broker-specific cancel parameters. Some brokers need a
// "variety" discriminator, others ignore it.
type CancelOpts struct {
	Variety string
	Product string
}

// ExitOpts mirrors CancelOpts for position exits.
type ExitOpts struct {
	Variety  string
	Product  string
	Quantity int
}

// Adapter is the capability set one brokerage integration implements.
// Operations a broker does not support return ErrUnsupported (or, for margin,
// a MarginCheck with Supported=false).
type Adapter interface {
	Name() string
	Authenticate(ctx context.Context, force bool) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string, opts CancelOpts) (OrderResult, error)
	ExitOrder(ctx context.Context, brokerOrderID string, opts ExitOpts) (OrderResult, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrderDetails(ctx context.Context, brokerOrderID string) (OrderResult, error)
	GetBalance(ctx context.Context) (Balance, error)
	ResolveSymbol(ctx context.Context, canonical string, instrument InstrumentType) (Resolution, error)
	CheckMargin(ctx context.Context, req OrderRequest) (MarginCheck, error)
}
