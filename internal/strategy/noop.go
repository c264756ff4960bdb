package strategy

import (
	"context"

	"github.com/amirphl/multitrader/internal/ledger"
)

func init() {
	Register("noop", func(p Params) (Strategy, error) {
		return &noop{symbol: p.Symbol}, nil
	})
}

// noop never signals. Useful for wiring checks and as a disabled placeholder
// row in strategy configs.
type noop struct {
	symbol string
}

func (n *noop) Name() string   { return "noop" }
func (n *noop) Symbol() string { return n.symbol }

func (n *noop) Setup(ctx context.Context) error { return nil }

func (n *noop) ProcessCycle(ctx context.Context) (*TradeSignal, error) { return nil, nil }

func (n *noop) EvaluateExit(ctx context.Context, ord ledger.LogicalOrder) (bool, string, error) {
	return false, "", nil
}
