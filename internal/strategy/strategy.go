// Package strategy defines the capability interface the scheduler drives.
// Signal math lives in the implementations; the core only consumes signals.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/ledger"
)

type SignalType string

const (
	SignalEntry      SignalType = "ENTRY"
	SignalExit       SignalType = "EXIT"
	SignalHedgeEntry SignalType = "HEDGE_ENTRY"
)

// TradeSignal is one trading decision emitted by a strategy.
type TradeSignal struct {
	Symbol      string
	Side        broker.Side
	Type        SignalType
	Price       decimal.Decimal
	StopLoss    decimal.Decimal
	TargetPrice decimal.Decimal
	SignalTime  time.Time
	GeneratedAt time.Time
	Direction   string
	LotQty      int
}

// Strategy is the narrow surface the scheduler talks to. Implementations own
// their indicator state; the scheduler owns their lifecycle.
type Strategy interface {
	Name() string
	Symbol() string
	Setup(ctx context.Context) error
	ProcessCycle(ctx context.Context) (*TradeSignal, error)
	EvaluateExit(ctx context.Context, ord ledger.LogicalOrder) (bool, string, error)
}

// Params carries everything a constructor may need. Data is the configured
// data-provider broker for quotes; Settings is the persisted config blob.
type Params struct {
	StrategyID int64
	Name       string
	Symbol     string
	Settings   map[string]string
	Data       broker.Adapter
}

type Constructor func(Params) (Strategy, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Constructor)
)

// Register makes a strategy constructor available under name.
func Register(name string, c Constructor) {
	regMu.Lock()
	registry[name] = c
	regMu.Unlock()
}

// New builds a strategy by registered name.
func New(name string, p Params) (Strategy, error) {
	regMu.RLock()
	c, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return c(p)
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
