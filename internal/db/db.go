// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/ledger"
)

// StrategyRow mirrors the strategies table.
type StrategyRow struct {
	ID             int64
	Name           string
	Enabled        bool
	DisabledReason string
	UpdatedAt      time.Time
}

// StrategyConfigRow mirrors the strategy_configs table.
type StrategyConfigRow struct {
	ID         int64
	StrategyID int64
	Settings   map[string]string
	UpdatedAt  time.Time
}

// StrategySymbolRow mirrors the strategy_symbols table.
type StrategySymbolRow struct {
	ID             int64
	StrategyID     int64
	Symbol         string
	Enabled        bool
	LotQty         int
	DisabledReason string
	UpdatedAt      time.Time
}

// ActivePair is one runnable (strategy, symbol) combination with its config.
// ConfigStamp is the latest update timestamp across the three source rows;
// the scheduler restarts a pair when it advances.
type ActivePair struct {
	Strategy StrategyRow
	Config   StrategyConfigRow
	Symbol   StrategySymbolRow
}

// ConfigStamp returns the most recent updated_at of the pair's source rows.
func (p ActivePair) ConfigStamp() time.Time {
	latest := p.Strategy.UpdatedAt
	if p.Config.UpdatedAt.After(latest) {
		latest = p.Config.UpdatedAt
	}
	if p.Symbol.UpdatedAt.After(latest) {
		latest = p.Symbol.UpdatedAt
	}
	return latest
}

// BrokerCredential mirrors the broker_credentials table.
type BrokerCredential struct {
	Name         string
	Enabled      bool
	TradeEnabled bool
	DataProvider bool
	ConnState    string
	MaxLoss      decimal.Decimal
	MaxProfit    decimal.Decimal
	LastAuthAt   time.Time
	UpdatedAt    time.Time
}

// BalanceSummary is a point-in-time broker account snapshot.
type BalanceSummary struct {
	ID         int64
	Broker     string
	Available  decimal.Decimal
	Used       decimal.Decimal
	Total      decimal.Decimal
	Currency   string
	CapturedAt time.Time
}

// Event is one append-only journal row.
type Event struct {
	Time        time.Time
	Type        string
	Description string
	Data        map[string]any
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	ledger.Store

	// Scheduling configuration.
	GetActivePairs(ctx context.Context) ([]ActivePair, error)
	DisableStrategySymbol(ctx context.Context, strategyID int64, symbol, reason string) error

	// Broker bookkeeping.
	UpsertBrokerCredential(ctx context.Context, c BrokerCredential) error
	SetBrokerConnState(ctx context.Context, name, state string, lastAuth time.Time) error
	ListBrokerCredentials(ctx context.Context) ([]BrokerCredential, error)
	SaveBalanceSummary(ctx context.Context, s BalanceSummary) error

	// Journal.
	LogEvent(ctx context.Context, e Event) error
}
