package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/ledger"
)

// MemoryStorage is the in-process Storage twin used by tests and paper mode.
// Transactions serialize on a single mutex; there is no rollback, so callers
// must treat a failed unit of work as fatal the way the postgres path would.
type MemoryStorage struct {
	mu sync.RWMutex
	tx sync.Mutex

	orders     map[string]ledger.LogicalOrder
	executions []ledger.BrokerExecution
	nextExecID int64

	strategies map[int64]StrategyRow
	configs    map[int64]StrategyConfigRow // keyed by strategy id
	symbols    map[int64]StrategySymbolRow

	credentials map[string]BrokerCredential
	balances    []BalanceSummary
	events      []Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders:      make(map[string]ledger.LogicalOrder),
		strategies:  make(map[int64]StrategyRow),
		configs:     make(map[int64]StrategyConfigRow),
		symbols:     make(map[int64]StrategySymbolRow),
		credentials: make(map[string]BrokerCredential),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return fn(ctx)
}

// -------- Orders --------

func (m *MemoryStorage) InsertLogicalOrder(_ context.Context, o ledger.LogicalOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStorage) InsertBrokerExecution(_ context.Context, e ledger.BrokerExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[e.OrderID]; !exists {
		return fmt.Errorf("order %s not found for execution", e.OrderID)
	}
	m.nextExecID++
	e.ID = m.nextExecID
	m.executions = append(m.executions, e)
	return nil
}

func (m *MemoryStorage) GetLogicalOrder(_ context.Context, id string) (*ledger.LogicalOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return &o, nil
}

func (m *MemoryStorage) GetOpenLogicalOrders(_ context.Context) ([]ledger.LogicalOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.LogicalOrder
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) SetLogicalOrderStatus(_ context.Context, id string, st ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = st
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return nil
}

func (m *MemoryStorage) SetLogicalOrderExit(_ context.Context, id string, st ledger.Status, reason string, exitPrice, pnl decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = st
	o.ExitReason = reason
	o.ExitPrice = exitPrice
	o.RealizedPnL = pnl
	o.ExitTime = at
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return nil
}

func (m *MemoryStorage) GetExecutions(_ context.Context, orderID string) ([]ledger.BrokerExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.BrokerExecution
	for _, e := range m.executions {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStorage) GetOpenExecutionsByBroker(_ context.Context, brokerName string) ([]ledger.BrokerExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.BrokerExecution
	for _, e := range m.executions {
		o, ok := m.orders[e.OrderID]
		if !ok || o.Status.Terminal() {
			continue
		}
		if e.Broker == brokerName {
			out = append(out, e)
		}
	}
	return out, nil
}

// -------- Scheduling configuration --------

// SeedPair installs a (strategy, config, symbol) triple for tests and paper runs.
func (m *MemoryStorage) SeedPair(s StrategyRow, c StrategyConfigRow, y StrategySymbolRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = s
	c.StrategyID = s.ID
	m.configs[s.ID] = c
	y.StrategyID = s.ID
	m.symbols[y.ID] = y
}

// TouchSymbol advances a symbol row's updated_at, simulating a config change.
func (m *MemoryStorage) TouchSymbol(symbolRowID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if y, ok := m.symbols[symbolRowID]; ok {
		y.UpdatedAt = at
		m.symbols[symbolRowID] = y
	}
}

func (m *MemoryStorage) GetActivePairs(_ context.Context) ([]ActivePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActivePair
	for _, y := range m.symbols {
		s, ok := m.strategies[y.StrategyID]
		if !ok || !s.Enabled || !y.Enabled {
			continue
		}
		out = append(out, ActivePair{Strategy: s, Config: m.configs[y.StrategyID], Symbol: y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.ID < out[j].Symbol.ID })
	return out, nil
}

func (m *MemoryStorage) DisableStrategySymbol(_ context.Context, strategyID int64, symbol, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, y := range m.symbols {
		if y.StrategyID == strategyID && y.Symbol == symbol {
			y.Enabled = false
			y.DisabledReason = reason
			y.UpdatedAt = time.Now().UTC()
			m.symbols[id] = y
			return nil
		}
	}
	return fmt.Errorf("strategy %d symbol %s not found", strategyID, symbol)
}

// -------- Broker bookkeeping --------

func (m *MemoryStorage) UpsertBrokerCredential(_ context.Context, c BrokerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.credentials[c.Name]; ok && c.LastAuthAt.IsZero() {
		c.LastAuthAt = prev.LastAuthAt
	}
	c.UpdatedAt = time.Now().UTC()
	m.credentials[c.Name] = c
	return nil
}

func (m *MemoryStorage) SetBrokerConnState(_ context.Context, name, state string, lastAuth time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[name]
	if !ok {
		return fmt.Errorf("broker credential %s not found", name)
	}
	c.ConnState = state
	if !lastAuth.IsZero() {
		c.LastAuthAt = lastAuth
	}
	c.UpdatedAt = time.Now().UTC()
	m.credentials[name] = c
	return nil
}

func (m *MemoryStorage) ListBrokerCredentials(_ context.Context) ([]BrokerCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BrokerCredential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStorage) SaveBalanceSummary(_ context.Context, s BalanceSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.balances) + 1)
	m.balances = append(m.balances, s)
	return nil
}

// -------- Journal --------

func (m *MemoryStorage) LogEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the journal for test assertions.
func (m *MemoryStorage) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
