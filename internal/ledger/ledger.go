// Package ledger tracks logical orders and their per-broker executions.
// One LogicalOrder per trading decision; one BrokerExecution per broker-side
// attempt. Execution rows are append-only, corrections are new rows.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
)

// Leg tags an execution as opening or closing exposure.
type Leg string

const (
	LegEntry Leg = "ENTRY"
	LegExit  Leg = "EXIT"
)

// LogicalOrder is one trading decision, independent of broker.
type LogicalOrder struct {
	ID             string
	StrategyID     int64
	StrategySymbol string
	Strike         string
	Side           broker.Side
	Quantity       int
	LotQty         int
	EntryPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	TargetPrice    decimal.Decimal
	ExitPrice      decimal.Decimal
	SignalTime     time.Time
	EntryTime      time.Time
	ExitTime       time.Time
	Status         Status
	ExitReason     string
	RealizedPnL    decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BrokerExecution is one broker's concrete attempt against a LogicalOrder.
type BrokerExecution struct {
	ID            int64
	OrderID       string
	Broker        string
	BrokerOrderID string
	Leg           Leg
	Price         decimal.Decimal
	Quantity      int
	ExecutedAt    time.Time
	NativeStatus  string
	Raw           []byte
	CreatedAt     time.Time
}

// Store is the persistence surface the ledger needs. Implemented by
// internal/db for postgres and by its in-memory twin for tests.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertLogicalOrder(ctx context.Context, o LogicalOrder) error
	InsertBrokerExecution(ctx context.Context, e BrokerExecution) error
	GetLogicalOrder(ctx context.Context, id string) (*LogicalOrder, error)
	GetOpenLogicalOrders(ctx context.Context) ([]LogicalOrder, error)
	SetLogicalOrderStatus(ctx context.Context, id string, st Status) error
	SetLogicalOrderExit(ctx context.Context, id string, st Status, reason string, exitPrice, pnl decimal.Decimal, at time.Time) error
	GetExecutions(ctx context.Context, orderID string) ([]BrokerExecution, error)
	GetOpenExecutionsByBroker(ctx context.Context, brokerName string) ([]BrokerExecution, error)
}

// Ledger owns all LogicalOrder mutations.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Place persists a new LogicalOrder plus the broker executions produced by
// the dispatcher's fan-out, atomically. The parent row always commits before
// (in the same transaction as) its execution rows.
func (l *Ledger) Place(ctx context.Context, ord LogicalOrder, execs []BrokerExecution) (string, error) {
	if ord.ID == "" {
		ord.ID = uuid.NewString()
	}
	if ord.Status == "" {
		ord.Status = AwaitingEntry
	}
	now := time.Now().UTC()
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = now
	}
	ord.UpdatedAt = now

	err := l.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.store.InsertLogicalOrder(ctx, ord); err != nil {
			return fmt.Errorf("insert logical order: %w", err)
		}
		for _, e := range execs {
			e.OrderID = ord.ID
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			if err := l.store.InsertBrokerExecution(ctx, e); err != nil {
				return fmt.Errorf("insert execution for %s: %w", e.Broker, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ord.ID, nil
}

// RecordExecutions appends executions to an existing order. EXIT quantity may
// never exceed ENTRY quantity for the same parent.
func (l *Ledger) RecordExecutions(ctx context.Context, orderID string, execs []BrokerExecution) error {
	return l.store.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := l.store.GetExecutions(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load executions for %s: %w", orderID, err)
		}
		entryQty, exitQty := legQuantities(existing)
		now := time.Now().UTC()
		for _, e := range execs {
			e.OrderID = orderID
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			if e.Leg == LegExit {
				exitQty += e.Quantity
				if exitQty > entryQty {
					return fmt.Errorf("order %s: exit quantity %d exceeds entry quantity %d", orderID, exitQty, entryQty)
				}
			} else {
				entryQty += e.Quantity
			}
			if err := l.store.InsertBrokerExecution(ctx, e); err != nil {
				return fmt.Errorf("insert execution for %s: %w", e.Broker, err)
			}
		}
		return nil
	})
}

// UpdateStatus is idempotent: re-applying the current status is a no-op, and
// a terminal status is never replaced.
func (l *Ledger) UpdateStatus(ctx context.Context, orderID string, st Status) error {
	return l.store.WithinTx(ctx, func(ctx context.Context) error {
		ord, err := l.store.GetLogicalOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if ord.Status == st {
			return nil
		}
		if ord.Status.Terminal() {
			log.Printf("Ledger | Ignoring status %s for terminal order %s (currently %s)", st, orderID, ord.Status)
			return nil
		}
		return l.store.SetLogicalOrderStatus(ctx, orderID, st)
	})
}

// CloseWithReason records a terminal exit with its cause, realized price and P&L.
func (l *Ledger) CloseWithReason(ctx context.Context, orderID string, st Status, reason string, exitPrice, pnl decimal.Decimal) error {
	if !st.Terminal() {
		return fmt.Errorf("close requires a terminal status, got %s", st)
	}
	return l.store.WithinTx(ctx, func(ctx context.Context) error {
		ord, err := l.store.GetLogicalOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if ord.Status.Terminal() {
			return nil
		}
		return l.store.SetLogicalOrderExit(ctx, orderID, st, reason, exitPrice, pnl, time.Now().UTC())
	})
}

// OpenOrders returns orders still in a non-terminal status.
func (l *Ledger) OpenOrders(ctx context.Context) ([]LogicalOrder, error) {
	return l.store.GetOpenLogicalOrders(ctx)
}

// Order loads one order by id.
func (l *Ledger) Order(ctx context.Context, id string) (*LogicalOrder, error) {
	return l.store.GetLogicalOrder(ctx, id)
}

// Executions returns the execution history of an order.
func (l *Ledger) Executions(ctx context.Context, orderID string) ([]BrokerExecution, error) {
	return l.store.GetExecutions(ctx, orderID)
}

// OpenExecutionsByBroker lists executions on the broker whose parent orders
// are still open. Used by the risk monitor to scope an emergency stop.
func (l *Ledger) OpenExecutionsByBroker(ctx context.Context, brokerName string) ([]BrokerExecution, error) {
	return l.store.GetOpenExecutionsByBroker(ctx, brokerName)
}

// EntryVWAP computes the volume-weighted entry price from execution rows.
// It depends only on the rows themselves, never on insertion order.
func EntryVWAP(execs []BrokerExecution) decimal.Decimal {
	var notional decimal.Decimal
	qty := 0
	for _, e := range execs {
		if e.Leg != LegEntry || e.Quantity <= 0 {
			continue
		}
		notional = notional.Add(e.Price.Mul(decimal.NewFromInt(int64(e.Quantity))))
		qty += e.Quantity
	}
	if qty == 0 {
		return decimal.Zero
	}
	return notional.Div(decimal.NewFromInt(int64(qty)))
}

func legQuantities(execs []BrokerExecution) (entry, exit int) {
	for _, e := range execs {
		switch e.Leg {
		case LegExit:
			exit += e.Quantity
		default:
			entry += e.Quantity
		}
	}
	return entry, exit
}
