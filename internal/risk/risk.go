// Package risk watches live per-broker P&L and pulls the plug when a broker
// breaches its configured loss or profit limit.
package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/dispatcher"
	"github.com/amirphl/multitrader/internal/ledger"
	"github.com/amirphl/multitrader/internal/notifier"
)

// Breach identifies one broker crossing one limit.
type Breach struct {
	Broker string
	Kind   string // "max_loss" or "max_profit"
	PnL    decimal.Decimal
	Limit  decimal.Decimal
}

// Monitor drives breach detection and emergency stops. It reaches brokers
// only through the dispatcher so the rate budgets stay authoritative.
type Monitor struct {
	disp    *dispatcher.Dispatcher
	book    *ledger.Ledger
	storage db.Storage
	notif   notifier.Notifier
}

func NewMonitor(disp *dispatcher.Dispatcher, book *ledger.Ledger, storage db.Storage, notif notifier.Notifier) *Monitor {
	if notif == nil {
		notif = notifier.Noop{}
	}
	return &Monitor{disp: disp, book: book, storage: storage, notif: notif}
}

// Check polls each enabled broker's live realized+unrealized P&L against its
// limits. A broker whose positions cannot be fetched is skipped this tick;
// detection resumes next poll.
func (m *Monitor) Check(ctx context.Context) []Breach {
	var breaches []Breach
	for _, h := range m.disp.Handles() {
		if !h.Enabled {
			continue
		}
		if h.MaxLoss.IsZero() && h.MaxProfit.IsZero() {
			continue
		}
		positions, err := m.disp.Positions(ctx, h.Name)
		if err != nil {
			log.Printf("RiskMonitor | Could not fetch positions for %s: %v", h.Name, err)
			continue
		}
		pnl := totalPnL(positions)
		if !h.MaxLoss.IsZero() && pnl.LessThanOrEqual(h.MaxLoss.Neg()) {
			breaches = append(breaches, Breach{Broker: h.Name, Kind: "max_loss", PnL: pnl, Limit: h.MaxLoss})
		} else if !h.MaxProfit.IsZero() && pnl.GreaterThanOrEqual(h.MaxProfit) {
			breaches = append(breaches, Breach{Broker: h.Name, Kind: "max_profit", PnL: pnl, Limit: h.MaxProfit})
		}
	}
	return breaches
}

// Enforce runs one detection pass and stops every breaching broker
// independently. Multiple brokers breaching in the same tick are each
// stopped on their own; nothing waits on the first stop finishing cleanly.
func (m *Monitor) Enforce(ctx context.Context) {
	for _, breach := range m.Check(ctx) {
		log.Printf("RiskMonitor | %s breach on %s: pnl=%s limit=%s", breach.Kind, breach.Broker, breach.PnL, breach.Limit)
		m.alert(fmt.Sprintf("RISK BREACH (%s) on %s: P&L %s against limit %s, triggering emergency stop",
			breach.Kind, breach.Broker, breach.PnL, breach.Limit))
		m.logEvent(ctx, "risk", "broker_limit_breach", map[string]any{
			"broker": breach.Broker, "kind": breach.Kind,
			"pnl": breach.PnL.String(), "limit": breach.Limit.String(),
		})
		if err := m.StopBroker(ctx, breach.Broker, ledger.ExitMaxLossForced); err != nil {
			log.Printf("RiskMonitor | Emergency stop for %s failed: %v", breach.Broker, err)
		}
	}
}

// StopBroker is the broker-scoped emergency stop: exit only this broker's
// open executions, then disable exactly the strategies with exposure there so
// the next scheduler tick stops re-launching them. Other brokers' orders are
// untouched.
func (m *Monitor) StopBroker(ctx context.Context, brokerName, reason string) error {
	execs, err := m.book.OpenExecutionsByBroker(ctx, brokerName)
	if err != nil {
		return fmt.Errorf("load open executions for %s: %w", brokerName, err)
	}

	type exitFill struct {
		value decimal.Decimal
		qty   int
	}
	affected := make(map[string]*exitFill)
	for _, e := range execs {
		if e.Leg != ledger.LegEntry || e.BrokerOrderID == "" {
			continue
		}
		if affected[e.OrderID] == nil {
			affected[e.OrderID] = &exitFill{}
		}
		res, exitErr := m.disp.ExitOrder(ctx, brokerName, e.BrokerOrderID, broker.ExitOpts{Quantity: e.Quantity})
		if exitErr != nil {
			log.Printf("RiskMonitor | Exit failed on %s for broker order %s: %v", brokerName, e.BrokerOrderID, exitErr)
			continue
		}
		exitQty := int(res.FilledQty.IntPart())
		if exitQty == 0 {
			exitQty = e.Quantity
		}
		if recErr := m.book.RecordExecutions(ctx, e.OrderID, []ledger.BrokerExecution{{
			Broker:        brokerName,
			BrokerOrderID: res.BrokerOrderID,
			Leg:           ledger.LegExit,
			Price:         res.AvgPrice,
			Quantity:      exitQty,
			ExecutedAt:    time.Now().UTC(),
			NativeStatus:  res.Status,
			Raw:           res.Raw,
		}}); recErr != nil {
			log.Printf("RiskMonitor | Failed to record exit execution for order %s: %v", e.OrderID, recErr)
		}
		fill := affected[e.OrderID]
		fill.value = fill.value.Add(res.AvgPrice.Mul(decimal.NewFromInt(int64(exitQty))))
		fill.qty += exitQty
	}

	// Close parents whose exposure lived entirely on this broker, with the
	// exit price and P&L from the fills above, and disable the owning
	// strategies in persistence.
	for orderID, fill := range affected {
		ord, err := m.book.Order(ctx, orderID)
		if err != nil {
			log.Printf("RiskMonitor | Could not load order %s after stop: %v", orderID, err)
			continue
		}
		if m.exposureOnlyOn(ctx, orderID, brokerName) {
			exitPrice := ord.ExitPrice
			pnl := ord.RealizedPnL
			if fill.qty > 0 {
				exitPrice = fill.value.Div(decimal.NewFromInt(int64(fill.qty)))
				entry := ord.EntryPrice
				if hist, histErr := m.book.Executions(ctx, orderID); histErr == nil {
					if vwap := ledger.EntryVWAP(hist); !vwap.IsZero() {
						entry = vwap
					}
				}
				pnl = exitPrice.Sub(entry).Mul(decimal.NewFromInt(int64(fill.qty)))
				if ord.Side == broker.Sell {
					pnl = pnl.Neg()
				}
			}
			if err := m.book.CloseWithReason(ctx, orderID, ledger.Completed, reason, exitPrice, pnl); err != nil {
				log.Printf("RiskMonitor | Could not close order %s: %v", orderID, err)
			}
		}
		if err := m.storage.DisableStrategySymbol(ctx, ord.StrategyID, ord.StrategySymbol, "emergency_stop_"+brokerName); err != nil {
			log.Printf("RiskMonitor | Could not disable strategy %d %s: %v", ord.StrategyID, ord.StrategySymbol, err)
		}
	}

	m.logEvent(ctx, "risk", "emergency_stop_broker", map[string]any{
		"broker": brokerName, "orders": len(affected), "reason": reason,
	})
	return nil
}

// StopAll is the global fallback for when no single broker can be blamed.
func (m *Monitor) StopAll(ctx context.Context, reason string) {
	for _, h := range m.disp.Handles() {
		if !h.Tradeable() {
			continue
		}
		if err := m.StopBroker(ctx, h.Name, reason); err != nil {
			log.Printf("RiskMonitor | Global stop failed for %s: %v", h.Name, err)
		}
	}
	m.logEvent(ctx, "risk", "emergency_stop_global", map[string]any{"reason": reason})
}

func (m *Monitor) exposureOnlyOn(ctx context.Context, orderID, brokerName string) bool {
	execs, err := m.book.Executions(ctx, orderID)
	if err != nil {
		return false
	}
	for _, e := range execs {
		if e.Leg == ledger.LegEntry && e.Broker != brokerName {
			return false
		}
	}
	return true
}

// alert hands the message to the notifier in its own goroutine. An emergency
// stop must never wait on chat delivery retries.
func (m *Monitor) alert(msg string) {
	go func() {
		if err := m.notif.SendWithRetry(msg); err != nil {
			log.Printf("RiskMonitor | Alert delivery failed: %v", err)
		}
	}()
}

func (m *Monitor) logEvent(ctx context.Context, typ, desc string, data map[string]any) {
	if m.storage == nil {
		return
	}
	if err := m.storage.LogEvent(ctx, db.Event{Time: time.Now().UTC(), Type: typ, Description: desc, Data: data}); err != nil {
		log.Printf("RiskMonitor | Failed to log event %s: %v", desc, err)
	}
}

func totalPnL(positions []broker.Position) decimal.Decimal {
	var total decimal.Decimal
	for _, p := range positions {
		total = total.Add(p.RealizedPnL).Add(p.UnrealizedPnL)
	}
	return total
}
