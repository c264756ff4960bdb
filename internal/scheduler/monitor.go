package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/amirphl/multitrader/internal/ledger"
)

// RunMonitor polls broker-side status for every open order's executions and
// folds the native codes back into the canonical ledger status. It runs beside
// the main loop at its own, slower cadence.
func (s *Scheduler) RunMonitor(ctx context.Context) {
	log.Printf("OrderMonitor | Starting with interval %s", s.opts.MonitorInterval)
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("OrderMonitor | Shutting down")
			return
		case <-ticker.C:
			s.checkOpenOrders(ctx)
		}
	}
}

func (s *Scheduler) checkOpenOrders(ctx context.Context) {
	open, err := s.book.OpenOrders(ctx)
	if err != nil {
		log.Printf("OrderMonitor | Could not load open orders: %v", err)
		return
	}
	for _, ord := range open {
		s.checkOrder(ctx, ord)
	}
}

// checkOrder queries each entry execution's owning broker and aggregates the
// per-broker statuses into one parent status. A broker that cannot be reached
// leaves its execution's last known status in place until the next pass.
func (s *Scheduler) checkOrder(ctx context.Context, ord ledger.LogicalOrder) {
	execs, err := s.book.Executions(ctx, ord.ID)
	if err != nil {
		log.Printf("OrderMonitor | Could not load executions for %s: %v", ord.ID, err)
		return
	}

	var statuses []ledger.Status
	for _, e := range execs {
		if e.Leg != ledger.LegEntry || e.BrokerOrderID == "" {
			continue
		}
		native := e.NativeStatus
		res, err := s.disp.OrderDetails(ctx, e.Broker, e.BrokerOrderID)
		if err != nil {
			log.Printf("OrderMonitor | Status query failed on %s for %s: %v", e.Broker, e.BrokerOrderID, err)
		} else if res.Status != "" {
			native = res.Status
		}
		statuses = append(statuses, ledger.MapStatus(e.Broker, native))
	}
	if len(statuses) == 0 {
		return
	}

	next := aggregateStatus(statuses)
	if next == ord.Status {
		return
	}
	if err := s.book.UpdateStatus(ctx, ord.ID, next); err != nil {
		log.Printf("OrderMonitor | Could not update order %s to %s: %v", ord.ID, next, err)
		return
	}
	log.Printf("OrderMonitor | Order %s moved %s -> %s", ord.ID, ord.Status, next)
}

// aggregateStatus folds per-execution statuses into the parent's. All filled
// means filled; everything dead means the worst of the dead states; any live
// fill alongside anything else means partially filled.
func aggregateStatus(statuses []ledger.Status) ledger.Status {
	filled, dead, rejected := 0, 0, 0
	partial := false
	for _, st := range statuses {
		switch st {
		case ledger.Filled, ledger.Completed:
			filled++
		case ledger.PartiallyFilled:
			partial = true
		case ledger.Rejected, ledger.Failed:
			dead++
			rejected++
		case ledger.Cancelled, ledger.Expired:
			dead++
		}
	}
	n := len(statuses)
	switch {
	case filled == n:
		return ledger.Filled
	case dead == n:
		if rejected > 0 {
			return ledger.Rejected
		}
		return ledger.Cancelled
	case filled > 0 || partial:
		return ledger.PartiallyFilled
	default:
		return ledger.Pending
	}
}
