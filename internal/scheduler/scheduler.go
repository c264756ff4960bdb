// Package scheduler drives the trading loop: it keeps one task alive per
// active (strategy, symbol) pair while the market is open, restarts tasks
// whose persisted configuration changed, and squares everything off before
// the session closes.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/dispatcher"
	"github.com/amirphl/multitrader/internal/ledger"
	"github.com/amirphl/multitrader/internal/markethours"
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/risk"
	"github.com/amirphl/multitrader/internal/strategy"
)

// Options tunes the scheduler's cadence.
type Options struct {
	PollInterval    time.Duration
	MonitorInterval time.Duration
	SquareOff       markethours.MinuteOfDay
}

type pairTask struct {
	pair   db.ActivePair
	stamp  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// finished reports whether the task's goroutine has exited, whether by
// cancellation, setup failure, or panic.
func (t *pairTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Scheduler owns the pair-task lifecycle. All broker traffic initiated here
// flows through the dispatcher; the scheduler never touches adapters directly.
type Scheduler struct {
	disp    *dispatcher.Dispatcher
	book    *ledger.Ledger
	storage db.Storage
	riskMon *risk.Monitor
	notif   notifier.Notifier
	cal     *markethours.Calendar
	opts    Options

	mu         sync.Mutex
	tasks      map[string]*pairTask
	squaredDay string // "2006-01-02" of the last square-off

	now func() time.Time // replaceable clock for tests
}

func New(disp *dispatcher.Dispatcher, book *ledger.Ledger, storage db.Storage, riskMon *risk.Monitor, notif notifier.Notifier, cal *markethours.Calendar, opts Options) *Scheduler {
	if notif == nil {
		notif = notifier.Noop{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	return &Scheduler{
		disp:    disp,
		book:    book,
		storage: storage,
		riskMon: riskMon,
		notif:   notif,
		cal:     cal,
		opts:    opts,
		tasks:   make(map[string]*pairTask),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, ticking at PollInterval. A tick that hits
// a transient failure (DB down, broker API error) logs and waits for the next
// tick; only ctx cancellation stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Scheduler | Starting with poll interval %s", s.opts.PollInterval)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler | Shutting down, stopping %d pair tasks", s.taskCount())
			s.stopAllTasks("shutdown")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	if !s.cal.IsOpen(now) {
		if n := s.taskCount(); n > 0 {
			log.Printf("Scheduler | Market closed until %s, stopping %d pair tasks",
				s.cal.NextOpen(now).Format(time.RFC3339), n)
			s.stopAllTasks("market closed")
		}
		return
	}

	s.disp.EnsureSessions(ctx, false)
	s.riskMon.Enforce(ctx)

	if s.pastSquareOff(now) {
		s.stopAllTasks("square-off window")
		s.squareOff(ctx, now)
		return
	}

	s.reconcile(ctx)
}

// reconcile aligns running tasks with the persisted active pairs. A pair whose
// ConfigStamp advanced is restarted so the new settings take effect; a pair
// that disappeared is stopped. A failed pair read keeps the current task set
// running untouched.
func (s *Scheduler) reconcile(ctx context.Context) {
	pairs, err := s.storage.GetActivePairs(ctx)
	if err != nil {
		log.Printf("Scheduler | Could not load active pairs, keeping current tasks: %v", err)
		return
	}

	want := make(map[string]db.ActivePair, len(pairs))
	for _, p := range pairs {
		want[pairKey(p)] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tasks {
		if t.finished() {
			log.Printf("Scheduler | Pair task %s exited, reaping", key)
			delete(s.tasks, key)
			continue
		}
		p, ok := want[key]
		if !ok {
			log.Printf("Scheduler | Pair %s no longer active, stopping", key)
			t.cancel()
			delete(s.tasks, key)
			continue
		}
		if p.ConfigStamp().After(t.stamp) {
			log.Printf("Scheduler | Config changed for %s, restarting task", key)
			t.cancel()
			<-t.done
			delete(s.tasks, key)
		}
	}

	for key, p := range want {
		if _, running := s.tasks[key]; running {
			continue
		}
		s.startPairLocked(ctx, key, p)
	}
}

func (s *Scheduler) startPairLocked(ctx context.Context, key string, p db.ActivePair) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &pairTask{pair: p, stamp: p.ConfigStamp(), cancel: cancel, done: make(chan struct{})}
	s.tasks[key] = t
	log.Printf("Scheduler | Starting pair task %s (stamp %s)", key, t.stamp.Format(time.RFC3339))
	go s.runPair(taskCtx, t)
}

// runPair is one pair's loop: setup, then cycle until cancelled. A panicking
// strategy takes down only its own task.
func (s *Scheduler) runPair(ctx context.Context, t *pairTask) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Strategy %s/%s panicked: %v", t.pair.Strategy.Name, t.pair.Symbol.Symbol, r)
			log.Printf("Scheduler | %s", msg)
			s.alert(msg)
		}
	}()

	strat, err := strategy.New(t.pair.Strategy.Name, strategy.Params{
		StrategyID: t.pair.Strategy.ID,
		Name:       t.pair.Strategy.Name,
		Symbol:     t.pair.Symbol.Symbol,
		Settings:   t.pair.Config.Settings,
		Data:       s.disp.DataProvider(),
	})
	if err != nil {
		log.Printf("Scheduler | Could not build strategy %s: %v", t.pair.Strategy.Name, err)
		return
	}
	if err := strat.Setup(ctx); err != nil {
		log.Printf("Scheduler | Setup failed for %s/%s: %v", strat.Name(), strat.Symbol(), err)
		return
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, t.pair, strat)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, pair db.ActivePair, strat strategy.Strategy) {
	reversed := false
	sig, err := strat.ProcessCycle(ctx)
	if err != nil {
		log.Printf("Scheduler | %s/%s cycle error: %v", strat.Name(), strat.Symbol(), err)
	} else if sig != nil {
		switch sig.Type {
		case strategy.SignalEntry, strategy.SignalHedgeEntry:
			s.placeSignal(ctx, pair, sig)
		case strategy.SignalExit:
			log.Printf("Scheduler | %s/%s signalled exit, closing pair orders", strat.Name(), strat.Symbol())
			reversed = true
		}
	}

	open, err := s.book.OpenOrders(ctx)
	if err != nil {
		log.Printf("Scheduler | Could not load open orders: %v", err)
		return
	}
	for _, ord := range open {
		if ord.StrategyID != pair.Strategy.ID || ord.StrategySymbol != pair.Symbol.Symbol {
			continue
		}
		if reversed {
			s.exitOrder(ctx, ord, ledger.ExitSignalReversal)
			continue
		}
		shouldExit, reason, err := strat.EvaluateExit(ctx, ord)
		if err != nil {
			log.Printf("Scheduler | Exit evaluation failed for order %s: %v", ord.ID, err)
			continue
		}
		if shouldExit {
			s.exitOrder(ctx, ord, reason)
		}
	}
}

// placeSignal turns one entry signal into a ledger order plus the per-broker
// executions from the dispatcher fan-out. Brokers that accepted nothing leave
// no execution rows; a signal every broker refused is recorded as FAILED.
func (s *Scheduler) placeSignal(ctx context.Context, pair db.ActivePair, sig *strategy.TradeSignal) {
	qty := pair.Symbol.LotQty
	if sig.LotQty > 0 {
		qty = sig.LotQty
	}
	if qty <= 0 {
		log.Printf("Scheduler | Ignoring signal for %s: no lot quantity", sig.Symbol)
		return
	}

	orderType := broker.Market
	if !sig.Price.IsZero() {
		orderType = broker.Limit
	}
	req := broker.OrderRequest{
		Symbol:   sig.Symbol,
		Quantity: qty,
		Side:     sig.Side,
		Type:     orderType,
		Price:    sig.Price,
	}

	orderID := uuid.NewString()
	outcomes, err := s.disp.PlaceOrder(ctx, req, dispatcher.StrategyContext{
		StrategyName: pair.Strategy.Name,
		Symbol:       sig.Symbol,
		OrderID:      orderID,
	})
	if err != nil {
		log.Printf("Scheduler | Invalid order for %s: %v", sig.Symbol, err)
		return
	}

	var execs []ledger.BrokerExecution
	for _, out := range outcomes {
		for _, sl := range out.FilledSlices() {
			execs = append(execs, ledger.BrokerExecution{
				Broker:        out.Broker,
				BrokerOrderID: sl.Result.BrokerOrderID,
				Leg:           ledger.LegEntry,
				Price:         sl.Result.AvgPrice,
				Quantity:      sl.Request.Quantity,
				ExecutedAt:    sl.Result.Timestamp,
				NativeStatus:  sl.Result.Status,
				Raw:           sl.Result.Raw,
			})
		}
	}

	status := ledger.Pending
	if len(execs) == 0 {
		status = ledger.Failed
		log.Printf("Scheduler | No broker accepted the %s %s order for %s", sig.Side, orderType, sig.Symbol)
	}
	ord := ledger.LogicalOrder{
		ID:             orderID,
		StrategyID:     pair.Strategy.ID,
		StrategySymbol: pair.Symbol.Symbol,
		Side:           sig.Side,
		Quantity:       qty,
		LotQty:         pair.Symbol.LotQty,
		EntryPrice:     sig.Price,
		StopPrice:      sig.StopLoss,
		TargetPrice:    sig.TargetPrice,
		SignalTime:     sig.SignalTime,
		EntryTime:      s.now(),
		Status:         status,
	}
	if _, err := s.book.Place(ctx, ord, execs); err != nil {
		log.Printf("Scheduler | Could not persist order %s: %v", orderID, err)
		s.alert(fmt.Sprintf("Order %s placed on brokers but not persisted: %v", orderID, err))
	}
}

// exitOrder closes one logical order across every broker holding part of it.
func (s *Scheduler) exitOrder(ctx context.Context, ord ledger.LogicalOrder, reason string) {
	execs, err := s.book.Executions(ctx, ord.ID)
	if err != nil {
		log.Printf("Scheduler | Could not load executions for %s: %v", ord.ID, err)
		return
	}

	var exits []ledger.BrokerExecution
	var exitValue decimal.Decimal
	exited := 0
	for _, e := range execs {
		if e.Leg != ledger.LegEntry || e.BrokerOrderID == "" {
			continue
		}
		res, err := s.disp.ExitOrder(ctx, e.Broker, e.BrokerOrderID, broker.ExitOpts{Quantity: e.Quantity})
		if err != nil {
			log.Printf("Scheduler | Exit failed on %s for order %s: %v", e.Broker, ord.ID, err)
			continue
		}
		qty := int(res.FilledQty.IntPart())
		if qty == 0 {
			qty = e.Quantity
		}
		exits = append(exits, ledger.BrokerExecution{
			Broker:        e.Broker,
			BrokerOrderID: res.BrokerOrderID,
			Leg:           ledger.LegExit,
			Price:         res.AvgPrice,
			Quantity:      qty,
			ExecutedAt:    s.now(),
			NativeStatus:  res.Status,
			Raw:           res.Raw,
		})
		exitValue = exitValue.Add(res.AvgPrice.Mul(decimal.NewFromInt(int64(qty))))
		exited += qty
	}
	if len(exits) == 0 {
		return
	}
	if err := s.book.RecordExecutions(ctx, ord.ID, exits); err != nil {
		log.Printf("Scheduler | Could not record exits for %s: %v", ord.ID, err)
		return
	}

	exitPrice := exitValue.Div(decimal.NewFromInt(int64(exited)))
	entry := ledger.EntryVWAP(execs)
	if entry.IsZero() {
		entry = ord.EntryPrice
	}
	pnl := realizedPnL(ord.Side, entry, exitPrice, exited)
	if err := s.book.CloseWithReason(ctx, ord.ID, ledger.Completed, reason, exitPrice, pnl); err != nil {
		log.Printf("Scheduler | Could not close order %s: %v", ord.ID, err)
		return
	}
	log.Printf("Scheduler | Closed order %s (%s): exit %s pnl %s", ord.ID, reason, exitPrice, pnl)
}

// squareOff exits every remaining open order once per trading day.
func (s *Scheduler) squareOff(ctx context.Context, now time.Time) {
	day := now.In(s.cal.Location).Format("2006-01-02")
	s.mu.Lock()
	if s.squaredDay == day {
		s.mu.Unlock()
		return
	}
	s.squaredDay = day
	s.mu.Unlock()

	open, err := s.book.OpenOrders(ctx)
	if err != nil {
		log.Printf("Scheduler | Square-off could not load open orders: %v", err)
		return
	}
	if len(open) == 0 {
		return
	}
	log.Printf("Scheduler | Square-off: closing %d open orders", len(open))
	s.alert(fmt.Sprintf("End-of-day square-off: closing %d open orders", len(open)))
	for _, ord := range open {
		s.exitOrder(ctx, ord, ledger.ExitSquareOff)
	}
	if err := s.storage.LogEvent(ctx, db.Event{
		Time: now, Type: "scheduler", Description: "eod_square_off",
		Data: map[string]any{"orders": len(open)},
	}); err != nil {
		log.Printf("Scheduler | Failed to log square-off event: %v", err)
	}
}

func (s *Scheduler) pastSquareOff(now time.Time) bool {
	if s.opts.SquareOff == (markethours.MinuteOfDay{}) {
		return false
	}
	local := now.In(s.cal.Location)
	hm := local.Hour()*60 + local.Minute()
	return hm >= s.opts.SquareOff.Hour*60+s.opts.SquareOff.Minute
}

func (s *Scheduler) stopAllTasks(why string) {
	s.mu.Lock()
	tasks := make([]*pairTask, 0, len(s.tasks))
	for key, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	if len(tasks) > 0 {
		log.Printf("Scheduler | Stopped %d pair tasks (%s)", len(tasks), why)
	}
}

// alert hands the message to the notifier in its own goroutine. Notifier
// retries and HTTP timeouts must never stall a tick or an emergency path.
func (s *Scheduler) alert(msg string) {
	go func() {
		if err := s.notif.SendWithRetry(msg); err != nil {
			log.Printf("Scheduler | Alert delivery failed: %v", err)
		}
	}()
}

func (s *Scheduler) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func pairKey(p db.ActivePair) string {
	return fmt.Sprintf("%d|%s", p.Strategy.ID, p.Symbol.Symbol)
}

func realizedPnL(side broker.Side, entry, exit decimal.Decimal, qty int) decimal.Decimal {
	q := decimal.NewFromInt(int64(qty))
	if side == broker.Sell {
		return entry.Sub(exit).Mul(q)
	}
	return exit.Sub(entry).Mul(q)
}
