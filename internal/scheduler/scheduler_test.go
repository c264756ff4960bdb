package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/broker/paper"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/dispatcher"
	"github.com/amirphl/multitrader/internal/ledger"
	"github.com/amirphl/multitrader/internal/markethours"
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/ratelimit"
	"github.com/amirphl/multitrader/internal/risk"
	"github.com/amirphl/multitrader/internal/strategy"
)

type schedFixture struct {
	sched   *Scheduler
	storage *db.MemoryStorage
	book    *ledger.Ledger
	sim     *paper.Adapter
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	storage := db.NewMemory()
	limits := ratelimit.NewRegistry(ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})
	disp := dispatcher.New(limits, storage, notifier.Noop{}, dispatcher.Options{})

	sim := paper.New(paper.Options{Name: "sim"})
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))
	h := broker.NewHandle(sim)
	h.Enabled = true
	h.TradeEnabled = true
	h.DataProvider = true
	h.MarkAuthenticated(time.Now().UTC())
	disp.Register(h, ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})

	book := ledger.New(storage)
	riskMon := risk.NewMonitor(disp, book, storage, notifier.Noop{})

	cal, err := markethours.New("Asia/Kolkata", "09:15", "15:30", nil)
	require.NoError(t, err)
	squareOff, err := markethours.ParseMinute("15:20")
	require.NoError(t, err)

	sched := New(disp, book, storage, riskMon, notifier.Noop{}, cal, Options{
		PollInterval:    time.Hour, // tests drive tick() directly
		MonitorInterval: time.Hour,
		SquareOff:       squareOff,
	})
	return &schedFixture{sched: sched, storage: storage, book: book, sim: sim}
}

// at pins the scheduler clock to an IST wall-clock time on 2026-09-01 (a Tuesday).
func (f *schedFixture) at(t *testing.T, hhmm string) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2026-09-01 "+hhmm, loc)
	require.NoError(t, err)
	f.sched.now = func() time.Time { return ts }
}

func (f *schedFixture) seedNoopPair() {
	f.storage.SeedPair(
		db.StrategyRow{ID: 1, Name: "noop", Enabled: true, UpdatedAt: time.Now().UTC()},
		db.StrategyConfigRow{ID: 1, UpdatedAt: time.Now().UTC()},
		db.StrategySymbolRow{ID: 1, Symbol: "BTC-USDT", Enabled: true, LotQty: 1, UpdatedAt: time.Now().UTC()},
	)
}

func TestTickStartsTasksForActivePairs(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	f.at(t, "10:00")

	f.sched.tick(context.Background())
	assert.Equal(t, 1, f.sched.taskCount())

	// Same config, same tick -> task is kept, not duplicated.
	f.sched.tick(context.Background())
	assert.Equal(t, 1, f.sched.taskCount())
}

func TestTickStopsTasksWhenMarketCloses(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()

	f.at(t, "10:00")
	f.sched.tick(context.Background())
	require.Equal(t, 1, f.sched.taskCount())

	f.at(t, "16:00")
	f.sched.tick(context.Background())
	assert.Equal(t, 0, f.sched.taskCount())
}

func TestTickNeverStartsTasksOutsideMarketHours(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	f.at(t, "08:00")

	f.sched.tick(context.Background())
	assert.Equal(t, 0, f.sched.taskCount())
}

func TestReconcileRestartsTaskOnConfigChange(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	f.at(t, "10:00")

	f.sched.tick(context.Background())
	require.Equal(t, 1, f.sched.taskCount())
	f.sched.mu.Lock()
	before := f.sched.tasks["1|BTC-USDT"].stamp
	f.sched.mu.Unlock()

	f.storage.TouchSymbol(1, time.Now().UTC().Add(time.Minute))
	f.sched.tick(context.Background())

	f.sched.mu.Lock()
	task := f.sched.tasks["1|BTC-USDT"]
	f.sched.mu.Unlock()
	require.NotNil(t, task)
	assert.True(t, task.stamp.After(before), "restarted task must carry the new config stamp")
}

func TestReconcileReapsDeadTasksAndRestarts(t *testing.T) {
	f := newSchedFixture(t)
	// "ghost" is not a registered strategy, so its task exits right away.
	f.storage.SeedPair(
		db.StrategyRow{ID: 1, Name: "ghost", Enabled: true, UpdatedAt: time.Now().UTC()},
		db.StrategyConfigRow{ID: 1, UpdatedAt: time.Now().UTC()},
		db.StrategySymbolRow{ID: 1, Symbol: "BTC-USDT", Enabled: true, LotQty: 1, UpdatedAt: time.Now().UTC()},
	)
	f.at(t, "10:00")

	f.sched.tick(context.Background())
	f.sched.mu.Lock()
	first := f.sched.tasks["1|BTC-USDT"]
	f.sched.mu.Unlock()
	require.NotNil(t, first)
	<-first.done

	f.sched.tick(context.Background())
	f.sched.mu.Lock()
	second := f.sched.tasks["1|BTC-USDT"]
	f.sched.mu.Unlock()
	require.NotNil(t, second, "dead task must be reaped and the still-active pair restarted")
	assert.NotSame(t, first, second)
}

func TestConfigRestartWaitsForOldTask(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	f.at(t, "10:00")

	f.sched.tick(context.Background())
	f.sched.mu.Lock()
	old := f.sched.tasks["1|BTC-USDT"]
	f.sched.mu.Unlock()
	require.NotNil(t, old)

	f.storage.TouchSymbol(1, time.Now().UTC().Add(time.Minute))
	f.sched.tick(context.Background())

	// No overlap window: the old task had fully exited before the
	// replacement was started.
	select {
	case <-old.done:
	default:
		t.Fatal("old task still running after its replacement started")
	}
}

func TestReconcileStopsRemovedPairs(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	f.at(t, "10:00")

	f.sched.tick(context.Background())
	require.Equal(t, 1, f.sched.taskCount())

	require.NoError(t, f.storage.DisableStrategySymbol(context.Background(), 1, "BTC-USDT", "operator"))
	f.sched.tick(context.Background())
	assert.Equal(t, 0, f.sched.taskCount())
}

func TestSquareOffClosesOpenOrdersOncePerDay(t *testing.T) {
	f := newSchedFixture(t)
	f.seedNoopPair()
	ctx := context.Background()

	// One filled position on the simulator, mirrored in the ledger.
	res, err := f.sim.PlaceOrder(ctx, broker.OrderRequest{
		Symbol: "BTC-USDT", Quantity: 2, Side: broker.Buy, Type: broker.Market,
	})
	require.NoError(t, err)
	id, err := f.book.Place(ctx, ledger.LogicalOrder{
		StrategyID: 1, StrategySymbol: "BTC-USDT", Side: broker.Buy, Quantity: 2,
		EntryPrice: res.AvgPrice, Status: ledger.Filled,
	}, []ledger.BrokerExecution{{
		Broker: "sim", BrokerOrderID: res.BrokerOrderID, Leg: ledger.LegEntry,
		Price: res.AvgPrice, Quantity: 2,
	}})
	require.NoError(t, err)

	f.at(t, "15:25")
	f.sched.tick(ctx)

	ord, err := f.book.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, ord.Status)
	assert.Equal(t, ledger.ExitSquareOff, ord.ExitReason)
	assert.Equal(t, 0, f.sched.taskCount(), "no new tasks start inside the square-off window")

	squareOffs := 0
	for _, e := range f.storage.Events() {
		if e.Description == "eod_square_off" {
			squareOffs++
		}
	}
	assert.Equal(t, 1, squareOffs)

	// A second tick in the window does not square off again.
	f.sched.tick(ctx)
	squareOffs = 0
	for _, e := range f.storage.Events() {
		if e.Description == "eod_square_off" {
			squareOffs++
		}
	}
	assert.Equal(t, 1, squareOffs)
}

// reversalStrategy always signals a full exit.
type reversalStrategy struct{}

func (reversalStrategy) Name() string                { return "reversal" }
func (reversalStrategy) Symbol() string              { return "BTC-USDT" }
func (reversalStrategy) Setup(context.Context) error { return nil }
func (reversalStrategy) ProcessCycle(context.Context) (*strategy.TradeSignal, error) {
	return &strategy.TradeSignal{
		Symbol:     "BTC-USDT",
		Type:       strategy.SignalExit,
		SignalTime: time.Now().UTC(),
	}, nil
}
func (reversalStrategy) EvaluateExit(context.Context, ledger.LogicalOrder) (bool, string, error) {
	return false, "", nil
}

func TestCycleClosesPairOrdersOnExitSignal(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	res, err := f.sim.PlaceOrder(ctx, broker.OrderRequest{
		Symbol: "BTC-USDT", Quantity: 2, Side: broker.Buy, Type: broker.Market,
	})
	require.NoError(t, err)
	id, err := f.book.Place(ctx, ledger.LogicalOrder{
		StrategyID: 1, StrategySymbol: "BTC-USDT", Side: broker.Buy, Quantity: 2,
		EntryPrice: res.AvgPrice, Status: ledger.Filled,
	}, []ledger.BrokerExecution{{
		Broker: "sim", BrokerOrderID: res.BrokerOrderID, Leg: ledger.LegEntry,
		Price: res.AvgPrice, Quantity: 2,
	}})
	require.NoError(t, err)

	pair := db.ActivePair{
		Strategy: db.StrategyRow{ID: 1, Name: "reversal"},
		Symbol:   db.StrategySymbolRow{StrategyID: 1, Symbol: "BTC-USDT", LotQty: 2},
	}
	f.sched.cycle(ctx, pair, reversalStrategy{})

	ord, err := f.book.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, ord.Status)
	assert.Equal(t, ledger.ExitSignalReversal, ord.ExitReason)
}

func TestPastSquareOff(t *testing.T) {
	f := newSchedFixture(t)
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	mk := func(hhmm string) time.Time {
		ts, err := time.ParseInLocation("2006-01-02 15:04", "2026-09-01 "+hhmm, loc)
		require.NoError(t, err)
		return ts
	}
	assert.False(t, f.sched.pastSquareOff(mk("15:19")))
	assert.True(t, f.sched.pastSquareOff(mk("15:20")))
	assert.True(t, f.sched.pastSquareOff(mk("15:25")))
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name string
		in   []ledger.Status
		want ledger.Status
	}{
		{"all filled", []ledger.Status{ledger.Filled, ledger.Filled}, ledger.Filled},
		{"all rejected", []ledger.Status{ledger.Rejected, ledger.Rejected}, ledger.Rejected},
		{"all cancelled", []ledger.Status{ledger.Cancelled, ledger.Expired}, ledger.Cancelled},
		{"mixed fill and pending", []ledger.Status{ledger.Filled, ledger.Pending}, ledger.PartiallyFilled},
		{"partial anywhere", []ledger.Status{ledger.PartiallyFilled, ledger.Pending}, ledger.PartiallyFilled},
		{"fill beats rejection", []ledger.Status{ledger.Filled, ledger.Rejected}, ledger.PartiallyFilled},
		{"all pending", []ledger.Status{ledger.Pending, ledger.Open}, ledger.Pending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, aggregateStatus(tc.in))
		})
	}
}

func TestRealizedPnL(t *testing.T) {
	entry := decimal.NewFromInt(100)
	exit := decimal.NewFromInt(110)

	assert.True(t, realizedPnL(broker.Buy, entry, exit, 5).Equal(decimal.NewFromInt(50)))
	assert.True(t, realizedPnL(broker.Sell, entry, exit, 5).Equal(decimal.NewFromInt(-50)))
}
