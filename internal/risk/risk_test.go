package risk_test

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
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/ratelimit"
	"github.com/amirphl/multitrader/internal/risk"
)

type riskFixture struct {
	storage *db.MemoryStorage
	disp    *dispatcher.Dispatcher
	book    *ledger.Ledger
	mon     *risk.Monitor
	brokers map[string]*paper.Adapter
}

func newRiskFixture(t *testing.T, maxLoss map[string]int64) *riskFixture {
	t.Helper()
	storage := db.NewMemory()
	limits := ratelimit.NewRegistry(ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})
	disp := dispatcher.New(limits, storage, notifier.Noop{}, dispatcher.Options{})
	book := ledger.New(storage)

	f := &riskFixture{
		storage: storage,
		disp:    disp,
		book:    book,
		mon:     risk.NewMonitor(disp, book, storage, notifier.Noop{}),
		brokers: make(map[string]*paper.Adapter),
	}
	for name, limit := range maxLoss {
		sim := paper.New(paper.Options{Name: name})
		sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))
		h := broker.NewHandle(sim)
		h.Enabled = true
		h.TradeEnabled = true
		h.MaxLoss = decimal.NewFromInt(limit)
		h.MarkAuthenticated(time.Now().UTC())
		disp.Register(h, ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})
		f.brokers[name] = sim
	}
	storage.SeedPair(
		db.StrategyRow{ID: 1, Name: "noop", Enabled: true},
		db.StrategyConfigRow{ID: 1},
		db.StrategySymbolRow{ID: 1, Symbol: "BTC-USDT", Enabled: true, LotQty: 2},
	)
	return f
}

// buyOn fills qty on the named broker and records the matching ledger rows.
func (f *riskFixture) buyOn(t *testing.T, brokerName string, qty int) string {
	t.Helper()
	sim := f.brokers[brokerName]
	res, err := sim.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol:   "BTC-USDT",
		Quantity: qty,
		Side:     broker.Buy,
		Type:     broker.Market,
	})
	require.NoError(t, err)

	id, err := f.book.Place(context.Background(), ledger.LogicalOrder{
		StrategyID:     1,
		StrategySymbol: "BTC-USDT",
		Side:           broker.Buy,
		Quantity:       qty,
		EntryPrice:     res.AvgPrice,
		Status:         ledger.Filled,
	}, []ledger.BrokerExecution{{
		Broker:        brokerName,
		BrokerOrderID: res.BrokerOrderID,
		Leg:           ledger.LegEntry,
		Price:         res.AvgPrice,
		Quantity:      qty,
		ExecutedAt:    time.Now().UTC(),
		NativeStatus:  res.Status,
	}})
	require.NoError(t, err)
	return id
}

func TestCheckFlagsOnlyBreachingBroker(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000, "beta": 10000})
	f.buyOn(t, "alpha", 2)
	f.buyOn(t, "beta", 2)

	// Crash only alpha's mark: 2 * (65000-58000) = 14000 loss > 10000 limit.
	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(58000))

	breaches := f.mon.Check(context.Background())
	require.Len(t, breaches, 1)
	assert.Equal(t, "alpha", breaches[0].Broker)
	assert.Equal(t, "max_loss", breaches[0].Kind)
	assert.True(t, breaches[0].PnL.LessThan(decimal.Zero))
}

func TestCheckIgnoresBrokersWithoutLimits(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 0})
	f.buyOn(t, "alpha", 2)
	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(1))

	assert.Empty(t, f.mon.Check(context.Background()))
}

func TestEnforceStopsBreachingBrokerOnly(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000, "beta": 10000})
	alphaOrder := f.buyOn(t, "alpha", 2)
	betaOrder := f.buyOn(t, "beta", 2)

	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(58000))
	f.mon.Enforce(context.Background())

	// Alpha's order is fully exited and closed with the forced reason.
	ord, err := f.book.Order(context.Background(), alphaOrder)
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, ord.Status)
	assert.Equal(t, ledger.ExitMaxLossForced, ord.ExitReason)

	execs, err := f.book.Executions(context.Background(), alphaOrder)
	require.NoError(t, err)
	hasExit := false
	for _, e := range execs {
		if e.Leg == ledger.LegExit {
			hasExit = true
			assert.Equal(t, "alpha", e.Broker)
		}
	}
	assert.True(t, hasExit, "alpha order should have an exit execution")

	// Beta's order is untouched.
	ord, err = f.book.Order(context.Background(), betaOrder)
	require.NoError(t, err)
	assert.Equal(t, ledger.Filled, ord.Status)
	execs, err = f.book.Executions(context.Background(), betaOrder)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	// The affected strategy/symbol pair is disabled for the next scheduler pass.
	pairs, err := f.storage.GetActivePairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	// The breach and the stop are journaled.
	types := make(map[string]int)
	for _, e := range f.storage.Events() {
		types[e.Description]++
	}
	assert.Equal(t, 1, types["broker_limit_breach"])
	assert.Equal(t, 1, types["emergency_stop_broker"])
}

func TestEnforceStopsEachBreachingBrokerIndependently(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000, "beta": 10000})
	a := f.buyOn(t, "alpha", 2)
	b := f.buyOn(t, "beta", 2)

	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(58000))
	f.brokers["beta"].SetMark("BTC-USDT", decimal.NewFromInt(58000))
	f.mon.Enforce(context.Background())

	for _, id := range []string{a, b} {
		ord, err := f.book.Order(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, ledger.Completed, ord.Status)
	}
}

// stuckNotifier blocks every delivery until released, standing in for an
// unreachable chat API.
type stuckNotifier struct {
	release chan struct{}
}

func (n *stuckNotifier) Send(msg string) error { return n.SendWithRetry(msg) }
func (n *stuckNotifier) SendWithRetry(string) error {
	<-n.release
	return nil
}
func (n *stuckNotifier) RetryWithNotification(action func() error, _ string) error {
	return action()
}

func TestEnforceCompletesStopWhileNotifierIsStuck(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000})
	stuck := &stuckNotifier{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	mon := risk.NewMonitor(f.disp, f.book, f.storage, stuck)

	id := f.buyOn(t, "alpha", 2)
	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(58000))

	done := make(chan struct{})
	go func() {
		mon.Enforce(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emergency stop waited on notification delivery")
	}

	ord, err := f.book.Order(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, ord.Status)
	assert.Equal(t, ledger.ExitMaxLossForced, ord.ExitReason)
}

func TestStopBrokerRecordsExitPriceAndPnL(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000})
	id := f.buyOn(t, "alpha", 2) // entry fills at the 65000 mark
	f.brokers["alpha"].SetMark("BTC-USDT", decimal.NewFromInt(58000))

	require.NoError(t, f.mon.StopBroker(context.Background(), "alpha", ledger.ExitMaxLossForced))

	ord, err := f.book.Order(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, ord.Status)
	assert.True(t, ord.ExitPrice.Equal(decimal.NewFromInt(58000)), "exit price %s", ord.ExitPrice)
	assert.True(t, ord.RealizedPnL.Equal(decimal.NewFromInt(-14000)), "realized pnl %s", ord.RealizedPnL)
}

func TestStopBrokerSkipsSharedOrdersClose(t *testing.T) {
	f := newRiskFixture(t, map[string]int64{"alpha": 10000, "beta": 10000})

	// One logical order with entries on both brokers.
	ctx := context.Background()
	resA, err := f.brokers["alpha"].PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTC-USDT", Quantity: 1, Side: broker.Buy, Type: broker.Market})
	require.NoError(t, err)
	resB, err := f.brokers["beta"].PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTC-USDT", Quantity: 1, Side: broker.Buy, Type: broker.Market})
	require.NoError(t, err)

	id, err := f.book.Place(ctx, ledger.LogicalOrder{
		StrategyID: 1, StrategySymbol: "BTC-USDT", Side: broker.Buy, Quantity: 2, Status: ledger.Filled,
	}, []ledger.BrokerExecution{
		{Broker: "alpha", BrokerOrderID: resA.BrokerOrderID, Leg: ledger.LegEntry, Price: resA.AvgPrice, Quantity: 1},
		{Broker: "beta", BrokerOrderID: resB.BrokerOrderID, Leg: ledger.LegEntry, Price: resB.AvgPrice, Quantity: 1},
	})
	require.NoError(t, err)

	require.NoError(t, f.mon.StopBroker(ctx, "alpha", ledger.ExitMaxLossForced))

	// Alpha's side is exited, but the parent stays open: beta still holds it.
	ord, err := f.book.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Filled, ord.Status)

	execs, err := f.book.Executions(ctx, id)
	require.NoError(t, err)
	exits := 0
	for _, e := range execs {
		if e.Leg == ledger.LegExit {
			exits++
			assert.Equal(t, "alpha", e.Broker)
		}
	}
	assert.Equal(t, 1, exits)
}
