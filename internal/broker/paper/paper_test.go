package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/multitrader/internal/broker"
)

func marketBuy(symbol string, qty int) broker.OrderRequest {
	return broker.OrderRequest{Symbol: symbol, Quantity: qty, Side: broker.Buy, Type: broker.Market}
}

func TestPlaceOrderFillsAtMark(t *testing.T) {
	sim := New(Options{})
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))

	res, err := sim.PlaceOrder(context.Background(), marketBuy("BTC-USDT", 2))
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, res.AvgPrice.Equal(decimal.NewFromInt(65000)))
	assert.NotEmpty(t, res.BrokerOrderID)
}

func TestMarketOrderWithoutMarkFails(t *testing.T) {
	sim := New(Options{})
	_, err := sim.PlaceOrder(context.Background(), marketBuy("UNKNOWN", 1))
	require.Error(t, err)
}

func TestPositionNettingAndRealizedPnL(t *testing.T) {
	sim := New(Options{})
	ctx := context.Background()
	sim.SetMark("AAPL", decimal.NewFromInt(200))

	_, err := sim.PlaceOrder(ctx, marketBuy("AAPL", 10))
	require.NoError(t, err)

	// Price moves up, sell half.
	sim.SetMark("AAPL", decimal.NewFromInt(210))
	sell := marketBuy("AAPL", 5)
	sell.Side = broker.Sell
	_, err = sim.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	positions, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, p.RealizedPnL.Equal(decimal.NewFromInt(50)), "5 * (210-200), got %s", p.RealizedPnL)
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(50)), "remaining 5 * (210-200), got %s", p.UnrealizedPnL)
}

func TestExitOrderFlattensOriginalFill(t *testing.T) {
	sim := New(Options{})
	ctx := context.Background()
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))

	res, err := sim.PlaceOrder(ctx, marketBuy("BTC-USDT", 3))
	require.NoError(t, err)

	sim.SetMark("BTC-USDT", decimal.NewFromInt(66000))
	exit, err := sim.ExitOrder(ctx, res.BrokerOrderID, broker.ExitOpts{})
	require.NoError(t, err)
	assert.True(t, exit.FilledQty.Equal(decimal.NewFromInt(3)))
	assert.True(t, exit.AvgPrice.Equal(decimal.NewFromInt(66000)))

	positions, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.IsZero())
	assert.True(t, positions[0].RealizedPnL.Equal(decimal.NewFromInt(3000)))
}

func TestBalanceTracksCashAndExposure(t *testing.T) {
	sim := New(Options{StartingCash: decimal.NewFromInt(100_000)})
	ctx := context.Background()
	sim.SetMark("AAPL", decimal.NewFromInt(100))

	_, err := sim.PlaceOrder(ctx, marketBuy("AAPL", 100))
	require.NoError(t, err)

	bal, err := sim.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(90_000)))
	assert.True(t, bal.Used.Equal(decimal.NewFromInt(10_000)))
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(100_000)))
}

func TestCheckMargin(t *testing.T) {
	sim := New(Options{StartingCash: decimal.NewFromInt(1000)})
	ctx := context.Background()

	req := broker.OrderRequest{
		Symbol: "AAPL", Quantity: 5, Side: broker.Buy,
		Type: broker.Limit, Price: decimal.NewFromInt(100),
	}
	mc, err := sim.CheckMargin(ctx, req)
	require.NoError(t, err)
	assert.True(t, mc.Supported)
	assert.True(t, mc.Allowed)

	req.Quantity = 50
	mc, err = sim.CheckMargin(ctx, req)
	require.NoError(t, err)
	assert.False(t, mc.Allowed)
	assert.NotEmpty(t, mc.Reason)
}

func TestScriptedFailures(t *testing.T) {
	sim := New(Options{})
	ctx := context.Background()
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))

	t.Run("next order fails once", func(t *testing.T) {
		sim.FailNextOrder(errors.New("exchange down"))
		_, err := sim.PlaceOrder(ctx, marketBuy("BTC-USDT", 1))
		require.Error(t, err)
		var ee *broker.ExecutionError
		require.ErrorAs(t, err, &ee)

		_, err = sim.PlaceOrder(ctx, marketBuy("BTC-USDT", 1))
		require.NoError(t, err, "failure script is one-shot")
	})

	t.Run("auth failure until cleared", func(t *testing.T) {
		sim.FailAuth(errors.New("bad key"))
		err := sim.Authenticate(ctx, false)
		require.Error(t, err)
		var ce *broker.ConnectionError
		require.ErrorAs(t, err, &ce)

		sim.FailAuth(nil)
		require.NoError(t, sim.Authenticate(ctx, false))
	})
}

func TestGetOrderDetails(t *testing.T) {
	sim := New(Options{})
	ctx := context.Background()
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))

	res, err := sim.PlaceOrder(ctx, marketBuy("BTC-USDT", 1))
	require.NoError(t, err)

	details, err := sim.GetOrderDetails(ctx, res.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, res.BrokerOrderID, details.BrokerOrderID)
	assert.Equal(t, "FILLED", details.Status)

	_, err = sim.GetOrderDetails(ctx, "missing")
	require.Error(t, err)
}
