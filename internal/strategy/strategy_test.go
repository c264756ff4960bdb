package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("noop is registered", func(t *testing.T) {
		assert.Contains(t, Names(), "noop")
	})

	t.Run("new builds by name", func(t *testing.T) {
		s, err := New("noop", Params{Symbol: "BTC-USDT"})
		require.NoError(t, err)
		assert.Equal(t, "noop", s.Name())
		assert.Equal(t, "BTC-USDT", s.Symbol())
	})

	t.Run("unknown name errors", func(t *testing.T) {
		_, err := New("does-not-exist", Params{})
		require.Error(t, err)
	})
}

func TestNoopNeverSignals(t *testing.T) {
	s, err := New("noop", Params{Symbol: "BTC-USDT"})
	require.NoError(t, err)
	require.NoError(t, s.Setup(context.Background()))

	sig, err := s.ProcessCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sig)
}
