package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapStatus(t *testing.T) {
	t.Run("wallex codes", func(t *testing.T) {
		assert.Equal(t, Pending, MapStatus("wallex", "NEW"))
		assert.Equal(t, Filled, MapStatus("wallex", "DONE"))
		assert.Equal(t, Cancelled, MapStatus("wallex", "CANCELED"))
	})

	t.Run("configured name reaches the kind table", func(t *testing.T) {
		assert.Equal(t, Filled, MapStatus("wallex-main", "FILLED"))
		assert.Equal(t, TriggerPending, MapStatus("alpaca-paper", "held"))
	})

	t.Run("case and whitespace", func(t *testing.T) {
		assert.Equal(t, Rejected, MapStatus("alpaca", " rejected "))
	})

	t.Run("unmapped codes pass through raw", func(t *testing.T) {
		assert.Equal(t, Status("HALTED_BY_EXCHANGE"), MapStatus("wallex", "halted_by_exchange"))
		assert.Equal(t, Status("WHATEVER"), MapStatus("unknown-broker", "whatever"))
	})

	t.Run("empty status defaults to pending", func(t *testing.T) {
		assert.Equal(t, Pending, MapStatus("wallex", ""))
	})
}

func TestStatusTerminal(t *testing.T) {
	for _, st := range []Status{Completed, Cancelled, Rejected, Failed} {
		assert.True(t, st.Terminal(), "expected %s to be terminal", st)
	}
	for _, st := range []Status{AwaitingEntry, Pending, Open, TriggerPending, PartiallyFilled, Filled, Expired} {
		assert.False(t, st.Terminal(), "expected %s to be non-terminal", st)
	}
}
