package broker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ConnState tracks where a broker session is in its lifecycle.
type ConnState string

const (
	Disconnected   ConnState = "DISCONNECTED"
	Authenticating ConnState = "AUTHENTICATING"
	Connected      ConnState = "CONNECTED"
	ConnError      ConnState = "ERROR"
)

// Handle is the dispatcher's bookkeeping record for one configured broker:
// the adapter plus its enablement flags, loss limits, and session state.
type Handle struct {
	Name         string
	Adapter      Adapter
	Enabled      bool
	TradeEnabled bool
	DataProvider bool
	MaxLoss      decimal.Decimal
	MaxProfit    decimal.Decimal
	MaxOrderQty  int

	mu       sync.RWMutex
	state    ConnState
	lastAuth time.Time
}

func NewHandle(adapter Adapter) *Handle {
	return &Handle{
		Name:    adapter.Name(),
		Adapter: adapter,
		state:   Disconnected,
	}
}

func (h *Handle) State() ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) SetState(s ConnState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) LastAuth() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastAuth
}

// MarkAuthenticated records a successful session refresh.
func (h *Handle) MarkAuthenticated(at time.Time) {
	h.mu.Lock()
	h.state = Connected
	h.lastAuth = at
	h.mu.Unlock()
}

// Tradeable reports whether orders should be fanned out to this broker.
// Connection state is deliberately not part of the check: a disabled session
// still gets a structured failure slot in the outcome map.
func (h *Handle) Tradeable() bool {
	return h.Enabled && h.TradeEnabled
}
