package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/broker/paper"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/ratelimit"
)

func newSessionDispatcher(storage db.Storage) *Dispatcher {
	limits := ratelimit.NewRegistry(ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})
	return New(limits, storage, notifier.Noop{}, Options{})
}

func addColdBroker(d *Dispatcher, name string) (*paper.Adapter, *broker.Handle) {
	sim := paper.New(paper.Options{Name: name})
	h := broker.NewHandle(sim)
	h.Enabled = true
	h.TradeEnabled = true
	d.Register(h, ratelimit.Budget{RequestsPerSecond: 1000, Burst: 1000})
	return sim, h
}

func TestEnsureSessionsAuthenticatesColdBrokers(t *testing.T) {
	storage := db.NewMemory()
	d := newSessionDispatcher(storage)
	_, h := addColdBroker(d, "alpha")
	require.NoError(t, storage.UpsertBrokerCredential(context.Background(), db.BrokerCredential{Name: "alpha", Enabled: true}))

	d.EnsureSessions(context.Background(), false)

	assert.Equal(t, broker.Connected, h.State())
	assert.False(t, h.LastAuth().IsZero())

	creds, err := storage.ListBrokerCredentials(context.Background())
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, string(broker.Connected), creds[0].ConnState)
}

func TestEnsureSessionsFailureIsIsolated(t *testing.T) {
	storage := db.NewMemory()
	d := newSessionDispatcher(storage)
	bad, badHandle := addColdBroker(d, "bad")
	_, goodHandle := addColdBroker(d, "good")
	bad.FailAuth(errors.New("key revoked"))

	d.EnsureSessions(context.Background(), false)

	assert.Equal(t, broker.ConnError, badHandle.State())
	assert.Equal(t, broker.Connected, goodHandle.State())
}

func TestEnsureSessionsSkipsFreshSessions(t *testing.T) {
	storage := db.NewMemory()
	d := newSessionDispatcher(storage)
	sim, h := addColdBroker(d, "alpha")
	h.MarkAuthenticated(time.Now().UTC())
	first := h.LastAuth()

	// A fresh Connected session is left alone; a failure script proves no
	// authenticate call happened.
	sim.FailAuth(errors.New("should not be called"))
	d.EnsureSessions(context.Background(), false)
	assert.Equal(t, broker.Connected, h.State())
	assert.Equal(t, first, h.LastAuth())
}

func TestEnsureSessionsForceReauthenticates(t *testing.T) {
	storage := db.NewMemory()
	d := newSessionDispatcher(storage)
	_, h := addColdBroker(d, "alpha")
	h.MarkAuthenticated(time.Now().UTC().Add(-time.Hour))
	before := h.LastAuth()

	d.EnsureSessions(context.Background(), true)
	assert.True(t, h.LastAuth().After(before))
}
