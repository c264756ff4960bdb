package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/markethours"
	"github.com/amirphl/multitrader/internal/retry"
)

// EnsureSessions authenticates every enabled broker whose session is absent,
// forced, or stale (generated before today's cutoff hour). Brokers are
// processed concurrently; one failure marks that handle ERROR and never
// blocks the rest.
func (d *Dispatcher) EnsureSessions(ctx context.Context, force bool) {
	now := time.Now()
	cutoff := markethours.AuthCutoff(now, d.opts.Location, d.opts.CutoffHour)

	p := pool.New().WithContext(ctx)
	for _, h := range d.Handles() {
		h := h
		if !h.Enabled {
			continue
		}
		if !force && !d.sessionStale(h, now, cutoff) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			d.authenticate(ctx, h, force)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		log.Printf("Dispatcher | Session maintenance interrupted: %v", err)
	}
}

// sessionStale reports whether h needs a fresh login: never authenticated,
// not Connected, or last authenticated before a cutoff that has already
// passed today.
func (d *Dispatcher) sessionStale(h *broker.Handle, now, cutoff time.Time) bool {
	if h.State() != broker.Connected {
		return true
	}
	last := h.LastAuth()
	if last.IsZero() {
		return true
	}
	return now.After(cutoff) && last.Before(cutoff)
}

func (d *Dispatcher) authenticate(ctx context.Context, h *broker.Handle, force bool) {
	h.SetState(broker.Authenticating)
	d.persistConnState(ctx, h, time.Time{})

	_, err := retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Adapter.Authenticate(ctx, force)
	})
	if err != nil {
		h.SetState(broker.ConnError)
		d.persistConnState(ctx, h, time.Time{})
		log.Printf("Dispatcher | Authentication failed for %s: %v", h.Name, err)
		d.notif.Send(fmt.Sprintf("Broker %s authentication failed: %v", h.Name, err))
		return
	}

	now := time.Now().UTC()
	h.MarkAuthenticated(now)
	d.symbols.invalidate(h.Name)
	d.persistConnState(ctx, h, now)
	log.Printf("Dispatcher | Broker %s authenticated", h.Name)

	d.snapshotBalance(ctx, h)
}

// snapshotBalance records a balance summary row after login; failures are
// logged only, the session stays usable.
func (d *Dispatcher) snapshotBalance(ctx context.Context, h *broker.Handle) {
	bal, err := d.Balance(ctx, h.Name)
	if err != nil {
		log.Printf("Dispatcher | Balance snapshot failed for %s: %v", h.Name, err)
		return
	}
	if d.storage == nil {
		return
	}
	if err := d.storage.SaveBalanceSummary(ctx, db.BalanceSummary{
		Broker:     h.Name,
		Available:  bal.Available,
		Used:       bal.Used,
		Total:      bal.Total,
		Currency:   bal.Currency,
		CapturedAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("Dispatcher | Failed to save balance summary for %s: %v", h.Name, err)
	}
}

func (d *Dispatcher) persistConnState(ctx context.Context, h *broker.Handle, lastAuth time.Time) {
	if d.storage == nil {
		return
	}
	if err := d.storage.SetBrokerConnState(ctx, h.Name, string(h.State()), lastAuth); err != nil {
		log.Printf("Dispatcher | Failed to persist conn state for %s: %v", h.Name, err)
	}
}
