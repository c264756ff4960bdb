package dispatcher

import (
	"context"
	"log"
	"sync"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/retry"
)

// symbolCache memoizes per-broker symbol resolutions so the fan-out path never
// pays a network round trip per slice. Entries are dropped when the broker
// re-authenticates, since instrument dumps are refreshed at login.
type symbolCache struct {
	mu      sync.RWMutex
	byBrokr map[string]map[string]broker.Resolution
}

func newSymbolCache() *symbolCache {
	return &symbolCache{byBrokr: make(map[string]map[string]broker.Resolution)}
}

func cacheKey(canonical string, instrument broker.InstrumentType) string {
	return canonical + "|" + string(instrument)
}

func (c *symbolCache) get(brokerName, canonical string, instrument broker.InstrumentType) (broker.Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, ok := c.byBrokr[brokerName]
	if !ok {
		return broker.Resolution{}, false
	}
	res, ok := table[cacheKey(canonical, instrument)]
	return res, ok
}

func (c *symbolCache) put(brokerName, canonical string, instrument broker.InstrumentType, res broker.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.byBrokr[brokerName]
	if !ok {
		table = make(map[string]broker.Resolution)
		c.byBrokr[brokerName] = table
	}
	table[cacheKey(canonical, instrument)] = res
}

func (c *symbolCache) invalidate(brokerName string) {
	c.mu.Lock()
	delete(c.byBrokr, brokerName)
	c.mu.Unlock()
}

// resolve translates a canonical symbol for one broker, consulting the cache
// first. A resolution failure falls back to the canonical symbol with no
// token: the broker call then fails loudly instead of the order vanishing.
func (d *Dispatcher) resolve(ctx context.Context, h *broker.Handle, canonical string, instrument broker.InstrumentType) broker.Resolution {
	if res, ok := d.symbols.get(h.Name, canonical, instrument); ok {
		return res
	}
	res, err := retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) (broker.Resolution, error) {
		return h.Adapter.ResolveSymbol(ctx, canonical, instrument)
	})
	if err != nil {
		log.Printf("Dispatcher | %s could not resolve %s (%s), falling back to canonical: %v", h.Name, canonical, instrument, err)
		return broker.Resolution{Symbol: canonical}
	}
	d.symbols.put(h.Name, canonical, instrument, res)
	return res
}

// ResolveSymbol is the public resolution entry point, used by strategies that
// need a broker-native symbol ahead of order time.
func (d *Dispatcher) ResolveSymbol(ctx context.Context, brokerName, canonical string, instrument broker.InstrumentType) (broker.Resolution, error) {
	h, ok := d.Handle(brokerName)
	if !ok {
		return broker.Resolution{}, &broker.ValidationError{Field: "broker", Reason: "unknown broker " + brokerName}
	}
	if res, okCached := d.symbols.get(brokerName, canonical, instrument); okCached {
		return res, nil
	}
	res, err := retry.Do(ctx, d.exec, h.Name, retry.DefaultPolicy(), func(ctx context.Context) (broker.Resolution, error) {
		return h.Adapter.ResolveSymbol(ctx, canonical, instrument)
	})
	if err != nil {
		return broker.Resolution{Symbol: canonical}, err
	}
	d.symbols.put(brokerName, canonical, instrument, res)
	return res, nil
}
