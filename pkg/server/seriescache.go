package server

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/syamp/biscuit/pkg/tsdb"
)

// seriesCache remembers which metric id a (type, name, sorted tags) identity
// resolved to, so steady-state ingest skips the descriptor transaction. It is
// advisory only: entries are cleared wholesale after deletes and retention
// rewrites, and a stale hit falls back to the catalog.
type seriesCache struct {
	mu  sync.RWMutex
	ids map[uint64]uint32
}

func newSeriesCache() *seriesCache {
	return &seriesCache{ids: make(map[uint64]uint32)}
}

func (c *seriesCache) get(typ tsdb.MetricType, name string, tags map[string]string) (uint32, bool) {
	key := seriesHash(typ, name, tags)
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[key]
	return id, ok
}

func (c *seriesCache) put(typ tsdb.MetricType, name string, tags map[string]string, metricID uint32) {
	key := seriesHash(typ, name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[key] = metricID
}

func (c *seriesCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[uint64]uint32)
}

// seriesHash builds a deterministic key over the series identity with label
// keys in sorted order.
func seriesHash(typ tsdb.MetricType, name string, tags map[string]string) uint64 {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	digest := xxhash.New()
	digest.Write([]byte{byte(typ)})
	digest.WriteString(name)
	for _, k := range keys {
		digest.WriteString(",")
		digest.WriteString(k)
		digest.WriteString("=")
		digest.WriteString(tags[k])
	}
	return digest.Sum64()
}
