package tsdb

import (
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// EnsureOpts carries the identity a caller supplies when registering or
// writing a metric.
type EnsureOpts struct {
	// MetricID pins an explicit id; nil means "resolve by name or allocate".
	MetricID *int64

	Type MetricType

	// Step and Slots default to the store's configured retention when zero.
	Step  int32
	Slots int32

	Name string
	Tags map[string]string
}

// MetricInfo is one catalog row: the fixed meta plus the name/tags sidecar.
type MetricInfo struct {
	MetricID uint32            `json:"metric_id"`
	Name     string            `json:"name"`
	Tags     map[string]string `json:"tags"`
	Type     MetricType        `json:"type"`
	Step     int32             `json:"step"`
	Slots    int32             `json:"slots"`
}

// EnsureDescriptor resolves opts to a metric id, allocating one when needed,
// and persists meta, meta-info and the (name, sorted tags) descriptor binding
// in a single transaction.
//
// Resolution order: an existing descriptor for (name, tags) wins and only the
// metric type is verified against it; otherwise the pinned id (or a freshly
// allocated one) is used and an existing meta record must match (step, slots,
// type) exactly.
func (s *Store) EnsureDescriptor(opts EnsureOpts) (uint32, error) {
	hasID := opts.MetricID != nil
	var pinned uint32
	if hasID {
		var err error
		pinned, err = ensureMetricID(*opts.MetricID)
		if err != nil {
			return 0, err
		}
	} else if opts.Name == "" {
		return 0, validationf("metric_id or name must be provided")
	}

	step := opts.Step
	if step == 0 {
		step = s.defaultStep
	}
	slots := opts.Slots
	if slots == 0 {
		slots = s.defaultSlots
	}
	if step <= 0 || slots <= 0 {
		return 0, validationf("step and slots must be positive")
	}

	var resolved uint32
	err := s.update(func(txn *badger.Txn) error {
		if opts.Name != "" {
			existing, found, err := lookupDescriptorTxn(txn, opts.Name, opts.Tags)
			if err != nil {
				return err
			}
			if found {
				meta, ok, err := loadMetaTxn(txn, existing)
				if err != nil {
					return err
				}
				if ok && meta.Type != opts.Type {
					return validationf("metric %d already registered with different type", existing)
				}
				if err := ensureMetaInfoTxn(txn, existing, opts.Name, opts.Tags); err != nil {
					return err
				}
				resolved = existing
				return nil
			}
		}

		id := pinned
		if !hasID {
			var err error
			id, err = allocateMetricIDTxn(txn)
			if err != nil {
				return err
			}
		}

		meta, ok, err := loadMetaTxn(txn, id)
		if err != nil {
			return err
		}
		if ok {
			if meta.Step != step || meta.Slots != slots || meta.Type != opts.Type {
				return validationf("metric %d already registered with different metadata", id)
			}
		} else {
			if err := txn.Set(metaKey(id), encodeMeta(Meta{Step: step, Slots: slots, Type: opts.Type})); err != nil {
				return err
			}
		}
		if err := ensureMetaInfoTxn(txn, id, opts.Name, opts.Tags); err != nil {
			return err
		}
		if err := ensureDescriptorTxn(txn, id, opts.Name, opts.Tags); err != nil {
			return err
		}
		resolved = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return resolved, nil
}

// LookupDescriptor returns the id bound to the exact (name, sorted tags) key.
func (s *Store) LookupDescriptor(name string, tags map[string]string) (uint32, bool, error) {
	var id uint32
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		id, found, err = lookupDescriptorTxn(txn, name, tags)
		return err
	})
	return id, found, err
}

// ListMetrics returns every registered metric in id order.
func (s *Store) ListMetrics() ([]MetricInfo, error) {
	var metrics []MetricInfo
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixMeta}
		it := txn.NewIterator(opts)
		defer it.Close()

		// Meta keys carry big-endian ids, so iteration order is id order.
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, ok := metricIDFromKey(item.Key())
			if !ok {
				continue
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			meta, err := decodeMeta(raw)
			if err != nil {
				continue
			}
			info, _ := loadMetaInfoTxn(txn, id)
			metrics = append(metrics, MetricInfo{
				MetricID: id,
				Name:     info.Name,
				Tags:     info.Tags,
				Type:     meta.Type,
				Step:     meta.Step,
				Slots:    meta.Slots,
			})
		}
		return nil
	})
	return metrics, err
}

// FindMetrics scans the catalog for metrics matching the optional name and a
// tag subset (every requested pair must appear in the metric's tags). A
// positive limit caps the result; hitLimit reports whether the cap was
// reached, so ingress layers can refuse ambiguous selectors.
func (s *Store) FindMetrics(name string, tags map[string]string, limit int) (results []MetricInfo, hitLimit bool, err error) {
	all, err := s.ListMetrics()
	if err != nil {
		return nil, false, err
	}
	for _, m := range all {
		if name != "" && m.Name != name {
			continue
		}
		if !tagsSubset(tags, m.Tags) {
			continue
		}
		results = append(results, m)
		if limit > 0 && len(results) >= limit {
			hitLimit = true
			break
		}
	}
	return results, hitLimit, nil
}

// ListNames returns distinct non-empty metric names, sorted.
func (s *Store) ListNames(limit int) ([]string, error) {
	all, err := s.ListMetrics()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, m := range all {
		if m.Name == "" {
			continue
		}
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
		if limit > 0 && len(names) >= limit {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

// TagCatalog maps tag keys to the sorted set of observed values, optionally
// scoped to one metric name. Intended for UI hints; a positive limit bounds
// the number of matching metrics whose tags are collected.
func (s *Store) TagCatalog(name string, limit int) (map[string][]string, error) {
	all, err := s.ListMetrics()
	if err != nil {
		return nil, err
	}
	sets := make(map[string]map[string]struct{})
	count := 0
	for _, m := range all {
		if name != "" && m.Name != name {
			continue
		}
		for k, v := range m.Tags {
			if sets[k] == nil {
				sets[k] = make(map[string]struct{})
			}
			sets[k][v] = struct{}{}
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	catalog := make(map[string][]string, len(sets))
	for k, vals := range sets {
		sorted := make([]string, 0, len(vals))
		for v := range vals {
			sorted = append(sorted, v)
		}
		sort.Strings(sorted)
		catalog[k] = sorted
	}
	return catalog, nil
}

func tagsSubset(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func lookupDescriptorTxn(txn *badger.Txn, name string, tags map[string]string) (uint32, bool, error) {
	item, err := txn.Get(descriptorKey(name, tags))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, err
	}
	id, err := decodeID(raw)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ensureDescriptorTxn binds (name, sorted tags) to metricID. The binding is
// monotone: once set it is never rewritten, and binding to a different id
// fails.
func ensureDescriptorTxn(txn *badger.Txn, metricID uint32, name string, tags map[string]string) error {
	if name == "" {
		return nil
	}
	key := descriptorKey(name, tags)
	item, err := txn.Get(key)
	if err == nil {
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		existing, err := decodeID(raw)
		if err != nil {
			return err
		}
		if existing != metricID {
			return validationf("descriptor already bound to metric %d", existing)
		}
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(key, encodeID(metricID))
}

func ensureMetaInfoTxn(txn *badger.Txn, metricID uint32, name string, tags map[string]string) error {
	info, existed := loadMetaInfoTxn(txn, metricID)
	changed, err := info.merge(metricID, name, tags)
	if err != nil {
		return err
	}
	if !changed && existed {
		return nil
	}
	raw, err := info.encode()
	if err != nil {
		return err
	}
	return txn.Set(metaInfoKey(metricID), raw)
}

// allocateMetricIDTxn increments the monotonic id counter inside the caller's
// transaction. Two racing allocations both read the counter, so the KV
// store's conflict detection lets exactly one commit.
func allocateMetricIDTxn(txn *badger.Txn) (uint32, error) {
	key := idCounterKey()
	var last uint64
	item, err := txn.Get(key)
	if err == nil {
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		last, err = decodeCounter(raw)
		if err != nil {
			return 0, err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	next := last + 1
	if next > MaxMetricID {
		return 0, validationf("metric id space exhausted")
	}
	if err := txn.Set(key, encodeCounter(next)); err != nil {
		return 0, err
	}
	return uint32(next), nil
}
