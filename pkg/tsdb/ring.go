package tsdb

import (
	"bytes"
	"math"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Sample is one decoded slot: the reconstructed timestamp, the stored value
// and the owning metric's type.
type Sample struct {
	TS    int64      `json:"ts"`
	Value float64    `json:"value"`
	Type  MetricType `json:"type"`
}

// segment is an inclusive run of contiguous slots.
type segment struct {
	start uint32
	end   uint32
}

// WriteGauge resolves (or registers) a gauge series per opts and stores value
// at the slot for ts. The returned id is the one the sample landed on.
func (s *Store) WriteGauge(opts EnsureOpts, ts int64, value float64) (uint32, error) {
	opts.Type = TypeGauge
	metricID, err := s.EnsureDescriptor(opts)
	if err != nil {
		return 0, err
	}
	if err := s.WriteValue(metricID, ts, value); err != nil {
		return 0, err
	}
	return metricID, nil
}

// WriteCounter behaves like WriteGauge for a counter series. The raw
// externally-provided value is stored verbatim; rate computation happens at
// query time.
func (s *Store) WriteCounter(opts EnsureOpts, ts int64, rawValue float64) (uint32, error) {
	opts.Type = TypeCounter
	metricID, err := s.EnsureDescriptor(opts)
	if err != nil {
		return 0, err
	}
	if err := s.WriteValue(metricID, ts, rawValue); err != nil {
		return 0, err
	}
	return metricID, nil
}

// WriteValue overwrites the slot for ts with (window, value, valid). The old
// occupant is lost without trace; no read-modify-write of the slot happens.
func (s *Store) WriteValue(metricID uint32, ts int64, value float64) error {
	return s.update(func(txn *badger.Txn) error {
		meta, found, err := loadMetaTxn(txn, metricID)
		if err != nil {
			return err
		}
		if !found {
			return validationf("metric %d not found", metricID)
		}
		window := floorDiv(ts, int64(meta.Step))
		if window < 0 || window > math.MaxUint32 {
			return validationf("ts %d out of range for step %d", ts, meta.Step)
		}
		slot := uint32(window % int64(meta.Slots))
		record := encodeValueRecord(uint32(window), float32(value), FlagValid)
		return txn.Set(valueKey(metricID, slot), record)
	})
}

// ReadRange returns the samples visible in [startTS, endTS], sorted by
// timestamp. A missing metric reads as empty. Slots whose window falls
// outside the requested range (stale survivors of an earlier wrap) are
// filtered out.
func (s *Store) ReadRange(metricID uint32, startTS, endTS int64) ([]Sample, error) {
	if endTS < startTS {
		return nil, nil
	}
	var samples []Sample
	err := s.view(func(txn *badger.Txn) error {
		meta, found, err := loadMetaTxn(txn, metricID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		step := int64(meta.Step)
		slots := int64(meta.Slots)
		startWindow := floorDiv(startTS, step)
		endWindow := floorDiv(endTS, step)
		if endWindow < startWindow {
			return nil
		}
		span := endWindow - startWindow
		count := slots
		if span < slots-1 {
			count = span + 1
		}
		if count <= 0 {
			return nil
		}
		startSlot := uint32(((startWindow % slots) + slots) % slots)
		for _, seg := range segmentsFor(startSlot, count, slots) {
			if err := s.scanSegment(txn, metricID, seg, startTS, endTS, step, meta.Type, &samples); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].TS < samples[j].TS })
	return samples, nil
}

// segmentsFor plans the slot scan: one contiguous run, or two when the range
// wraps the ring boundary.
func segmentsFor(startSlot uint32, count, slots int64) []segment {
	if count <= 0 {
		return nil
	}
	if int64(startSlot)+count <= slots {
		return []segment{{start: startSlot, end: startSlot + uint32(count) - 1}}
	}
	wrap := count - (slots - int64(startSlot))
	return []segment{
		{start: startSlot, end: uint32(slots) - 1},
		{start: 0, end: uint32(wrap) - 1},
	}
}

func (s *Store) scanSegment(txn *badger.Txn, metricID uint32, seg segment, startTS, endTS, step int64, typ MetricType, out *[]Sample) error {
	if seg.start > seg.end {
		return nil
	}
	prefix := valuePrefix(metricID)
	endKey := valueKey(metricID, seg.end)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(valueKey(metricID, seg.start)); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if bytes.Compare(item.Key(), endKey) > 0 {
			break
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		window, value, ok := decodeValueRecord(raw)
		if !ok {
			// Short or invalid records are skipped, not surfaced.
			continue
		}
		ts := int64(window) * step
		if ts < startTS || ts > endTS {
			continue
		}
		*out = append(*out, Sample{TS: ts, Value: float64(value), Type: typ})
	}
	return nil
}

// DeleteMetric removes all slots, meta, meta-info and the descriptor binding
// in one transaction. Deleting an unknown metric is a no-op. When the
// meta-info sidecar is missing or undecodable the descriptor binding cannot
// be located and stays behind; the leak is logged and delete still succeeds.
func (s *Store) DeleteMetric(metricID uint32) error {
	return s.update(func(txn *badger.Txn) error {
		_, found, err := loadMetaTxn(txn, metricID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		info, infoOK := loadMetaInfoTxn(txn, metricID)

		prefix := valuePrefix(metricID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		if err := txn.Delete(metaKey(metricID)); err != nil {
			return err
		}
		if err := txn.Delete(metaInfoKey(metricID)); err != nil {
			return err
		}
		if info.Name != "" {
			if err := txn.Delete(descriptorKey(info.Name, info.Tags)); err != nil {
				return err
			}
		} else if !infoOK {
			s.log.WithField("metric_id", metricID).Warn("meta-info missing on delete; descriptor binding may leak")
		}
		return nil
	})
}

// RewriteRetention re-buckets a gauge metric into a new (step, slots) ring:
// snapshot all visible samples, delete the metric, recreate the descriptor
// with the new retention, replay the snapshot. The sequence spans several
// transactions and the intermediate state is observable. Counters are
// rejected: their slot-wrap reset semantics do not survive re-bucketing.
func (s *Store) RewriteRetention(metricID uint32, step, slots int32) error {
	if step <= 0 || slots <= 0 {
		return validationf("step and slots must be positive")
	}
	meta, found, err := s.Meta(metricID)
	if err != nil {
		return err
	}
	if !found {
		return validationf("metric %d not found", metricID)
	}
	if meta.Type != TypeGauge {
		return validationf("retention rewrite only supported for gauge metrics")
	}

	var info metaInfo
	if err := s.view(func(txn *badger.Txn) error {
		info, _ = loadMetaInfoTxn(txn, metricID)
		return nil
	}); err != nil {
		return err
	}

	snapshot, err := s.ReadRange(metricID, 0, math.MaxInt64)
	if err != nil {
		return err
	}
	if err := s.DeleteMetric(metricID); err != nil {
		return err
	}
	id64 := int64(metricID)
	if _, err := s.EnsureDescriptor(EnsureOpts{
		MetricID: &id64,
		Type:     TypeGauge,
		Step:     step,
		Slots:    slots,
		Name:     info.Name,
		Tags:     info.Tags,
	}); err != nil {
		return err
	}
	for _, sample := range snapshot {
		if err := s.WriteValue(metricID, sample.TS, sample.Value); err != nil {
			return err
		}
	}
	s.log.WithFields(map[string]interface{}{
		"metric_id": metricID,
		"step":      step,
		"slots":     slots,
		"replayed":  len(snapshot),
	}).Info("retention rewritten")
	return nil
}

// floorDiv divides rounding toward negative infinity, so windows stay stable
// across the epoch regardless of sign.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
