package tsdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Key families. Single-byte prefixes carry big-endian identifiers so ordered
// iteration walks metric ids and slots in numeric order; record payloads are
// little-endian for cheap decode. These layouts are wire-compatible with
// databases produced by other implementations of the format and must not
// change.
const (
	prefixValue    = 0x01 // prefixValue ‖ metric_id:BE32 ‖ slot:BE32
	prefixMeta     = 0x02 // prefixMeta ‖ metric_id:BE32
	prefixMetaInfo = 0x04 // prefixMetaInfo ‖ metric_id:BE32

	tupleTagDescriptor = 5 // (5, name, [(k,v),…]) → metric_id:LE64
	tupleTagIDCounter  = 6 // (6,) → last allocated id:LE64
	tupleTagDashboard  = 7 // (7, slug) → JSON payload
)

// FlagValid marks a slot record as logically present. A slot whose flag byte
// lacks this bit is empty regardless of its window and value.
const FlagValid = 0x01

// MetricType distinguishes instantaneous gauges from raw monotonic counters.
type MetricType uint8

const (
	TypeGauge   MetricType = 0
	TypeCounter MetricType = 1
)

// MaxMetricID is the largest id the key layout can address.
const MaxMetricID = math.MaxUint32

// Meta is the fixed per-metric record: seconds per sample window, ring
// capacity and metric type. Immutable once written except through a retention
// rewrite.
type Meta struct {
	Step  int32
	Slots int32
	Type  MetricType
}

const (
	metaRecordLen  = 9 // step:LE32 ‖ slots:LE32 ‖ type:u8
	valueRecordLen = 9 // window:LE32 ‖ value:LE f32 ‖ flags:u8
)

func valueKey(metricID, slot uint32) []byte {
	key := make([]byte, 9)
	key[0] = prefixValue
	binary.BigEndian.PutUint32(key[1:5], metricID)
	binary.BigEndian.PutUint32(key[5:9], slot)
	return key
}

func valuePrefix(metricID uint32) []byte {
	key := make([]byte, 5)
	key[0] = prefixValue
	binary.BigEndian.PutUint32(key[1:5], metricID)
	return key
}

func metaKey(metricID uint32) []byte {
	key := make([]byte, 5)
	key[0] = prefixMeta
	binary.BigEndian.PutUint32(key[1:5], metricID)
	return key
}

func metaInfoKey(metricID uint32) []byte {
	key := make([]byte, 5)
	key[0] = prefixMetaInfo
	binary.BigEndian.PutUint32(key[1:5], metricID)
	return key
}

// descriptorKey builds the uniqueness key for (name, sorted tag pairs).
func descriptorKey(name string, tags map[string]string) []byte {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]tupleElem, 0, len(tags))
	for _, k := range keys {
		pairs = append(pairs, []tupleElem{k, tags[k]})
	}
	return packTuple(tupleTagDescriptor, name, pairs)
}

func idCounterKey() []byte {
	return packTuple(tupleTagIDCounter)
}

func dashboardKey(slug string) []byte {
	return packTuple(tupleTagDashboard, slug)
}

func dashboardPrefix() []byte {
	return packTuple(tupleTagDashboard)
}

func encodeMeta(m Meta) []byte {
	raw := make([]byte, metaRecordLen)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(m.Step))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(m.Slots))
	raw[8] = byte(m.Type)
	return raw
}

func decodeMeta(raw []byte) (Meta, error) {
	if len(raw) < metaRecordLen {
		return Meta{}, fmt.Errorf("%w: meta record is %d bytes, want %d", ErrDecode, len(raw), metaRecordLen)
	}
	return Meta{
		Step:  int32(binary.LittleEndian.Uint32(raw[0:4])),
		Slots: int32(binary.LittleEndian.Uint32(raw[4:8])),
		Type:  MetricType(raw[8]),
	}, nil
}

func encodeValueRecord(window uint32, value float32, flags uint8) []byte {
	raw := make([]byte, valueRecordLen)
	binary.LittleEndian.PutUint32(raw[0:4], window)
	binary.LittleEndian.PutUint32(raw[4:8], math.Float32bits(value))
	raw[8] = flags
	return raw
}

// decodeValueRecord unpacks a slot record. ok is false for records shorter
// than the fixed format or without the valid flag; range reads skip those.
func decodeValueRecord(raw []byte) (window uint32, value float32, ok bool) {
	if len(raw) < valueRecordLen {
		return 0, 0, false
	}
	if raw[8]&FlagValid == 0 {
		return 0, 0, false
	}
	window = binary.LittleEndian.Uint32(raw[0:4])
	value = math.Float32frombits(binary.LittleEndian.Uint32(raw[4:8]))
	return window, value, true
}

func encodeID(metricID uint32) []byte {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(metricID))
	return raw
}

func decodeID(raw []byte) (uint32, error) {
	if len(raw) < 8 {
		return 0, fmt.Errorf("%w: id record is %d bytes, want 8", ErrDecode, len(raw))
	}
	id := binary.LittleEndian.Uint64(raw)
	if id > MaxMetricID {
		return 0, fmt.Errorf("%w: id %d exceeds uint32", ErrDecode, id)
	}
	return uint32(id), nil
}

func encodeCounter(last uint64) []byte {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, last)
	return raw
}

func decodeCounter(raw []byte) (uint64, error) {
	if len(raw) < 8 {
		return 0, fmt.Errorf("%w: counter record is %d bytes, want 8", ErrDecode, len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// metricIDFromKey extracts the big-endian id from a meta or meta-info key.
func metricIDFromKey(key []byte) (uint32, bool) {
	if len(key) != 5 {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[1:5]), true
}
