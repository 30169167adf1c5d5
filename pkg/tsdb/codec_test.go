package tsdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKeyLayout(t *testing.T) {
	key := valueKey(1, 2)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 1, 0, 0, 0, 2}, key)

	// Big-endian ids keep byte order equal to numeric order.
	assert.Equal(t, -1, compareBytes(valueKey(1, 2), valueKey(1, 3)))
	assert.Equal(t, -1, compareBytes(valueKey(1, 0xFFFFFFFF), valueKey(2, 0)))
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

func TestMetaRecordLayout(t *testing.T) {
	raw := encodeMeta(Meta{Step: 2, Slots: 10, Type: TypeCounter})
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0x0A, 0, 0, 0, 0x01}, raw)

	meta, err := decodeMeta(raw)
	require.NoError(t, err)
	assert.Equal(t, Meta{Step: 2, Slots: 10, Type: TypeCounter}, meta)

	_, err = decodeMeta(raw[:5])
	assert.ErrorIs(t, err, ErrDecode)
}

func TestValueRecordLayout(t *testing.T) {
	raw := encodeValueRecord(3, 1.5, FlagValid)
	// 1.5 as float32 is 0x3FC00000.
	assert.Equal(t, []byte{0x03, 0, 0, 0, 0x00, 0x00, 0xC0, 0x3F, 0x01}, raw)

	window, value, ok := decodeValueRecord(raw)
	require.True(t, ok)
	assert.Equal(t, uint32(3), window)
	assert.Equal(t, float32(1.5), value)
}

func TestValueRecordDecodeSkipsBadRecords(t *testing.T) {
	_, _, ok := decodeValueRecord([]byte{0x01, 0x02, 0x03})
	assert.False(t, ok, "short record must read as empty")

	_, _, ok = decodeValueRecord(encodeValueRecord(3, 1.5, 0))
	assert.False(t, ok, "record without the valid flag must read as empty")
}

func TestDescriptorKeyLayout(t *testing.T) {
	key := descriptorKey("cpu", map[string]string{"role": "web"})
	want := []byte{
		0x15, 0x05, // int 5
		0x02, 'c', 'p', 'u', 0x00, // "cpu"
		0x05,                                // nested tag list
		0x05,                                // nested pair
		0x02, 'r', 'o', 'l', 'e', 0x00, // "role"
		0x02, 'w', 'e', 'b', 0x00, // "web"
		0x00, // pair terminator
		0x00, // tag list terminator
	}
	assert.Equal(t, want, key)
}

func TestDescriptorKeyUntaggedLayout(t *testing.T) {
	key := descriptorKey("cpu", nil)
	want := []byte{
		0x15, 0x05, // int 5
		0x02, 'c', 'p', 'u', 0x00, // "cpu"
		0x05, 0x00, // empty tag list
	}
	assert.Equal(t, want, key)
}

func TestDescriptorKeyDistinguishesNames(t *testing.T) {
	// The name is part of the key: same (possibly empty) tag set under
	// different names must never collide.
	assert.NotEqual(t, descriptorKey("cpu", nil), descriptorKey("mem", nil))

	tags := map[string]string{"role": "web"}
	assert.NotEqual(t, descriptorKey("cpu", tags), descriptorKey("mem", tags))
}

func TestDescriptorKeySortsTags(t *testing.T) {
	a := descriptorKey("m", map[string]string{"b": "2", "a": "1"})
	b := descriptorKey("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
}

func TestCounterAndDashboardKeys(t *testing.T) {
	assert.Equal(t, []byte{0x15, 0x06}, idCounterKey())
	assert.Equal(t, []byte{0x15, 0x07, 0x02, 'h', 'o', 'm', 'e', 0x00}, dashboardKey("home"))
	assert.Equal(t, []byte{0x15, 0x07}, dashboardPrefix())
}

func TestTupleStringEscaping(t *testing.T) {
	packed := packTuple("a\x00b")
	assert.Equal(t, []byte{0x02, 'a', 0x00, 0xFF, 'b', 0x00}, packed)

	s, n, err := unpackTupleString(packed)
	require.NoError(t, err)
	assert.Equal(t, "a\x00b", s)
	assert.Equal(t, len(packed), n)
}

func TestIDRecordRoundTrip(t *testing.T) {
	id, err := decodeID(encodeID(123456))
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), id)

	_, err = decodeID([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDecode)
}
