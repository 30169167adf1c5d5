package query

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syamp/biscuit/pkg/tsdb"
)

func newTestEngine(t *testing.T) (*Engine, *tsdb.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := tsdb.Open(tsdb.Config{InMemory: true, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func pinID(id int64) *int64 {
	return &id
}

func TestBucketRateOverCounter(t *testing.T) {
	engine, store := newTestEngine(t)
	id, err := store.EnsureDescriptor(tsdb.EnsureOpts{
		MetricID: pinID(1), Type: tsdb.TypeCounter, Step: 1, Slots: 100,
	})
	require.NoError(t, err)
	for _, w := range []struct {
		ts    int64
		value float64
	}{{1000, 100}, {1010, 200}, {1020, 50}} {
		require.NoError(t, store.WriteValue(id, w.ts, w.value))
	}

	rows, err := engine.RunSQL([]uint32{id}, 1000, 1020, `
WITH b AS (
  SELECT ts_bucket(ts, 10) AS bucket, max(value) AS v
  FROM samples GROUP BY bucket
)
SELECT bucket, bucket_rate(v, LAG(v) OVER (ORDER BY bucket), 10) AS rate
FROM b ORDER BY bucket`)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, int64(1000), rows[0]["bucket"])
	assert.Nil(t, rows[0]["rate"], "no previous bucket")
	assert.Equal(t, 10.0, rows[1]["rate"])
	assert.Nil(t, rows[2]["rate"], "counter reset: 50 < 200")
}

func TestClampOutsideAlign(t *testing.T) {
	engine, store := newTestEngine(t)
	id, err := store.EnsureDescriptor(tsdb.EnsureOpts{
		MetricID: pinID(2), Type: tsdb.TypeGauge, Step: 1, Slots: 10,
	})
	require.NoError(t, err)
	base := int64(1200)
	for i, v := range []float64{-5, 0.5, 5, 15} {
		require.NoError(t, store.WriteValue(id, base+int64(i), v))
	}

	rows, err := engine.RunSQL([]uint32{id}, base, base+3, `
SELECT clamp(value, 0, 10) AS c,
       null_if_outside(value, 0, 10) AS n,
       align_time(ts, 60, 1200) AS a
FROM samples ORDER BY ts`)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, 0.0, rows[0]["c"])
	assert.Nil(t, rows[0]["n"])
	assert.Equal(t, 0.5, rows[1]["c"])
	assert.Equal(t, 0.5, rows[1]["n"])
	assert.Equal(t, 5.0, rows[2]["c"])
	assert.Equal(t, 5.0, rows[2]["n"])
	assert.Equal(t, 10.0, rows[3]["c"])
	assert.Nil(t, rows[3]["n"])
	for _, row := range rows {
		assert.Equal(t, base, row["a"])
	}
}

func TestScalarNullPropagation(t *testing.T) {
	engine, _ := newTestEngine(t)
	rows, err := engine.RunSQL(nil, 0, 0, `
SELECT ts_bucket(NULL, 10)          AS a,
       ts_bucket(25, 0)             AS b,
       ts_bucket(25, NULL)          AS c,
       ts_bucket(25, 10)            AS d,
       align_time(125, 60)          AS e,
       align_time(125, 60, NULL)    AS f,
       shift_ts(100, -10)           AS g,
       shift_ts(NULL, 1)            AS h,
       bucket_rate(5.0, NULL, 10)   AS i,
       bucket_rate(5.0, 1.0, 0)     AS j,
       bucket_rate(1.0, 5.0, 10)    AS k,
       bucket_rate(5.0, 1.0, 4)     AS l`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Nil(t, row["a"])
	assert.Nil(t, row["b"])
	assert.Nil(t, row["c"])
	assert.Equal(t, int64(20), row["d"])
	assert.Equal(t, int64(120), row["e"])
	assert.Equal(t, int64(120), row["f"], "NULL origin reads as 0")
	assert.Equal(t, int64(90), row["g"])
	assert.Nil(t, row["h"])
	assert.Nil(t, row["i"])
	assert.Nil(t, row["j"])
	assert.Nil(t, row["k"], "counter reset")
	assert.Equal(t, 1.0, row["l"])
}

func TestSeriesArithmetic(t *testing.T) {
	engine, _ := newTestEngine(t)
	rows, err := engine.RunSQL(nil, 0, 0, `
SELECT series_add(1.5, 2.5)  AS a,
       series_sub(5.0, 2.0)  AS s,
       series_mul(3.0, 4.0)  AS m,
       series_div(10.0, 4.0) AS d,
       series_div(10.0, 0.0) AS z,
       series_add(NULL, 1.0) AS n`)
	require.NoError(t, err)
	row := rows[0]
	assert.Equal(t, 4.0, row["a"])
	assert.Equal(t, 3.0, row["s"])
	assert.Equal(t, 12.0, row["m"])
	assert.Equal(t, 2.5, row["d"])
	assert.Nil(t, row["z"], "division by zero")
	assert.Nil(t, row["n"])
}

func writeGaugeSeries(t *testing.T, store *tsdb.Store, metricID int64, base int64, values []float64) uint32 {
	t.Helper()
	id, err := store.EnsureDescriptor(tsdb.EnsureOpts{
		MetricID: pinID(metricID), Type: tsdb.TypeGauge, Step: 1, Slots: 100,
	})
	require.NoError(t, err)
	for i, v := range values {
		require.NoError(t, store.WriteValue(id, base+int64(i), v))
	}
	return id
}

func TestDiffAndPctChange(t *testing.T) {
	engine, store := newTestEngine(t)
	id := writeGaugeSeries(t, store, 3, 100, []float64{2, 20, 4})

	rows, err := engine.RunSQL([]uint32{id}, 100, 102, `
SELECT ts,
       diff(value, 1)        OVER w AS d,
       period_diff(value, 1) OVER w AS pd,
       diff(value)           OVER w AS d1,
       pct_change(value, 1)  OVER w AS pc
FROM samples
WINDOW w AS (PARTITION BY metric_id ORDER BY ts)
ORDER BY ts`)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Nil(t, rows[0]["d"])
	assert.Equal(t, 18.0, rows[1]["d"])
	assert.Equal(t, -16.0, rows[2]["d"])
	assert.Equal(t, rows[1]["d"], rows[1]["pd"])
	assert.Equal(t, rows[1]["d"], rows[1]["d1"], "periods defaults to 1")
	assert.Nil(t, rows[0]["pc"])
	assert.Equal(t, 9.0, rows[1]["pc"])
	assert.Equal(t, -0.8, rows[2]["pc"])
}

func TestPctChangeNullOnZeroPrev(t *testing.T) {
	engine, store := newTestEngine(t)
	id := writeGaugeSeries(t, store, 4, 100, []float64{0, 5})

	rows, err := engine.RunSQL([]uint32{id}, 100, 101, `
SELECT pct_change(value, 1) OVER (ORDER BY ts) AS pc FROM samples ORDER BY ts`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[1]["pc"], "previous value is 0")
}

func TestRollingAggregatesIgnoreNulls(t *testing.T) {
	engine, store := newTestEngine(t)
	// 20 falls outside [0, 10] and becomes NULL inside the query.
	id := writeGaugeSeries(t, store, 5, 100, []float64{2, 20, 4})

	rows, err := engine.RunSQL([]uint32{id}, 100, 102, `
SELECT rolling_mean(null_if_outside(value, 0, 10), 2) OVER w AS m,
       rolling_sum(null_if_outside(value, 0, 10), 2)  OVER w AS s
FROM samples
WINDOW w AS (PARTITION BY metric_id ORDER BY ts)
ORDER BY ts`)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 2.0, rows[0]["m"])
	assert.Equal(t, 2.0, rows[1]["m"], "window [2, NULL] ignores the NULL")
	assert.Equal(t, 4.0, rows[2]["m"], "window [NULL, 4]")
	assert.Equal(t, 2.0, rows[0]["s"])
	assert.Equal(t, 2.0, rows[1]["s"])
	assert.Equal(t, 4.0, rows[2]["s"])
}

func TestRollingMeanAllNullWindow(t *testing.T) {
	engine, store := newTestEngine(t)
	id := writeGaugeSeries(t, store, 6, 100, []float64{50, 60})

	rows, err := engine.RunSQL([]uint32{id}, 100, 101, `
SELECT rolling_mean(null_if_outside(value, 0, 10), 2) OVER (ORDER BY ts) AS m
FROM samples ORDER BY ts`)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Nil(t, row["m"])
	}
}

func TestCounterRateWindow(t *testing.T) {
	engine, store := newTestEngine(t)
	id, err := store.EnsureDescriptor(tsdb.EnsureOpts{
		MetricID: pinID(7), Type: tsdb.TypeCounter, Step: 1, Slots: 100,
	})
	require.NoError(t, err)
	for _, w := range []struct {
		ts    int64
		value float64
	}{{1000, 100}, {1010, 200}, {1020, 50}} {
		require.NoError(t, store.WriteValue(id, w.ts, w.value))
	}

	rows, err := engine.RunSQL([]uint32{id}, 1000, 1020, `
SELECT counter_rate(value, ts) OVER (PARTITION BY metric_id ORDER BY ts) AS r
FROM samples ORDER BY ts`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0]["r"], "no previous row")
	assert.Equal(t, 10.0, rows[1]["r"])
	assert.Nil(t, rows[2]["r"], "counter reset")
}

func TestCatalogTables(t *testing.T) {
	engine, store := newTestEngine(t)
	_, err := store.EnsureDescriptor(tsdb.EnsureOpts{
		Type: tsdb.TypeGauge, Name: "cpu", Tags: map[string]string{"role": "web"},
		Step: 15, Slots: 240,
	})
	require.NoError(t, err)

	rows, err := engine.RunSQL(nil, 0, 0, `
SELECT m.metric_id, m.name, m.step, m.slots, t.tag_key, t.tag_value
FROM metrics m JOIN metric_tags t ON m.metric_id = t.metric_id
ORDER BY m.metric_id, t.tag_key`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cpu", rows[0]["name"])
	assert.Equal(t, int64(15), rows[0]["step"])
	assert.Equal(t, int64(240), rows[0]["slots"])
	assert.Equal(t, "role", rows[0]["tag_key"])
	assert.Equal(t, "web", rows[0]["tag_value"])
}

func TestSamplesScopedToRequestedMetrics(t *testing.T) {
	engine, store := newTestEngine(t)
	a := writeGaugeSeries(t, store, 11, 100, []float64{1, 2})
	writeGaugeSeries(t, store, 12, 100, []float64{9, 9})

	rows, err := engine.RunSQL([]uint32{a}, 100, 101, `
SELECT metric_id, count(*) AS n FROM samples GROUP BY metric_id`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(a), rows[0]["metric_id"])
	assert.Equal(t, int64(2), rows[0]["n"])
}

func TestInvalidSQLIsValidationError(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.RunSQL(nil, 0, 0, "SELEC nope")
	assert.ErrorIs(t, err, tsdb.ErrValidation)
}

func TestMultipleStatementsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.RunSQL(nil, 0, 0, "SELECT 1; SELECT 2")
	assert.ErrorIs(t, err, tsdb.ErrValidation)

	// A trailing semicolon alone is fine.
	rows, err := engine.RunSQL(nil, 0, 0, "SELECT 1 AS one;")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["one"])
}
