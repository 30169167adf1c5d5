// Package query is the SQL layer over the ring store. Each request gets a
// fresh in-memory SQLite context with three tables (samples, metrics,
// metric_tags) materialized from range reads and the catalog, plus the
// time-series scalar and window functions registered on the connection.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/syamp/biscuit/pkg/tsdb"
)

// SampleSource is the slice of the storage engine the query layer consumes.
type SampleSource interface {
	ReadRange(metricID uint32, startTS, endTS int64) ([]tsdb.Sample, error)
	ListMetrics() ([]tsdb.MetricInfo, error)
}

// Engine executes SQL over materialized sample batches. It holds no
// per-query state; contexts are built and torn down per request.
type Engine struct {
	src SampleSource
	log *logrus.Entry
}

// New creates an engine reading from src.
func New(src SampleSource) *Engine {
	return &Engine{
		src: src,
		log: logrus.WithField("component", "query"),
	}
}

const tableSchema = `
CREATE TABLE samples (metric_id INTEGER, ts INTEGER, value REAL, type INTEGER);
CREATE TABLE metrics (metric_id INTEGER, name TEXT, type INTEGER, step INTEGER, slots INTEGER);
CREATE TABLE metric_tags (metric_id INTEGER, tag_key TEXT, tag_value TEXT);
`

// RunSQL materializes the ranges for metricIDs into a fresh context and
// executes sqlText against it. Rows come back as column-name to value maps.
// The caller guarantees startTS <= endTS. Parse and execution errors are
// reported as validation failures.
func (e *Engine) RunSQL(metricIDs []uint32, startTS, endTS int64, sqlText string) ([]map[string]interface{}, error) {
	started := time.Now()

	conn, err := sqlite.OpenConn(":memory:", sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenMemory|sqlite.OpenNoMutex)
	if err != nil {
		return nil, fmt.Errorf("open query context: %w", err)
	}
	defer conn.Close()

	if err := registerScalarFunctions(conn); err != nil {
		return nil, fmt.Errorf("register scalar functions: %w", err)
	}
	if err := registerWindowFunctions(conn); err != nil {
		return nil, fmt.Errorf("register window functions: %w", err)
	}
	if err := sqlitex.ExecuteScript(conn, tableSchema, nil); err != nil {
		return nil, fmt.Errorf("create query tables: %w", err)
	}
	if err := e.loadCatalog(conn); err != nil {
		return nil, err
	}
	sampleCount, err := e.loadSamples(conn, metricIDs, startTS, endTS)
	if err != nil {
		return nil, err
	}

	rows, err := collectRows(conn, sqlText)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"metrics":  len(metricIDs),
		"samples":  sampleCount,
		"rows":     len(rows),
		"duration": time.Since(started).Round(time.Microsecond),
	}).Debug("sql executed")
	return rows, nil
}

// loadCatalog fills the metrics and metric_tags tables from the catalog.
func (e *Engine) loadCatalog(conn *sqlite.Conn) error {
	metrics, err := e.src.ListMetrics()
	if err != nil {
		return fmt.Errorf("list metrics: %w", err)
	}

	metricStmt, err := conn.Prepare("INSERT INTO metrics (metric_id, name, type, step, slots) VALUES (?, ?, ?, ?, ?);")
	if err != nil {
		return err
	}
	tagStmt, err := conn.Prepare("INSERT INTO metric_tags (metric_id, tag_key, tag_value) VALUES (?, ?, ?);")
	if err != nil {
		return err
	}
	for _, m := range metrics {
		metricStmt.BindInt64(1, int64(m.MetricID))
		metricStmt.BindText(2, m.Name)
		metricStmt.BindInt64(3, int64(m.Type))
		metricStmt.BindInt64(4, int64(m.Step))
		metricStmt.BindInt64(5, int64(m.Slots))
		if _, err := metricStmt.Step(); err != nil {
			return err
		}
		if err := metricStmt.Reset(); err != nil {
			return err
		}
		for k, v := range m.Tags {
			tagStmt.BindInt64(1, int64(m.MetricID))
			tagStmt.BindText(2, k)
			tagStmt.BindText(3, v)
			if _, err := tagStmt.Step(); err != nil {
				return err
			}
			if err := tagStmt.Reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadSamples fills the samples table from one range read per metric.
func (e *Engine) loadSamples(conn *sqlite.Conn, metricIDs []uint32, startTS, endTS int64) (int, error) {
	stmt, err := conn.Prepare("INSERT INTO samples (metric_id, ts, value, type) VALUES (?, ?, ?, ?);")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, metricID := range metricIDs {
		samples, err := e.src.ReadRange(metricID, startTS, endTS)
		if err != nil {
			return 0, fmt.Errorf("read range for metric %d: %w", metricID, err)
		}
		for _, sample := range samples {
			stmt.BindInt64(1, int64(metricID))
			stmt.BindInt64(2, sample.TS)
			stmt.BindFloat(3, sample.Value)
			stmt.BindInt64(4, int64(sample.Type))
			if _, err := stmt.Step(); err != nil {
				return 0, err
			}
			if err := stmt.Reset(); err != nil {
				return 0, err
			}
		}
		total += len(samples)
	}
	return total, nil
}

// collectRows runs one SQL statement and materializes every result row,
// preserving the declared column order while scanning.
func collectRows(conn *sqlite.Conn, sqlText string) ([]map[string]interface{}, error) {
	stmt, trailing, err := conn.PrepareTransient(sqlText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tsdb.ErrValidation, err)
	}
	defer stmt.Finalize()
	if trailing > 0 && strings.TrimSpace(sqlText[len(sqlText)-trailing:]) != "" {
		return nil, fmt.Errorf("%w: sql must be a single statement", tsdb.ErrValidation)
	}

	colCount := stmt.ColumnCount()
	colNames := make([]string, colCount)
	for i := range colNames {
		colNames[i] = stmt.ColumnName(i)
	}

	rows := []map[string]interface{}{}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tsdb.ErrValidation, err)
		}
		if !hasRow {
			break
		}
		row := make(map[string]interface{}, colCount)
		for i, name := range colNames {
			switch stmt.ColumnType(i) {
			case sqlite.TypeInteger:
				row[name] = stmt.ColumnInt64(i)
			case sqlite.TypeFloat:
				row[name] = stmt.ColumnFloat(i)
			case sqlite.TypeText:
				row[name] = stmt.ColumnText(i)
			case sqlite.TypeBlob:
				buf := make([]byte, stmt.ColumnLen(i))
				stmt.ColumnBytes(i, buf)
				row[name] = buf
			default:
				row[name] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
