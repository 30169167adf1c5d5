package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/syamp/biscuit/pkg/config"
	"github.com/syamp/biscuit/pkg/httpx"
	"github.com/syamp/biscuit/pkg/tsdb"
)

// builtinMetricLabels names the metric ids the bundled collector uses, for
// metrics that carry no stored name.
var builtinMetricLabels = map[uint32]string{
	3001: "cpu_percent",
	3002: "load_avg_1m",
	3003: "mem_used_percent",
	3004: "disk_used_percent",
	3010: "disk_read_bytes",
	3011: "disk_write_bytes",
	3020: "net_bytes_sent",
	3021: "net_bytes_recv",
}

// GaugePayload is the request body for POST /ingest/gauge.
type GaugePayload struct {
	MetricID *int64            `json:"metric_id,omitempty"`
	TS       int64             `json:"ts"`
	Value    float64           `json:"value"`
	Name     string            `json:"name,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Step     int32             `json:"step,omitempty"`
	Slots    int32             `json:"slots,omitempty"`
}

// CounterPayload is the request body for POST /ingest/counter. RawValue is
// the monotonic counter reading; rates are computed at query time.
type CounterPayload struct {
	MetricID *int64            `json:"metric_id,omitempty"`
	TS       int64             `json:"ts"`
	RawValue float64           `json:"raw_value"`
	Name     string            `json:"name,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Step     int32             `json:"step,omitempty"`
	Slots    int32             `json:"slots,omitempty"`
}

// WriteResult is the response body for both ingest endpoints.
type WriteResult struct {
	Status    string `json:"status"`
	MetricID  int64  `json:"metric_id"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleIngestGauge(w http.ResponseWriter, r *http.Request) {
	var p GaugePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	s.ingest(w, tsdb.TypeGauge, tsdb.EnsureOpts{
		MetricID: p.MetricID,
		Step:     p.Step,
		Slots:    p.Slots,
		Name:     p.Name,
		Tags:     p.Tags,
	}, p.TS, p.Value)
}

func (s *Server) handleIngestCounter(w http.ResponseWriter, r *http.Request) {
	var p CounterPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	s.ingest(w, tsdb.TypeCounter, tsdb.EnsureOpts{
		MetricID: p.MetricID,
		Step:     p.Step,
		Slots:    p.Slots,
		Name:     p.Name,
		Tags:     p.Tags,
	}, p.TS, p.RawValue)
}

// ingest resolves the series, stores the sample and fans it out to the live
// hub. Repeat writes by name skip the catalog transaction through the series
// cache; a stale cache entry (metric deleted underneath) falls back to the
// full resolve path.
func (s *Server) ingest(w http.ResponseWriter, typ tsdb.MetricType, opts tsdb.EnsureOpts, ts int64, value float64) {
	if opts.MetricID == nil && opts.Name == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "metric_id or name is required")
		return
	}

	metricID, cached, err := s.writeSample(typ, opts, ts, value)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !cached && opts.MetricID == nil && opts.Name != "" {
		s.cache.put(typ, opts.Name, opts.Tags, metricID)
	}

	ingestTotal.WithLabelValues(typeLabel(typ)).Inc()
	s.hub.Broadcast(LiveSample{
		MetricID: int64(metricID),
		TS:       ts,
		Value:    value,
		Type:     typeLabel(typ),
	})
	httpx.RespondJSON(w, http.StatusOK, WriteResult{
		Status:    "ok",
		MetricID:  int64(metricID),
		Timestamp: ts,
	})
}

func (s *Server) writeSample(typ tsdb.MetricType, opts tsdb.EnsureOpts, ts int64, value float64) (uint32, bool, error) {
	if opts.MetricID == nil && opts.Name != "" {
		if id, ok := s.cache.get(typ, opts.Name, opts.Tags); ok {
			err := s.store.WriteValue(id, ts, value)
			if err == nil {
				return id, true, nil
			}
			if !errors.Is(err, tsdb.ErrValidation) {
				return 0, false, err
			}
			s.cache.reset()
		}
	}
	var (
		id  uint32
		err error
	)
	if typ == tsdb.TypeCounter {
		id, err = s.store.WriteCounter(opts, ts, value)
	} else {
		id, err = s.store.WriteGauge(opts, ts, value)
	}
	return id, false, err
}

// QueryPayload is the request body for POST /query.
type QueryPayload struct {
	MetricIDs []int64           `json:"metric_ids,omitempty"`
	Selectors []SelectorPayload `json:"selectors,omitempty"`
	StartTS   int64             `json:"start_ts"`
	EndTS     int64             `json:"end_ts"`
	SQL       string            `json:"sql"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var p QueryPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if p.StartTS > p.EndTS {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start_ts must be <= end_ts")
		return
	}

	var (
		computed []uint32
		aliases  map[string][]uint32
	)
	if len(p.Selectors) > 0 {
		var err error
		computed, aliases, err = s.resolveSelectors(p.Selectors)
		if err != nil {
			respondStoreError(w, err)
			return
		}
	}

	provided, err := metricIDSet(p.MetricIDs)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(computed) > 0 && len(provided) > 0 && !sameIDSet(provided, computed) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "metric_ids do not match selectors")
		return
	}
	metricIDs := computed
	if len(metricIDs) == 0 {
		metricIDs = provided
	}
	if len(metricIDs) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "metric_ids or selectors must resolve to at least one metric")
		return
	}

	sqlText := p.SQL
	if len(aliases) > 0 {
		sqlText, err = replaceAliasPlaceholders(sqlText, aliases)
		if err != nil {
			respondStoreError(w, err)
			return
		}
	}

	started := time.Now()
	rows, err := s.engine.RunSQL(metricIDs, p.StartTS, p.EndTS, sqlText)
	queryDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.store.ListMetrics()
	if err != nil {
		respondStoreError(w, err)
		return
	}
	for i := range metrics {
		if metrics[i].Name == "" {
			metrics[i].Name = builtinMetricLabels[metrics[i].MetricID]
		}
	}
	if metrics == nil {
		metrics = []tsdb.MetricInfo{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

// LookupPayload is the request body for POST /metrics/lookup.
type LookupPayload struct {
	Name  string            `json:"name,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
	Limit int               `json:"limit,omitempty"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var p LookupPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	limit := p.Limit
	if limit == 0 {
		limit = config.LookupDefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > config.LookupMaxLimit {
		limit = config.LookupMaxLimit
	}
	metrics, hitLimit, err := s.store.FindMetrics(p.Name, p.Tags, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if metrics == nil {
		metrics = []tsdb.MetricInfo{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":   metrics,
		"hit_limit": hitLimit,
		"limit":     limit,
	})
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListNames(config.NamesLimit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"names": names})
}

// TagLookupPayload is the request body for POST /metrics/tag-values.
type TagLookupPayload struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) handleTagValues(w http.ResponseWriter, r *http.Request) {
	var p TagLookupPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	catalog, err := s.store.TagCatalog(p.Name, config.TagCatalogLimit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"tags": catalog})
}

func (s *Server) handleDeleteMetric(w http.ResponseWriter, r *http.Request) {
	metricID, ok := metricIDFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMetric(metricID); err != nil {
		respondStoreError(w, err)
		return
	}
	s.cache.reset()
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"metric_id": metricID,
	})
}

// RetentionPayload is the request body for POST /metrics/{id}/retention.
type RetentionPayload struct {
	Step  int32 `json:"step"`
	Slots int32 `json:"slots"`
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	metricID, ok := metricIDFromPath(w, r)
	if !ok {
		return
	}
	var p RetentionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.store.RewriteRetention(metricID, p.Step, p.Slots); err != nil {
		respondStoreError(w, err)
		return
	}
	s.cache.reset()
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"metric_id": metricID,
		"step":      p.Step,
		"slots":     p.Slots,
	})
}

// handleSeries serves bucketed values for one metric: per-bucket averages for
// gauges, per-bucket rates for counters.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	metricID, ok := metricIDFromPath(w, r)
	if !ok {
		return
	}
	startTS, err := queryInt(r, "start_ts")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	endTS, err := queryInt(r, "end_ts")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	bucket := int64(1)
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		bucket, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid bucket: %w", err))
			return
		}
	}
	if startTS > endTS {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start_ts must be <= end_ts")
		return
	}
	if bucket <= 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "bucket must be positive")
		return
	}

	meta, found, err := s.store.Meta(metricID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var sqlText string
	if found && meta.Type == tsdb.TypeCounter {
		sqlText = fmt.Sprintf(`
WITH bucketed AS (
  SELECT ts_bucket(ts, %d) AS bucket, max(value) AS value
  FROM samples
  WHERE metric_id = %d AND ts >= %d AND ts <= %d
  GROUP BY bucket
)
SELECT bucket, bucket_rate(value, LAG(value) OVER (ORDER BY bucket), %d) AS value
FROM bucketed
ORDER BY bucket`, bucket, metricID, startTS, endTS, bucket)
	} else {
		sqlText = fmt.Sprintf(`
SELECT ts_bucket(ts, %d) AS bucket, avg(value) AS value
FROM samples
WHERE metric_id = %d AND ts >= %d AND ts <= %d
GROUP BY bucket
ORDER BY bucket`, bucket, metricID, startTS, endTS)
	}

	rows, err := s.engine.RunSQL([]uint32{metricID}, startTS, endTS, sqlText)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// A catalog read proves the store is reachable.
	if _, _, err := s.store.Meta(0); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func metricIDFromPath(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id > tsdb.MaxMetricID {
		httpx.RespondErrorString(w, http.StatusBadRequest, "metric id must fit in uint32")
		return 0, false
	}
	return uint32(id), true
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

// metricIDSet validates and dedupes caller-provided ids.
func metricIDSet(ids []int64) ([]uint32, error) {
	seen := make(map[uint32]struct{}, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id > tsdb.MaxMetricID {
			return nil, badRequestf("metric_id %d must fit in uint32", id)
		}
		v := uint32(id)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// sameIDSet compares two deduplicated id slices as sets.
func sameIDSet(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uint32]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func typeLabel(typ tsdb.MetricType) string {
	if typ == tsdb.TypeCounter {
		return "counter"
	}
	return "gauge"
}
