package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syamp/biscuit/pkg/tsdb"
)

func newTestServer(t *testing.T) (*httptest.Server, *tsdb.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := tsdb.Open(tsdb.Config{InMemory: true, Logger: logger})
	require.NoError(t, err)

	srv := New(store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, store
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestIngestGaugeByName(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		TS: 1000, Value: 10,
		Name: "cpu", Tags: map[string]string{"role": "web"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first WriteResult
	decodeBody(t, resp, &first)
	assert.Equal(t, "ok", first.Status)
	assert.Equal(t, int64(1), first.MetricID)
	assert.Equal(t, int64(1000), first.Timestamp)

	// A repeat write by the same identity reuses the id (and exercises the
	// series cache path).
	resp = postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		TS: 1001, Value: 20,
		Name: "cpu", Tags: map[string]string{"role": "web"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second WriteResult
	decodeBody(t, resp, &second)
	assert.Equal(t, first.MetricID, second.MetricID)
}

func TestIngestRequiresIdentity(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{TS: 1, Value: 1})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestCounterTypeMismatch(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{TS: 1, Value: 1, Name: "dual"})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/ingest/counter", CounterPayload{TS: 2, RawValue: 1, Name: "dual"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuerySelectorSubstitution(t *testing.T) {
	ts, _ := newTestServer(t)
	for i, v := range []float64{10, 20} {
		resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
			TS: int64(1000 + i), Value: v,
			Name: "cpu", Tags: map[string]string{"role": "web"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/query", QueryPayload{
		Selectors: []SelectorPayload{{Metric: "cpu", Tags: map[string]string{"role": "web"}, Alias: "CPU"}},
		StartTS:   1000, EndTS: 1001,
		SQL: "SELECT avg(value) AS v FROM samples WHERE metric_id = {{CPU}}",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Rows  []map[string]interface{} `json:"rows"`
		Count int                      `json:"count"`
	}
	decodeBody(t, resp, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, 15.0, out.Rows[0]["v"])
}

func TestQueryValidations(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{TS: 1000, Value: 1, Name: "cpu"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cases := []struct {
		name    string
		payload QueryPayload
	}{
		{"start after end", QueryPayload{MetricIDs: []int64{1}, StartTS: 10, EndTS: 5, SQL: "SELECT 1"}},
		{"no metrics", QueryPayload{StartTS: 0, EndTS: 10, SQL: "SELECT 1"}},
		{"selector without match", QueryPayload{
			Selectors: []SelectorPayload{{Metric: "nope"}},
			StartTS:   0, EndTS: 10, SQL: "SELECT 1",
		}},
		{"metric_ids disagree with selectors", QueryPayload{
			MetricIDs: []int64{999},
			Selectors: []SelectorPayload{{Metric: "cpu"}},
			StartTS:   0, EndTS: 10, SQL: "SELECT 1",
		}},
		{"unknown alias", QueryPayload{
			Selectors: []SelectorPayload{{Metric: "cpu", Alias: "A"}},
			StartTS:   0, EndTS: 10,
			SQL: "SELECT * FROM samples WHERE metric_id = {{B}}",
		}},
		{"duplicate alias", QueryPayload{
			Selectors: []SelectorPayload{{Metric: "cpu", Alias: "A"}, {Metric: "cpu", Alias: "A"}},
			StartTS:   0, EndTS: 10, SQL: "SELECT 1",
		}},
		{"broken sql", QueryPayload{MetricIDs: []int64{1}, StartTS: 0, EndTS: 10, SQL: "SELEC nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/query", tc.payload)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestListMetricsAppliesBuiltinLabels(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		MetricID: pinID(3001), TS: 1000, Value: 42.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	var out struct {
		Metrics []tsdb.MetricInfo `json:"metrics"`
	}
	decodeBody(t, listResp, &out)
	require.Len(t, out.Metrics, 1)
	assert.Equal(t, uint32(3001), out.Metrics[0].MetricID)
	assert.Equal(t, "cpu_percent", out.Metrics[0].Name)
}

func TestLookupLimit(t *testing.T) {
	ts, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
			TS: 1000, Value: 1,
			Name: "cpu", Tags: map[string]string{"host": fmt.Sprintf("h%d", i)},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/metrics/lookup", LookupPayload{Name: "cpu", Limit: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Metrics  []tsdb.MetricInfo `json:"metrics"`
		HitLimit bool              `json:"hit_limit"`
		Limit    int               `json:"limit"`
	}
	decodeBody(t, resp, &out)
	assert.Len(t, out.Metrics, 2)
	assert.True(t, out.HitLimit)
	assert.Equal(t, 2, out.Limit)
}

func TestDeleteMetric(t *testing.T) {
	ts, store := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		MetricID: pinID(5), TS: 1000, Value: 1, Name: "tmp",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/metrics/5", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	_, found, err := store.Meta(5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRetentionEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		MetricID: pinID(8), TS: 1000, Value: 1, Step: 1, Slots: 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/metrics/8/retention", RetentionPayload{Step: 1, Slots: 30})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	meta, found, err := store.Meta(8)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int32(30), meta.Slots)
}

func TestRetentionRejectsCounters(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/counter", CounterPayload{
		MetricID: pinID(6), TS: 1000, RawValue: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/metrics/6/retention", RetentionPayload{Step: 2, Slots: 5})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSeriesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	for i, v := range []float64{10, 20, 30, 40} {
		resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
			MetricID: pinID(9), TS: int64(1000 + i), Value: v,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics/9/series?start_ts=1000&end_ts=1003&bucket=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Rows []map[string]interface{} `json:"rows"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, 1000.0, out.Rows[0]["bucket"])
	assert.Equal(t, 15.0, out.Rows[0]["value"])
	assert.Equal(t, 35.0, out.Rows[1]["value"])
}

func TestSeriesEndpointValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics/1/series?start_ts=10&end_ts=5&bucket=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics/1/series?start_ts=0&end_ts=5&bucket=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboardLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/dashboards", DashboardPayload{
		Slug: "home", Title: "Home",
		Definition: json.RawMessage(`{"panels":[{"metric":"cpu"}]}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/dashboards")
	require.NoError(t, err)
	var listed struct {
		Dashboards []tsdb.DashboardSummary `json:"dashboards"`
	}
	decodeBody(t, listResp, &listed)
	require.Len(t, listed.Dashboards, 1)
	assert.Equal(t, "home", listed.Dashboards[0].Slug)
	assert.Equal(t, "Home", listed.Dashboards[0].Title)

	getResp, err := http.Get(ts.URL + "/dashboards/home")
	require.NoError(t, err)
	var payload struct {
		Title      string          `json:"title"`
		Definition json.RawMessage `json:"definition"`
	}
	decodeBody(t, getResp, &payload)
	assert.Equal(t, "Home", payload.Title)
	assert.JSONEq(t, `{"panels":[{"metric":"cpu"}]}`, string(payload.Definition))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/dashboards/home", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	missing, err := http.Get(ts.URL + "/dashboards/home")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestNamesAndTagValues(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/ingest/gauge", GaugePayload{
		TS: 1, Value: 1, Name: "cpu", Tags: map[string]string{"role": "web"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	namesResp, err := http.Get(ts.URL + "/metrics/names")
	require.NoError(t, err)
	var names struct {
		Names []string `json:"names"`
	}
	decodeBody(t, namesResp, &names)
	assert.Equal(t, []string{"cpu"}, names.Names)

	tagResp := postJSON(t, ts.URL+"/metrics/tag-values", TagLookupPayload{Name: "cpu"})
	var tags struct {
		Tags map[string][]string `json:"tags"`
	}
	decodeBody(t, tagResp, &tags)
	assert.Equal(t, []string{"web"}, tags.Tags["role"])
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func pinID(id int64) *int64 {
	return &id
}
