// Package client is a thin HTTP SDK for the biscuit API, used by the bundled
// collector and external tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one biscuit server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL (e.g. http://127.0.0.1:8000).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Gauge is the body of POST /ingest/gauge.
type Gauge struct {
	MetricID *int64            `json:"metric_id,omitempty"`
	TS       int64             `json:"ts"`
	Value    float64           `json:"value"`
	Name     string            `json:"name,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Step     int32             `json:"step,omitempty"`
	Slots    int32             `json:"slots,omitempty"`
}

// Counter is the body of POST /ingest/counter.
type Counter struct {
	MetricID *int64            `json:"metric_id,omitempty"`
	TS       int64             `json:"ts"`
	RawValue float64           `json:"raw_value"`
	Name     string            `json:"name,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Step     int32             `json:"step,omitempty"`
	Slots    int32             `json:"slots,omitempty"`
}

// WriteResult is the ingest response.
type WriteResult struct {
	Status    string `json:"status"`
	MetricID  int64  `json:"metric_id"`
	Timestamp int64  `json:"timestamp"`
}

// WriteGauge stores one gauge sample.
func (c *Client) WriteGauge(ctx context.Context, g Gauge) (WriteResult, error) {
	var out WriteResult
	err := c.post(ctx, "/ingest/gauge", g, &out)
	return out, err
}

// WriteCounter stores one raw counter sample.
func (c *Client) WriteCounter(ctx context.Context, cnt Counter) (WriteResult, error) {
	var out WriteResult
	err := c.post(ctx, "/ingest/counter", cnt, &out)
	return out, err
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	MetricIDs []int64    `json:"metric_ids,omitempty"`
	Selectors []Selector `json:"selectors,omitempty"`
	StartTS   int64      `json:"start_ts"`
	EndTS     int64      `json:"end_ts"`
	SQL       string     `json:"sql"`
}

// Selector names a series for /query resolution.
type Selector struct {
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags,omitempty"`
	Alias  string            `json:"alias,omitempty"`
}

// QueryResult carries the rows a query produced.
type QueryResult struct {
	Rows  []map[string]interface{} `json:"rows"`
	Count int                      `json:"count"`
}

// Query runs SQL over the requested series.
func (c *Client) Query(ctx context.Context, q QueryRequest) (QueryResult, error) {
	var out QueryResult
	err := c.post(ctx, "/query", q, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
