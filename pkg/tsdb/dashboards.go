package tsdb

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Dashboard persistence. Definitions are opaque JSON to the storage engine;
// they live under the tuple-packed (7, slug) key family.

// DashboardSummary is one row of the dashboard listing.
type DashboardSummary struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

type dashboardRecord struct {
	Title      string          `json:"title"`
	Definition json.RawMessage `json:"definition"`
}

// SaveDashboard stores (title, definition) under slug, overwriting any
// previous payload.
func (s *Store) SaveDashboard(slug, title string, definition json.RawMessage) error {
	if slug == "" {
		return validationf("slug is required")
	}
	raw, err := json.Marshal(dashboardRecord{Title: title, Definition: definition})
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(dashboardKey(slug), raw)
	})
}

// GetDashboard returns the stored payload for slug, or found=false.
func (s *Store) GetDashboard(slug string) (json.RawMessage, bool, error) {
	var payload json.RawMessage
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(dashboardKey(slug))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !json.Valid(raw) {
			// Undecodable payloads read as absent.
			return nil
		}
		payload = raw
		found = true
		return nil
	})
	return payload, found, err
}

// DeleteDashboard removes slug; deleting an unknown slug is a no-op.
func (s *Store) DeleteDashboard(slug string) error {
	if slug == "" {
		return nil
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(dashboardKey(slug))
	})
}

// ListDashboards returns (slug, title) for every stored dashboard, sorted by
// slug. Payloads that fail to decode fall back to the slug as title.
func (s *Store) ListDashboards() ([]DashboardSummary, error) {
	prefix := dashboardPrefix()
	var dashboards []DashboardSummary
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			slug, _, err := unpackTupleString(item.Key()[len(prefix):])
			if err != nil {
				continue
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var record dashboardRecord
			title := slug
			if err := json.Unmarshal(raw, &record); err == nil && record.Title != "" {
				title = record.Title
			}
			dashboards = append(dashboards, DashboardSummary{Slug: slug, Title: title})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(dashboards, func(i, j int) bool { return dashboards[i].Slug < dashboards[j].Slug })
	return dashboards, nil
}
