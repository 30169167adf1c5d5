package server

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/syamp/biscuit/pkg/config"
)

// SelectorPayload names a series by metric name and tag subset. SQL may
// reference the alias as a {{ALIAS}} placeholder.
type SelectorPayload struct {
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags,omitempty"`
	Alias  string            `json:"alias,omitempty"`
}

var aliasPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// resolveSelectors maps each selector to its metric ids via the catalog.
// Empty matches and matches past the ambiguity cap are refused. Aliases
// default to S1, S2, … in selector order.
func (s *Server) resolveSelectors(selectors []SelectorPayload) ([]uint32, map[string][]uint32, error) {
	aliasMap := make(map[string][]uint32, len(selectors))
	idSet := make(map[uint32]struct{})
	for idx, sel := range selectors {
		if sel.Metric == "" {
			return nil, nil, badRequestf("selector.metric is required")
		}
		alias := sel.Alias
		if alias == "" {
			alias = fmt.Sprintf("S%d", idx+1)
		}
		if _, dup := aliasMap[alias]; dup {
			return nil, nil, badRequestf("duplicate selector alias: %s", alias)
		}
		matches, hitLimit, err := s.store.FindMetrics(sel.Metric, sel.Tags, config.SelectorMatchLimit)
		if err != nil {
			return nil, nil, err
		}
		if len(matches) == 0 {
			return nil, nil, badRequestf("selector %q did not match any metrics", alias)
		}
		if hitLimit {
			return nil, nil, badRequestf("selector %q matched too many metrics; narrow tags", alias)
		}
		ids := make([]uint32, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.MetricID)
			idSet[m.MetricID] = struct{}{}
		}
		aliasMap[alias] = ids
	}

	union := make([]uint32, 0, len(idSet))
	for id := range idSet {
		union = append(union, id)
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	return union, aliasMap, nil
}

// replaceAliasPlaceholders substitutes {{ALIAS}} tokens with the alias's
// metric id. A placeholder must resolve to exactly one metric.
func replaceAliasPlaceholders(sqlText string, aliasMap map[string][]uint32) (string, error) {
	var replaceErr error
	out := aliasPattern.ReplaceAllStringFunc(sqlText, func(token string) string {
		alias := aliasPattern.FindStringSubmatch(token)[1]
		ids, ok := aliasMap[alias]
		if !ok {
			if replaceErr == nil {
				replaceErr = badRequestf("unknown selector alias in sql: %s", alias)
			}
			return token
		}
		if len(ids) != 1 {
			if replaceErr == nil {
				replaceErr = badRequestf("selector alias %q must resolve to exactly one metric for SQL placeholder substitution", alias)
			}
			return token
		}
		return fmt.Sprintf("%d", ids[0])
	})
	if replaceErr != nil {
		return "", replaceErr
	}
	return out, nil
}
