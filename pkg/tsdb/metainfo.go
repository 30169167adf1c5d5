package tsdb

import (
	"encoding/json"
	"fmt"
)

// metaInfo is the per-metric name/tags sidecar. The stored form is compact
// UTF-8 JSON ({"name":…,"tags":{…}}), which keeps the record readable by
// other implementations of the format.
type metaInfo struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
}

func newMetaInfo() metaInfo {
	return metaInfo{Tags: map[string]string{}}
}

func decodeMetaInfo(raw []byte) (metaInfo, error) {
	var info metaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return metaInfo{}, fmt.Errorf("%w: meta-info: %v", ErrDecode, err)
	}
	if info.Tags == nil {
		info.Tags = map[string]string{}
	}
	return info, nil
}

func (i metaInfo) encode() ([]byte, error) {
	return json.Marshal(i)
}

// merge folds name and tags into the record. Setting an unset name and adding
// new tags is allowed; changing an existing name or redefining a tag to a
// different value is rejected. Returns whether anything changed.
func (i *metaInfo) merge(metricID uint32, name string, tags map[string]string) (bool, error) {
	changed := false
	if name != "" {
		if i.Name != "" && i.Name != name {
			return false, validationf("metric %d already registered with name %q", metricID, i.Name)
		}
		if i.Name == "" {
			i.Name = name
			changed = true
		}
	}
	for k, v := range tags {
		current, exists := i.Tags[k]
		if exists && current != v {
			return false, validationf("metric %d tag %q already set to %q", metricID, k, current)
		}
		if !exists {
			i.Tags[k] = v
			changed = true
		}
	}
	return changed, nil
}
