package provider

import "sort"

// RuntimeMetadata summarizes a running exchange connection.
type RuntimeMetadata struct {
	Name      string         `json:"name"`
	Adapter   string         `json:"adapter"`
	Connected bool           `json:"connected"`
	Streams   []string       `json:"streams,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// SortRuntimeMetadata sorts the slice in-place by exchange name.
func SortRuntimeMetadata(meta []RuntimeMetadata) {
	sort.Slice(meta, func(i, j int) bool { return meta[i].Name < meta[j].Name })
}
