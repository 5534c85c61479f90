package metrics

import (
	"context"
	"encoding/json"
	"io"
)

// SnapshotProvider abstracts Manager for testing.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error)
}

// Report is the JSON shape of a metrics snapshot.
type Report struct {
	Counters  map[string]int64   `json:"counters"`
	Summaries map[string]Summary `json:"summaries"`
}

// Collect takes a snapshot from provider.
func Collect(ctx context.Context, provider SnapshotProvider) (Report, error) {
	counters, summaries, err := provider.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{Counters: counters, Summaries: summaries}, nil
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
