package profile

import (
	"encoding/json"
	"time"
)

// Report is the JSON document persisted to the object store. Map keys
// marshal sorted, so the serialized form is deterministic for a given
// dataset.
type Report struct {
	DatasetID   string                   `json:"dataset_id"`
	GeneratedAt string                   `json:"generated_at"`
	RowCount    int                      `json:"row_count"`
	NullCounts  map[string]int           `json:"null_counts"`
	Numeric     map[string]NumericStats  `json:"numeric"`
	Anomalies   Anomalies                `json:"anomalies"`
}

// BuildReport assembles the two pass results into the persisted document.
func BuildReport(datasetID string, generatedAt time.Time, stats Stats, anomalies Anomalies) Report {
	return Report{
		DatasetID:   datasetID,
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		RowCount:    stats.RowCount,
		NullCounts:  stats.NullCounts,
		Numeric:     stats.Numeric,
		Anomalies:   anomalies,
	}
}

// Encode serializes the report compactly for storage.
func (r Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}
