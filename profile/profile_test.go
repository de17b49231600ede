package profile_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/dsprof/parser"
	"github.com/hazyhaar/dsprof/profile"
)

func parseCSV(t *testing.T, payload string) []parser.Row {
	t.Helper()
	rows, err := parser.Parse(parser.ContentTypeCSV, []byte(payload), parser.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func parseJSON(t *testing.T, payload string) []parser.Row {
	t.Helper()
	rows, err := parser.Parse(parser.ContentTypeJSON, []byte(payload), parser.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestStatsHappyCSV(t *testing.T) {
	rows := parseCSV(t, "id,region,total\n1,n,10\n2,s,20\n3,s,30\n")
	s := profile.ComputeStats(rows)

	if s.RowCount != 3 {
		t.Fatalf("row_count = %d, want 3", s.RowCount)
	}
	for _, f := range []string{"id", "region", "total"} {
		if s.NullCounts[f] != 0 {
			t.Errorf("null_counts[%s] = %d, want 0", f, s.NullCounts[f])
		}
	}
	if got := s.Numeric["id"]; got != (profile.NumericStats{Min: 1, Mean: 2, Max: 3}) {
		t.Errorf("numeric[id] = %+v", got)
	}
	if got := s.Numeric["total"]; got != (profile.NumericStats{Min: 10, Mean: 20, Max: 30}) {
		t.Errorf("numeric[total] = %+v", got)
	}
	if _, ok := s.Numeric["region"]; ok {
		t.Error("region must not be numeric")
	}
}

func TestStatsNullHandling(t *testing.T) {
	rows := parseJSON(t, `[
		{"a": 1, "b": "x"},
		{"a": null, "b": "  "},
		{"b": "y"}
	]`)
	s := profile.ComputeStats(rows)

	// a: one null, one absent; b: one whitespace-only string.
	if s.NullCounts["a"] != 2 {
		t.Fatalf("null_counts[a] = %d, want 2", s.NullCounts["a"])
	}
	if s.NullCounts["b"] != 1 {
		t.Fatalf("null_counts[b] = %d, want 1", s.NullCounts["b"])
	}

	// a stays numeric: its only non-null value parses.
	if got, ok := s.Numeric["a"]; !ok || got.Min != 1 || got.Max != 1 {
		t.Fatalf("numeric[a] = %+v %v", got, ok)
	}
}

func TestStatsMixedFieldNotNumeric(t *testing.T) {
	rows := parseCSV(t, "v\n1\n2\nabc\n")
	s := profile.ComputeStats(rows)
	if _, ok := s.Numeric["v"]; ok {
		t.Fatal("field with one non-numeric value must not be numeric")
	}
}

func TestStatsBoolNotNumeric(t *testing.T) {
	rows := parseJSON(t, `[{"flag": true}, {"flag": false}]`)
	s := profile.ComputeStats(rows)
	if _, ok := s.Numeric["flag"]; ok {
		t.Fatal("boolean field must not be numeric")
	}
}

func TestDuplicatesCount(t *testing.T) {
	// One row repeated 3 times plus two unique rows: 3-1 = 2 extras.
	rows := parseCSV(t, "a,b\n1,x\n1,x\n1,x\n2,y\n3,z\n")
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)
	if a.DuplicatesCount != 2 {
		t.Fatalf("duplicates_count = %d, want 2", a.DuplicatesCount)
	}
}

func TestDuplicatesFieldOrderIrrelevant(t *testing.T) {
	rows := parseJSON(t, `[{"a":1,"b":2},{"b":2,"a":1}]`)
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)
	if a.DuplicatesCount != 1 {
		t.Fatalf("duplicates_count = %d, want 1", a.DuplicatesCount)
	}
}

func TestOutlierGatingBelowFourSamples(t *testing.T) {
	rows := parseCSV(t, "v\n1\n2\n100\n")
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)
	if len(a.Outliers) != 0 {
		t.Fatalf("outliers = %v, want none below 4 samples", a.Outliers)
	}
}

func TestOutlierGatingZeroIQR(t *testing.T) {
	rows := parseCSV(t, "v\n5\n5\n5\n5\n5\n")
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)
	if len(a.Outliers) != 0 {
		t.Fatalf("outliers = %v, want none with IQR=0", a.Outliers)
	}
}

func TestOutlierDetection(t *testing.T) {
	rows := parseCSV(t, "v\n10\n11\n12\n13\n14\n1000\n")
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)

	fo, ok := a.Outliers["v"]
	if !ok {
		t.Fatal("expected outliers for v")
	}
	if fo.Count != 1 {
		t.Fatalf("count = %d, want 1", fo.Count)
	}
	if len(fo.Examples) != 1 || fo.Examples[0].RowIndex != 5 || fo.Examples[0].Value != 1000 {
		t.Fatalf("examples = %+v", fo.Examples)
	}
}

func TestOutlierExampleCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("v\n")
	for i := 0; i < 20; i++ {
		b.WriteString("10\n")
	}
	// 7 outliers, slight spread in the bulk so IQR > 0.
	b.WriteString("11\n12\n")
	for i := 0; i < 7; i++ {
		b.WriteString("9999\n")
	}
	rows := parseCSV(t, b.String())
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)

	fo := a.Outliers["v"]
	if fo.Count != 7 {
		t.Fatalf("count = %d, want 7", fo.Count)
	}
	if len(fo.Examples) != profile.MaxOutlierExamples {
		t.Fatalf("examples = %d, want %d", len(fo.Examples), profile.MaxOutlierExamples)
	}
	// First-seen order: first outlier row is index 22.
	if fo.Examples[0].RowIndex != 22 {
		t.Fatalf("first example row_index = %d, want 22", fo.Examples[0].RowIndex)
	}
}

func TestReportJSONShape(t *testing.T) {
	rows := parseCSV(t, "id,region,total\n1,n,10\n2,s,20\n3,s,30\n")
	s := profile.ComputeStats(rows)
	a := profile.ComputeAnomalies(rows, s)

	generated := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	rep := profile.BuildReport("ds_test", generated, s, a)
	body, err := rep.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["dataset_id"] != "ds_test" {
		t.Fatalf("dataset_id = %v", decoded["dataset_id"])
	}
	if decoded["generated_at"] != "2026-02-07T12:00:00Z" {
		t.Fatalf("generated_at = %v", decoded["generated_at"])
	}
	if decoded["row_count"] != float64(3) {
		t.Fatalf("row_count = %v", decoded["row_count"])
	}
	anoms := decoded["anomalies"].(map[string]any)
	if anoms["duplicates_count"] != float64(0) {
		t.Fatalf("duplicates_count = %v", anoms["duplicates_count"])
	}
	// Empty outliers serialize as {}, not null.
	if outliers, ok := anoms["outliers"].(map[string]any); !ok || len(outliers) != 0 {
		t.Fatalf("outliers = %v", anoms["outliers"])
	}
}
