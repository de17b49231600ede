// Package profile computes the dataset profile served as the report:
// per-field null counts, numeric min/mean/max, exact-duplicate counts,
// and IQR outliers.
//
// The computation is split in two passes to match the pipeline's progress
// milestones. Stats keeps only bounded per-field state (min/max/sum and
// counters); Anomalies re-walks the rows to collect numeric samples for
// the fields Stats already qualified, and hashes rows for duplicate
// detection so memory stays proportional to distinct rows, not row size.
package profile

import (
	"crypto/sha256"
	"sort"

	"github.com/hazyhaar/dsprof/parser"
)

// NumericStats summarizes a fully numeric field.
type NumericStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// Stats is the first-pass result.
type Stats struct {
	RowCount   int
	NullCounts map[string]int
	Numeric    map[string]NumericStats
}

type fieldAcc struct {
	presentNonNull int
	failures       int
	min, max, sum  float64
	count          int
}

// ComputeStats walks rows once and produces row count, null counts, and
// numeric statistics. A field is numeric only when every observed
// non-null value coerces to a finite number and at least one does; a
// field with any null is still numeric as long as the rest coerce.
func ComputeStats(rows []parser.Row) Stats {
	acc := map[string]*fieldAcc{}

	for _, row := range rows {
		for _, cell := range row {
			a := acc[cell.Field]
			if a == nil {
				a = &fieldAcc{}
				acc[cell.Field] = a
			}
			if cell.Value.IsNull() {
				continue
			}
			a.presentNonNull++
			n, ok := cell.Value.AsNumber()
			if !ok {
				a.failures++
				continue
			}
			if a.count == 0 || n < a.min {
				a.min = n
			}
			if a.count == 0 || n > a.max {
				a.max = n
			}
			a.sum += n
			a.count++
		}
	}

	s := Stats{
		RowCount:   len(rows),
		NullCounts: make(map[string]int, len(acc)),
		Numeric:    make(map[string]NumericStats),
	}
	for field, a := range acc {
		// Absent fields count as null alongside explicit nulls and
		// blank strings.
		s.NullCounts[field] = len(rows) - a.presentNonNull
		if a.failures == 0 && a.count > 0 {
			s.Numeric[field] = NumericStats{
				Min:  a.min,
				Mean: a.sum / float64(a.count),
				Max:  a.max,
			}
		}
	}
	return s
}

// OutlierExample is one offending sample, identified by its 0-based row
// index from the parser.
type OutlierExample struct {
	RowIndex int     `json:"row_index"`
	Value    float64 `json:"value"`
}

// FieldOutliers reports IQR outliers for one field.
type FieldOutliers struct {
	Count    int              `json:"count"`
	Examples []OutlierExample `json:"examples"`
}

// Anomalies is the second-pass result.
type Anomalies struct {
	DuplicatesCount int                      `json:"duplicates_count"`
	Outliers        map[string]FieldOutliers `json:"outliers"`
}

// MaxOutlierExamples caps the examples emitted per field.
const MaxOutlierExamples = 5

type sample struct {
	rowIndex int
	value    float64
}

// ComputeAnomalies walks rows a second time to count exact duplicates and
// detect outliers. Outliers are computed only for fields stats qualified
// as numeric, with at least 4 samples and a strictly positive IQR; the
// fences are Q1/Q3 ± 1.5·IQR with interpolated quartiles. Examples keep
// first-seen order.
func ComputeAnomalies(rows []parser.Row, stats Stats) Anomalies {
	seen := make(map[[sha256.Size]byte]struct{}, len(rows))
	duplicates := 0
	samples := map[string][]sample{}

	for idx, row := range rows {
		key := sha256.Sum256([]byte(row.CanonicalKey()))
		if _, dup := seen[key]; dup {
			duplicates++
		} else {
			seen[key] = struct{}{}
		}

		for _, cell := range row {
			if _, numeric := stats.Numeric[cell.Field]; !numeric {
				continue
			}
			if cell.Value.IsNull() {
				continue
			}
			n, ok := cell.Value.AsNumber()
			if !ok {
				continue
			}
			samples[cell.Field] = append(samples[cell.Field], sample{rowIndex: idx, value: n})
		}
	}

	out := Anomalies{
		DuplicatesCount: duplicates,
		Outliers:        map[string]FieldOutliers{},
	}
	for field, ss := range samples {
		if fo, ok := fieldOutliers(ss); ok {
			out.Outliers[field] = fo
		}
	}
	return out
}

func fieldOutliers(ss []sample) (FieldOutliers, bool) {
	if len(ss) < 4 {
		return FieldOutliers{}, false
	}

	values := make([]float64, len(ss))
	for i, s := range ss {
		values[i] = s.value
	}
	sort.Float64s(values)

	q1 := quantile(values, 0.25)
	q3 := quantile(values, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return FieldOutliers{}, false
	}
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	fo := FieldOutliers{Examples: []OutlierExample{}}
	for _, s := range ss {
		if s.value < lower || s.value > upper {
			fo.Count++
			if len(fo.Examples) < MaxOutlierExamples {
				fo.Examples = append(fo.Examples, OutlierExample{RowIndex: s.rowIndex, Value: s.value})
			}
		}
	}
	if fo.Count == 0 {
		return FieldOutliers{}, false
	}
	return fo, true
}

// quantile interpolates linearly on a sorted sample.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	index := float64(len(sorted)-1) * q
	lower := int(index)
	upper := lower + 1
	if upper > len(sorted)-1 {
		upper = len(sorted) - 1
	}
	fraction := index - float64(lower)
	return sorted[lower]*(1.0-fraction) + sorted[upper]*fraction
}
