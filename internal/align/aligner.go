// Package align resamples standardized series onto fixed UTC time grids.
// Finer-than-grid data is aggregated per bucket; equal-or-coarser data is
// reindexed by exact timestamp match. No grid value is ever produced without
// either a real sample in its bucket or an explicit interpolation flag.
package align

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// GridSpec defines a fixed-step UTC grid. Start is inclusive, End is
// inclusive when it falls on a step boundary.
type GridSpec struct {
	StartMS int64
	EndMS   int64
	StepMS  int64
}

// Validate reports fatal grid errors.
func (g GridSpec) Validate() error {
	if g.StepMS <= 0 {
		return fmt.Errorf("grid step must be positive, got %dms", g.StepMS)
	}
	if g.EndMS < g.StartMS {
		return fmt.Errorf("grid window inverted: start=%d end=%d", g.StartMS, g.EndMS)
	}
	return nil
}

// Len returns the number of grid points.
func (g GridSpec) Len() int {
	return int((g.EndMS-g.StartMS)/g.StepMS) + 1
}

// Timestamps materializes the grid.
func (g GridSpec) Timestamps() []int64 {
	out := make([]int64, g.Len())
	for i := range out {
		out[i] = g.StartMS + int64(i)*g.StepMS
	}
	return out
}

// bucket returns the grid slot for a timestamp, or -1 when outside the grid.
func (g GridSpec) bucket(tsMS int64) int {
	if tsMS < g.StartMS || tsMS > g.EndMS {
		return -1
	}
	return int((tsMS - g.StartMS) / g.StepMS)
}

// BucketStats are the aggregates computed over all samples in a grid bucket.
type BucketStats struct {
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	PeakToPeak float64 `json:"peak_to_peak"`
	Gradient   float64 `json:"gradient"` // mean first difference per step
	Count      int     `json:"count"`
}

// Point is one aligned grid value.
type Point struct {
	TSMS         int64
	Value        float64 // NaN when missing
	Missing      bool
	Interpolated bool
	Stats        *BucketStats
}

// pointJSON is the wire form. NaN does not survive JSON, so the value is
// nullable: null means missing.
type pointJSON struct {
	TSMS         int64        `json:"ts_ms"`
	Value        *float64     `json:"value"`
	Missing      bool         `json:"missing,omitempty"`
	Interpolated bool         `json:"interpolated,omitempty"`
	Stats        *BucketStats `json:"stats,omitempty"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	pj := pointJSON{TSMS: p.TSMS, Missing: p.Missing, Interpolated: p.Interpolated, Stats: p.Stats}
	if !math.IsNaN(p.Value) {
		v := p.Value
		pj.Value = &v
	}
	return json.Marshal(pj)
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pj pointJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	*p = Point{TSMS: pj.TSMS, Value: math.NaN(), Missing: pj.Missing, Interpolated: pj.Interpolated, Stats: pj.Stats}
	if pj.Value != nil {
		p.Value = *pj.Value
	}
	return nil
}

// Policy controls how one source is aligned.
type Policy struct {
	// ForwardFill carries the last real value into empty buckets, always
	// flagged interpolated. It must stay off for anything feeding spectral
	// features.
	ForwardFill bool `koanf:"forward_fill"`
	// MaxForwardFill bounds how many consecutive buckets may be filled.
	MaxForwardFill int `koanf:"max_forward_fill"`
}

// Align places a standardized series onto the grid. Records must be sorted
// by timestamp (quality pipeline output order). Mode selection follows the
// native resolution: finer than the grid step aggregates, equal-or-coarser
// reindexes by exact timestamp match.
func Align(records []domain.CanonicalRecord, grid GridSpec, policy Policy) ([]Point, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}

	points := make([]Point, grid.Len())
	for i, ts := range grid.Timestamps() {
		points[i] = Point{TSMS: ts, Value: math.NaN(), Missing: true}
	}

	if nativeStepMS(records) < grid.StepMS {
		aggregate(records, grid, points)
	} else {
		reindex(records, grid, points)
	}

	if policy.ForwardFill {
		forwardFill(points, policy.MaxForwardFill)
	}
	return points, nil
}

// nativeStepMS estimates the native resolution as the median positive
// timestamp delta. A series with under two samples reindexes.
func nativeStepMS(records []domain.CanonicalRecord) int64 {
	if len(records) < 2 {
		return math.MaxInt64
	}
	deltas := make([]int64, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		if d := records[i].TSMS - records[i-1].TSMS; d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return math.MaxInt64
	}
	// Median of a sorted copy; deltas are near-sorted already.
	c := append([]int64(nil), deltas...)
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j] < c[j-1]; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
	return c[len(c)/2]
}

// aggregate computes bucket statistics over all real samples per bucket. A
// bucket with zero real samples stays NaN and missing.
func aggregate(records []domain.CanonicalRecord, grid GridSpec, points []Point) {
	type acc struct {
		values []float64
	}
	accs := make(map[int]*acc)
	for _, r := range records {
		if r.Flags.IsMissing || math.IsNaN(r.Value) {
			continue
		}
		b := grid.bucket(r.TSMS)
		if b < 0 {
			continue
		}
		a := accs[b]
		if a == nil {
			a = &acc{}
			accs[b] = a
		}
		a.values = append(a.values, r.Value)
	}

	for b, a := range accs {
		st := bucketStats(a.values)
		points[b].Stats = &st
		points[b].Value = st.Mean
		points[b].Missing = false
	}
}

func bucketStats(values []float64) BucketStats {
	n := len(values)
	st := BucketStats{Count: n, Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range values {
		sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Mean = sum / float64(n)
	st.PeakToPeak = st.Max - st.Min

	var sq float64
	for _, v := range values {
		d := v - st.Mean
		sq += d * d
	}
	st.Std = math.Sqrt(sq / float64(n))

	if n > 1 {
		var diff float64
		for i := 1; i < n; i++ {
			diff += values[i] - values[i-1]
		}
		st.Gradient = diff / float64(n-1)
	}
	return st
}

// reindex attaches samples whose timestamps land exactly on grid points. No
// numeric interpolation happens across buckets.
func reindex(records []domain.CanonicalRecord, grid GridSpec, points []Point) {
	for _, r := range records {
		if r.Flags.IsMissing || math.IsNaN(r.Value) {
			continue
		}
		if (r.TSMS-grid.StartMS)%grid.StepMS != 0 {
			continue
		}
		b := grid.bucket(r.TSMS)
		if b < 0 {
			continue
		}
		points[b].Value = r.Value
		points[b].Missing = false
		points[b].Interpolated = r.Flags.IsInterpolated
	}
}

// forwardFill carries the last real value into trailing empty buckets, up to
// maxRun consecutive fills (0 means unlimited). Filled points are always
// flagged interpolated.
func forwardFill(points []Point, maxRun int) {
	last := math.NaN()
	run := 0
	for i := range points {
		if !points[i].Missing {
			last = points[i].Value
			run = 0
			continue
		}
		if math.IsNaN(last) {
			continue
		}
		run++
		if maxRun > 0 && run > maxRun {
			continue
		}
		points[i].Value = last
		points[i].Missing = false
		points[i].Interpolated = true
	}
}

// MissingRate returns the fraction of grid points without a value.
func MissingRate(points []Point) float64 {
	if len(points) == 0 {
		return 0
	}
	missing := 0
	for _, p := range points {
		if p.Missing {
			missing++
		}
	}
	return float64(missing) / float64(len(points))
}
