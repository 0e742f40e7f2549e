package cube

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

const ISOFormat = "2006-01-02T15:04:05.000Z"

var isoLayouts = []string{
	ISOFormat,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseISOTime parses t against the ISO-8601 layouts accepted across
// the engine, most precise first.
func ParseISOTime(t string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, t); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time '%s'", t)
}

var resamplingMethods = map[string]struct{}{
	"near": {}, "bilinear": {}, "cubic": {}, "cubicspline": {},
	"lanczos": {}, "average": {}, "mode": {}, "min": {}, "max": {},
	"med": {}, "q1": {}, "q3": {},
}

var aggregationMethods = map[string]struct{}{
	"first": {}, "min": {}, "max": {}, "sum": {}, "count": {}, "mean": {}, "median": {},
}

// View fixes the geometry of a cube independently of any image
// collection: spatial reference and extent, pixel size, temporal extent
// and step, and the resampling and aggregation methods applied when
// images are warped into the grid.
//
// The spatial grid runs from Left/Top in row-major order with NX()
// columns of width DX and NY() rows of height DY. The temporal grid is
// the sequence of half-open bins [Shift(T0,i), Shift(T0,i+1)) up to and
// including the bin containing T1.
type View struct {
	SRS         string
	Left        float64
	Bottom      float64
	Right       float64
	Top         float64
	DX          float64
	DY          float64
	T0          time.Time
	T1          time.Time
	DT          Duration
	Resampling  string
	Aggregation string
}

// Validate checks the view geometry and fills the resampling and
// aggregation defaults (near, first).
func (v *View) Validate() error {
	if len(v.SRS) == 0 {
		return &ConfigurationError{Field: "srs", Reason: "missing spatial reference"}
	}
	if math.IsNaN(v.Left) || math.IsNaN(v.Right) || math.IsNaN(v.Bottom) || math.IsNaN(v.Top) {
		return &ConfigurationError{Field: "extent", Reason: "extent must be finite"}
	}
	if !(v.Right > v.Left) {
		return &ConfigurationError{Field: "extent", Reason: fmt.Sprintf("right (%v) must be greater than left (%v)", v.Right, v.Left)}
	}
	if !(v.Top > v.Bottom) {
		return &ConfigurationError{Field: "extent", Reason: fmt.Sprintf("top (%v) must be greater than bottom (%v)", v.Top, v.Bottom)}
	}
	if !(v.DX > 0) {
		return &ConfigurationError{Field: "dx", Reason: "pixel size must be positive"}
	}
	if !(v.DY > 0) {
		return &ConfigurationError{Field: "dy", Reason: "pixel size must be positive"}
	}
	if v.T0.IsZero() || v.T1.IsZero() {
		return &ConfigurationError{Field: "time", Reason: "missing temporal extent"}
	}
	if v.T1.Before(v.T0) {
		return &ConfigurationError{Field: "t1", Reason: fmt.Sprintf("t1 (%v) must not precede t0 (%v)", v.T1, v.T0)}
	}
	if v.DT.IsZero() {
		return &ConfigurationError{Field: "dt", Reason: "temporal step must be a positive duration"}
	}
	if v.DT.Shift(v.T0, 1).Before(v.T0) {
		return &ConfigurationError{Field: "dt", Reason: "temporal step must advance time"}
	}

	if len(v.Resampling) == 0 {
		v.Resampling = "near"
	}
	if _, found := resamplingMethods[v.Resampling]; !found {
		return &ConfigurationError{Field: "resampling", Reason: fmt.Sprintf("unknown method '%s'", v.Resampling)}
	}
	if len(v.Aggregation) == 0 {
		v.Aggregation = "first"
	}
	if _, found := aggregationMethods[v.Aggregation]; !found {
		return &ConfigurationError{Field: "aggregation", Reason: fmt.Sprintf("unknown method '%s'", v.Aggregation)}
	}
	return nil
}

// NX is the number of grid columns. The extent is not snapped; the last
// column may overhang Right when (Right-Left) is not a multiple of DX.
func (v *View) NX() int {
	return int(math.Ceil((v.Right - v.Left) / v.DX))
}

// NY is the number of grid rows, counted downwards from Top.
func (v *View) NY() int {
	return int(math.Ceil((v.Top - v.Bottom) / v.DY))
}

// TimeBins returns the NT()+1 bin edges. Bin i covers the half-open
// interval [edges[i], edges[i+1]); the last bin is the one whose start
// is the latest edge not after T1.
func (v *View) TimeBins() []time.Time {
	edges := []time.Time{v.T0}
	for i := 1; ; i++ {
		e := v.DT.Shift(v.T0, i)
		edges = append(edges, e)
		if e.After(v.T1) {
			break
		}
	}
	return edges
}

func (v *View) NT() int {
	return len(v.TimeBins()) - 1
}

// BinIndex locates the bin containing t under the given edges, -1 when
// t falls outside the temporal extent.
func BinIndex(edges []time.Time, t time.Time) int {
	if t.Before(edges[0]) || !t.Before(edges[len(edges)-1]) {
		return -1
	}
	// first edge strictly after t, minus one
	idx := sort.Search(len(edges), func(i int) bool { return edges[i].After(t) })
	return idx - 1
}

// BinRange returns the half-open bin index range [lo, hi) intersecting
// the time interval [t0, t1]. hi <= lo means no overlap.
func BinRange(edges []time.Time, t0, t1 time.Time) (int, int) {
	if t1.Before(t0) {
		t0, t1 = t1, t0
	}
	lo := sort.Search(len(edges), func(i int) bool { return edges[i].After(t0) }) - 1
	if lo < 0 {
		lo = 0
	}
	hi := sort.Search(len(edges), func(i int) bool { return edges[i].After(t1) })
	if hi > len(edges)-1 {
		hi = len(edges) - 1
	}
	if t1.Before(edges[0]) || !t0.Before(edges[len(edges)-1]) {
		return 0, 0
	}
	return lo, hi
}

// BBoxOf returns [left, bottom, right, top] of the half-open cell index
// window [x0,x1) x [y0,y1).
func (v *View) BBoxOf(x0, x1, y0, y1 int) []float64 {
	return []float64{
		v.Left + float64(x0)*v.DX,
		v.Top - float64(y1)*v.DY,
		v.Left + float64(x1)*v.DX,
		v.Top - float64(y0)*v.DY,
	}
}

// GeoTransformOf returns the GDAL-style geotransform of the window
// starting at cell (x0, y0).
func (v *View) GeoTransformOf(x0, y0 int) []float64 {
	return []float64{v.Left + float64(x0)*v.DX, v.DX, 0, v.Top - float64(y0)*v.DY, 0, -v.DY}
}

// ViewOverrides carries the optional fields of a derived view. Nil
// fields inherit from the base view.
type ViewOverrides struct {
	SRS         *string
	Left        *float64
	Bottom      *float64
	Right       *float64
	Top         *float64
	DX          *float64
	DY          *float64
	T0          *time.Time
	T1          *time.Time
	DT          *Duration
	Resampling  *string
	Aggregation *string
}

// Derive returns a copy of v with the overrides applied and validated.
// v itself is never modified.
func (v View) Derive(o *ViewOverrides) (View, error) {
	out := v
	if o != nil {
		if o.SRS != nil {
			out.SRS = *o.SRS
		}
		if o.Left != nil {
			out.Left = *o.Left
		}
		if o.Bottom != nil {
			out.Bottom = *o.Bottom
		}
		if o.Right != nil {
			out.Right = *o.Right
		}
		if o.Top != nil {
			out.Top = *o.Top
		}
		if o.DX != nil {
			out.DX = *o.DX
		}
		if o.DY != nil {
			out.DY = *o.DY
		}
		if o.T0 != nil {
			out.T0 = *o.T0
		}
		if o.T1 != nil {
			out.T1 = *o.T1
		}
		if o.DT != nil {
			out.DT = *o.DT
		}
		if o.Resampling != nil {
			out.Resampling = *o.Resampling
		}
		if o.Aggregation != nil {
			out.Aggregation = *o.Aggregation
		}
	}
	if err := out.Validate(); err != nil {
		return View{}, err
	}
	return out, nil
}

type viewDoc struct {
	SRS         string   `json:"srs"`
	Left        float64  `json:"left"`
	Bottom      float64  `json:"bottom"`
	Right       float64  `json:"right"`
	Top         float64  `json:"top"`
	DX          float64  `json:"dx"`
	DY          float64  `json:"dy"`
	T0          string   `json:"t0"`
	T1          string   `json:"t1"`
	DT          Duration `json:"dt"`
	Resampling  string   `json:"resampling,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`
}

func (v View) MarshalJSON() ([]byte, error) {
	return json.Marshal(&viewDoc{
		SRS:         v.SRS,
		Left:        v.Left,
		Bottom:      v.Bottom,
		Right:       v.Right,
		Top:         v.Top,
		DX:          v.DX,
		DY:          v.DY,
		T0:          v.T0.UTC().Format(ISOFormat),
		T1:          v.T1.UTC().Format(ISOFormat),
		DT:          v.DT,
		Resampling:  v.Resampling,
		Aggregation: v.Aggregation,
	})
}

func (v *View) UnmarshalJSON(data []byte) error {
	var doc viewDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	t0, err := ParseISOTime(doc.T0)
	if err != nil {
		return &ConfigurationError{Field: "t0", Reason: err.Error()}
	}
	t1, err := ParseISOTime(doc.T1)
	if err != nil {
		return &ConfigurationError{Field: "t1", Reason: err.Error()}
	}
	*v = View{
		SRS:         doc.SRS,
		Left:        doc.Left,
		Bottom:      doc.Bottom,
		Right:       doc.Right,
		Top:         doc.Top,
		DX:          doc.DX,
		DY:          doc.DY,
		T0:          t0,
		T1:          t1,
		DT:          doc.DT,
		Resampling:  doc.Resampling,
		Aggregation: doc.Aggregation,
	}
	return nil
}
