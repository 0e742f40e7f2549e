package cube

import (
	"encoding/json"
	"testing"
	"time"
)

func testView() View {
	return View{
		SRS:    "EPSG:4326",
		Left:   149.0,
		Bottom: -36.0,
		Right:  150.0,
		Top:    -35.0,
		DX:     0.01,
		DY:     0.01,
		T0:     time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
		T1:     time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC),
		DT:     Duration{Months: 1},
	}
}

func TestViewValidateDefaults(t *testing.T) {
	v := testView()
	if err := v.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Resampling != "near" || v.Aggregation != "first" {
		t.Errorf("defaults not applied: %s, %s", v.Resampling, v.Aggregation)
	}
}

func TestViewValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*View)
	}{
		{"srs", func(v *View) { v.SRS = "" }},
		{"extent", func(v *View) { v.Right = v.Left }},
		{"extent flipped", func(v *View) { v.Top, v.Bottom = v.Bottom, v.Top }},
		{"dx", func(v *View) { v.DX = 0 }},
		{"dy", func(v *View) { v.DY = -1 }},
		{"t1 before t0", func(v *View) { v.T1 = v.T0.AddDate(-1, 0, 0) }},
		{"zero dt", func(v *View) { v.DT = Duration{} }},
		{"resampling", func(v *View) { v.Resampling = "fancy" }},
		{"aggregation", func(v *View) { v.Aggregation = "best" }},
	}
	for _, c := range cases {
		v := testView()
		c.mutate(&v)
		err := v.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", c.name)
			continue
		}
		if _, ok := err.(*ConfigurationError); !ok {
			t.Errorf("%s: error type %T, want *ConfigurationError", c.name, err)
		}
	}
}

func TestViewGrid(t *testing.T) {
	v := testView()
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}
	if v.NX() != 100 || v.NY() != 100 {
		t.Errorf("grid = %dx%d, want 100x100", v.NX(), v.NY())
	}
	if v.NT() != 12 {
		t.Errorf("NT = %d, want 12", v.NT())
	}

	// extent not a multiple of dx rounds up
	v.Right = 149.995
	if v.NX() != 100 {
		t.Errorf("NX with overhang = %d, want 100", v.NX())
	}

	bbox := v.BBoxOf(0, 10, 0, 10)
	if bbox[0] != 149.0 || bbox[3] != -35.0 {
		t.Errorf("window origin = (%v, %v)", bbox[0], bbox[3])
	}
	if bbox[2] != 149.0+10*0.01 {
		t.Errorf("window right = %v", bbox[2])
	}

	gt := v.GeoTransformOf(10, 20)
	if gt[0] != 149.1 || gt[3] != -35.2 || gt[5] != -0.01 {
		t.Errorf("geotransform = %v", gt)
	}
}

func TestBinIndexHalfOpen(t *testing.T) {
	v := testView()
	edges := v.TimeBins()

	if got := BinIndex(edges, v.T0); got != 0 {
		t.Errorf("t0 bin = %d, want 0", got)
	}
	feb := time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := BinIndex(edges, feb.Add(-time.Second)); got != 0 {
		t.Errorf("end of january bin = %d, want 0", got)
	}
	if got := BinIndex(edges, feb); got != 1 {
		t.Errorf("start of february bin = %d, want 1", got)
	}
	if got := BinIndex(edges, v.T0.Add(-time.Second)); got != -1 {
		t.Errorf("before extent = %d, want -1", got)
	}
	if got := BinIndex(edges, edges[len(edges)-1]); got != -1 {
		t.Errorf("past extent = %d, want -1", got)
	}
	// t1 itself falls in the last bin
	if got := BinIndex(edges, v.T1); got != v.NT()-1 {
		t.Errorf("t1 bin = %d, want %d", got, v.NT()-1)
	}
}

func TestBinRange(t *testing.T) {
	v := testView()
	edges := v.TimeBins()

	lo, hi := BinRange(edges, time.Date(2018, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2018, 4, 20, 0, 0, 0, 0, time.UTC))
	if lo != 1 || hi != 4 {
		t.Errorf("bin range = [%d,%d), want [1,4)", lo, hi)
	}

	lo, hi = BinRange(edges, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC))
	if hi > lo {
		t.Errorf("disjoint range = [%d,%d)", lo, hi)
	}
}

func TestViewDerive(t *testing.T) {
	v := testView()
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}

	dx := 0.05
	agg := "mean"
	derived, err := v.Derive(&ViewOverrides{DX: &dx, DY: &dx, Aggregation: &agg})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if derived.NX() != 20 || derived.Aggregation != "mean" {
		t.Errorf("derived view = %dx, %s", derived.NX(), derived.Aggregation)
	}
	if v.DX != 0.01 || v.Aggregation != "first" {
		t.Errorf("base view modified: %+v", v)
	}

	bad := -1.0
	if _, err := v.Derive(&ViewOverrides{DX: &bad}); err == nil {
		t.Error("expected error deriving view with negative dx")
	}
}

func TestViewJSONRoundTrip(t *testing.T) {
	v := testView()
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back View
	if err := json.Unmarshal(doc, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SRS != v.SRS || back.DX != v.DX || !back.T0.Equal(v.T0) || !back.T1.Equal(v.T1) || back.DT != v.DT {
		t.Errorf("round trip mismatch: %+v", back)
	}
	doc2, err := json.Marshal(back)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(doc) != string(doc2) {
		t.Errorf("marshalling not stable:\n%s\n%s", doc, doc2)
	}
}
