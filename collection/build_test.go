package collection

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nci/gocube/warp"
)

// fakeWarper serves canned grid metadata and counts probe calls.
// Transforms are the identity unless a transform hook is set.
type fakeWarper struct {
	infoCalls int64
	srs       string
	fail      map[string]bool
	transform func(xs, ys []float64) ([]float64, []float64)
}

func (f *fakeWarper) Warp(ctx context.Context, g *warp.Granule) (*warp.Raster, error) {
	return nil, fmt.Errorf("warp not supported by fake")
}

func (f *fakeWarper) Info(ctx context.Context, path string) (*warp.Info, error) {
	atomic.AddInt64(&f.infoCalls, 1)
	if f.fail[path] {
		return nil, fmt.Errorf("cannot open %s", path)
	}
	srs := f.srs
	if srs == "" {
		srs = "EPSG:4326"
	}
	return &warp.Info{
		SRS:          srs,
		GeoTransform: []float64{149, 0.01, 0, -34, 0, -0.01},
		XSize:        100,
		YSize:        100,
		Polygon:      "POLYGON((149 -35,150 -35,150 -34,149 -34,149 -35))",
		Bands:        []warp.BandInfo{{Index: 1, Type: "UInt16", NoData: 0}},
	}, nil
}

func (f *fakeWarper) Transform(ctx context.Context, srcSRS, dstSRS string, xs, ys []float64) ([]float64, []float64, error) {
	if f.transform != nil {
		tx, ty := f.transform(xs, ys)
		return tx, ty, nil
	}
	return append([]float64(nil), xs...), append([]float64(nil), ys...), nil
}

func TestBuild(t *testing.T) {
	f, err := ParseFormat([]byte(l8Format))
	if err != nil {
		t.Fatal(err)
	}
	files := []string{
		"/d/LC08_L2SP_091084_20180305_02_T1_B4.tif",
		"/d/LC08_L2SP_091084_20180305_02_T1_B5.tif",
		"/d/LC08_L2SP_091084_20180406_02_T1_B4.tif",
		"/d/LC08_L2SP_091084_20180406_02_T1_B5.tif",
		"/d/README.md",
	}
	w := &fakeWarper{}
	c, report, err := Build(context.Background(), "l8", files, f, &BuildOptions{Concurrency: 2, Warper: w})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Indexed != 2 || report.Skipped != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(c.Entries) != 2 {
		t.Fatalf("entries = %d", len(c.Entries))
	}
	first := c.Entries[0]
	if !first.Time.Equal(time.Date(2018, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first entry time = %v, build order not preserved", first.Time)
	}
	if len(first.Datasets) != 2 {
		t.Fatalf("datasets = %v", first.Datasets)
	}
	b5 := first.Datasets["B5"]
	if b5 == nil || b5.Scale != 0.0000275 || b5.Offset != -0.2 {
		t.Errorf("B5 = %+v", b5)
	}
	b4 := first.Datasets["B4"]
	if b4.Type != "UInt16" {
		t.Errorf("B4 type = %q, want the probed type", b4.Type)
	}
	if b4.NoData == nil || *b4.NoData != 0 {
		t.Errorf("B4 no-data = %v, want the probed value", b4.NoData)
	}
	if b4.Scale != 1 {
		t.Errorf("B4 scale = %v, want default 1", b4.Scale)
	}
	if first.SRS != "EPSG:4326" || first.BBox == nil || first.Polygon == "" {
		t.Errorf("geometry = %s %v %q", first.SRS, first.BBox, first.Polygon)
	}
	if got := atomic.LoadInt64(&w.infoCalls); got != 4 {
		t.Errorf("info calls = %d, want one per matched file", got)
	}

	c2, _, err := Build(context.Background(), "l8", files, f, &BuildOptions{Warper: &fakeWarper{}})
	if err != nil {
		t.Fatal(err)
	}
	for i := range c.Entries {
		if c.Entries[i].ID != c2.Entries[i].ID {
			t.Errorf("entry %d id not deterministic: %s vs %s", i, c.Entries[i].ID, c2.Entries[i].ID)
		}
	}
}

func TestBuildPartialFailure(t *testing.T) {
	f, err := ParseFormat([]byte(l8Format))
	if err != nil {
		t.Fatal(err)
	}
	files := []string{
		"/d/LC08_L2SP_091084_20180305_02_T1_B4.tif",
		"/d/LC08_L2SP_091084_20180305_02_T1_B5.tif",
	}
	w := &fakeWarper{fail: map[string]bool{files[1]: true}}
	c, report, err := Build(context.Background(), "l8", files, f, &BuildOptions{Warper: w})
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(c.Entries[0].Datasets) != 1 || c.Entries[0].Datasets["B4"] == nil {
		t.Errorf("datasets = %v", c.Entries[0].Datasets)
	}
}

func TestBuildNoEntriesFails(t *testing.T) {
	f, err := ParseFormat([]byte(l8Format))
	if err != nil {
		t.Fatal(err)
	}
	c, report, err := Build(context.Background(), "l8",
		[]string{"/d/README.md", "/d/notes.txt"}, f, nil)
	if err == nil {
		t.Fatalf("expected an error, got %d entries", len(c.Entries))
	}
	if report == nil || report.Skipped != 2 {
		t.Errorf("report = %+v, want the skip counts preserved", report)
	}
}

func TestBuildWithoutWarper(t *testing.T) {
	f, err := ParseFormat([]byte(l8Format))
	if err != nil {
		t.Fatal(err)
	}
	c, report, err := Build(context.Background(), "l8",
		[]string{"/d/LC08_L2SP_091084_20180305_02_T1_B4.tif"}, f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 {
		t.Fatalf("report = %+v", report)
	}
	e := c.Entries[0]
	if e.SRS != "EPSG:32655" {
		t.Errorf("srs = %s, want the format fallback", e.SRS)
	}
	if e.BBox != nil || e.Polygon != "" {
		t.Errorf("geometry = %v %q, want none", e.BBox, e.Polygon)
	}
	if !e.Intersects([]float64{0, 0, 1, 1}) {
		t.Error("entries without geometry must intersect everything")
	}
}
