package warp

import (
	"math"
	"testing"
	"time"
)

func TestGranuleRoundTrip(t *testing.T) {
	g := &Granule{
		Operation:  "warp",
		Path:       "/data/ls8/scene_B04.tif",
		Band:       2,
		SrcSRS:     "EPSG:32655",
		DstSRS:     "EPSG:4326",
		DstGeot:    []float64{149.0, 0.01, 0, -35.0, 0, -0.01},
		Width:      256,
		Height:     128,
		Resampling: "bilinear",
		NoData:     -9999,
	}
	data, err := EncodeGranule(g)
	if err != nil {
		t.Fatalf("EncodeGranule: %v", err)
	}
	back, err := DecodeGranule(data)
	if err != nil {
		t.Fatalf("DecodeGranule: %v", err)
	}
	if back.Operation != g.Operation || back.Path != g.Path || back.Band != g.Band ||
		back.SrcSRS != g.SrcSRS || back.DstSRS != g.DstSRS ||
		back.Width != g.Width || back.Height != g.Height ||
		back.Resampling != g.Resampling || back.NoData != g.NoData {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if len(back.DstGeot) != 6 || back.DstGeot[1] != 0.01 {
		t.Errorf("geotransform = %v", back.DstGeot)
	}

	// unset no-data survives as NaN
	g2 := &Granule{Operation: "info", Path: "/x", NoData: math.NaN()}
	data, err = EncodeGranule(g2)
	if err != nil {
		t.Fatal(err)
	}
	back, err = DecodeGranule(data)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(back.NoData) {
		t.Errorf("NoData = %v, want NaN", back.NoData)
	}
}

func TestResultRoundTrip(t *testing.T) {
	nan := math.NaN()
	r := &Result{
		Raster: &Raster{
			Width:  3,
			Height: 2,
			Data:   []float64{1, 2, nan, 4, 5, 6},
		},
	}
	data, err := EncodeResult(r)
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	back, err := DecodeResult(data)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if back.Raster == nil || back.Raster.Width != 3 || back.Raster.Height != 2 {
		t.Fatalf("raster = %+v", back.Raster)
	}
	for i, v := range r.Raster.Data {
		got := back.Raster.Data[i]
		if math.IsNaN(v) != math.IsNaN(got) || (!math.IsNaN(v) && v != got) {
			t.Errorf("sample %d = %v, want %v", i, got, v)
		}
	}
}

func TestResultInfoRoundTrip(t *testing.T) {
	ts := time.Date(2018, 3, 5, 10, 30, 0, 0, time.UTC)
	r := &Result{
		Info: &Info{
			SRS:          "EPSG:32655",
			GeoTransform: []float64{600000, 30, 0, 6100000, 0, -30},
			XSize:        7801,
			YSize:        7801,
			Polygon:      "POLYGON((600000 6100000,834030 6100000,834030 5865970,600000 5865970,600000 6100000))",
			Bands: []BandInfo{
				{Index: 1, Type: "UInt16", NoData: 0},
				{Index: 2, Type: "UInt16", NoData: 0},
			},
			Times: []time.Time{ts},
		},
	}
	data, err := EncodeResult(r)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeResult(data)
	if err != nil {
		t.Fatal(err)
	}
	info := back.Info
	if info == nil {
		t.Fatal("info missing")
	}
	if info.SRS != r.Info.SRS || info.XSize != 7801 || info.Polygon != r.Info.Polygon {
		t.Errorf("info = %+v", info)
	}
	if len(info.Bands) != 2 || info.Bands[1].Type != "UInt16" {
		t.Errorf("bands = %+v", info.Bands)
	}
	if len(info.Times) != 1 || !info.Times[0].Equal(ts) {
		t.Errorf("times = %v", info.Times)
	}
}

func TestResultErrorAndTransform(t *testing.T) {
	data, err := EncodeResult(&Result{Error: "dataset not found"})
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeResult(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Error != "dataset not found" || back.Raster != nil || back.Info != nil {
		t.Errorf("result = %+v", back)
	}

	data, err = EncodeResult(&Result{Xs: []float64{1, 2}, Ys: []float64{3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	back, err = DecodeResult(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Xs) != 2 || back.Ys[1] != 4 {
		t.Errorf("transform result = %+v", back)
	}
}
