package collection

import (
	"testing"
	"time"

	"github.com/nci/gocube/cube"
)

const l8Format = `
name: l8_sr
description: Landsat 8 surface reflectance
pattern: '.*LC08_L2SP_(?P<tile>\d{6})_(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})_.*_(?P<band>B\d+|QA)\.tif$'
srs: EPSG:32655
bands:
  B4:
    pattern: '.*_B4\.tif$'
  B5:
    pattern: '.*_B5\.tif$'
    scale: 0.0000275
    offset: -0.2
  QA:
    pattern: '.*_QA\.tif$'
    type: UInt16
`

func TestFormatMatch(t *testing.T) {
	f, err := ParseFormat([]byte(l8Format))
	if err != nil {
		t.Fatalf("ParseFormat: %v", err)
	}

	m, err := f.Match("/data/LC08_L2SP_091084_20180305_02_T1_B4.tif")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Band != "B4" {
		t.Errorf("band = %s", m.Band)
	}
	want := time.Date(2018, 3, 5, 0, 0, 0, 0, time.UTC)
	if !m.Time.Equal(want) {
		t.Errorf("time = %v, want %v", m.Time, want)
	}
	if m.Groups["tile"] != "091084" {
		t.Errorf("tile = %s", m.Groups["tile"])
	}

	m5, err := f.Match("/data/LC08_L2SP_091084_20180305_02_T1_B5.tif")
	if err != nil || m5 == nil {
		t.Fatalf("B5 match = %v, %v", m5, err)
	}
	if m5.Scene != m.Scene {
		t.Errorf("same scene expected: %q vs %q", m5.Scene, m.Scene)
	}
	if m5.Rule.Scale != 0.0000275 || m5.Rule.Offset != -0.2 {
		t.Errorf("B5 rule = %+v", m5.Rule)
	}

	other, err := f.Match("/data/LC08_L2SP_091084_20180406_02_T1_B4.tif")
	if err != nil || other == nil {
		t.Fatal("expected a match for the later date")
	}
	if other.Scene == m.Scene {
		t.Error("different dates must be different scenes")
	}

	if m, err := f.Match("/data/notes.txt"); m != nil || err != nil {
		t.Errorf("unrelated file = %v, %v", m, err)
	}

	if _, err := f.Match("/data/LC08_L2SP_091084_20180305_02_T1_B7.tif"); err == nil {
		t.Error("expected an extraction error for a band without a rule")
	}
}

func TestFormatFilter(t *testing.T) {
	f, err := ParseFormat([]byte(`
name: filtered
pattern: '.*LC08_L2SP_(?P<tile>\d{6})_(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})_.*_(?P<band>B\d+)\.tif$'
filter: 'tile == "091084"'
bands:
  B4:
    pattern: '.*_B4\.tif$'
`))
	if err != nil {
		t.Fatalf("ParseFormat: %v", err)
	}
	m, err := f.Match("/data/LC08_L2SP_091085_20180305_02_T1_B4.tif")
	if err != nil || m != nil {
		t.Errorf("filtered file = %v, %v", m, err)
	}
	m, err = f.Match("/data/LC08_L2SP_091084_20180305_02_T1_B4.tif")
	if err != nil || m == nil {
		t.Errorf("kept file = %v, %v", m, err)
	}
}

func TestFormatTimeFields(t *testing.T) {
	f, err := ParseFormat([]byte(`
name: modis
pattern: '.*MOD13_(?P<year>\d{4})(?P<julian_day>\d{3})_(?P<band>NDVI)\.tif$'
bands:
  NDVI: {}
`))
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.Match("/data/MOD13_2018065_NDVI.tif")
	if err != nil || m == nil {
		t.Fatalf("match = %v, %v", m, err)
	}
	if want := time.Date(2018, 3, 6, 0, 0, 0, 0, time.UTC); !m.Time.Equal(want) {
		t.Errorf("julian day time = %v, want %v", m.Time, want)
	}

	f, err = ParseFormat([]byte(`
name: s2
pattern: '.*S2_(?P<iso>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_(?P<band>B02|B03)\.jp2$'
bands:
  B02: {}
  B03: {}
`))
	if err != nil {
		t.Fatal(err)
	}
	m, err = f.Match("/data/S2_2020-06-15T10:30:00_B02.jp2")
	if err != nil || m == nil {
		t.Fatalf("match = %v, %v", m, err)
	}
	if want := time.Date(2020, 6, 15, 10, 30, 0, 0, time.UTC); !m.Time.Equal(want) {
		t.Errorf("iso time = %v, want %v", m.Time, want)
	}
	if m.Band != "B02" {
		t.Errorf("band from capture group = %s", m.Band)
	}
}

func TestFormatValidate(t *testing.T) {
	_, err := ParseFormat([]byte("name: x\npattern: '('\nbands:\n  B: {}\n"))
	if err == nil {
		t.Error("expected error for a bad pattern")
	}
	if _, ok := err.(*cube.ConfigurationError); !ok {
		t.Errorf("error type = %T", err)
	}
	if _, err := ParseFormat([]byte("name: x\npattern: '.*'\n")); err == nil {
		t.Error("expected error for missing bands")
	}
	if _, err := ParseFormat([]byte("name: x\npattern: '.*(?P<band>B)'\nbands:\n  B:\n    pattern: '('\n")); err == nil {
		t.Error("expected error for a bad band pattern")
	}
	if _, err := ParseFormat([]byte("name: x\npattern: '.*(?P<band>B)'\nfilter: '1 +'\nbands:\n  B: {}\n")); err == nil {
		t.Error("expected error for a bad filter")
	}
}
