package processor

import (
	"context"
	"math"
	"testing"

	"github.com/nci/gocube/cube"
)

func sameSamples(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.IsNaN(a[i]) && math.IsNaN(b[i]) {
			continue
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyPixelIdentity(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 2, X: 2}
	m := newMemCube([]string{"B1", "B2"}, shape, cube.ChunkShape{T: 2, Y: 2, X: 2})
	m.set(0, 1, 0, 1, math.NaN())

	a, err := NewApplyPixel(m, []string{"copy=B1+0"}, false)
	if err != nil {
		t.Fatalf("NewApplyPixel: %v", err)
	}
	if names := cube.BandNames(a.Bands()); len(names) != 1 || names[0] != "copy" {
		t.Fatalf("bands = %v", names)
	}

	in, err := m.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	plane := in.PlaneSize()
	if !sameSamples(out.Data, in.Data[:plane]) {
		t.Error("copy of a band must reproduce it sample for sample")
	}
}

func TestApplyPixelKeepBands(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1", "B2"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})

	a, err := NewApplyPixel(m, []string{"diff=B2-B1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if names := cube.BandNames(a.Bands()); len(names) != 3 || names[0] != "B1" || names[2] != "diff" {
		t.Fatalf("bands = %v", names)
	}

	in, err := m.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	plane := in.PlaneSize()
	if !sameSamples(out.Data[:2*plane], in.Data) {
		t.Error("kept bands must pass through unchanged")
	}
	if got := out.Value(2, 0, 0, 0); got != cellValue(1, 0, 0, 0)-cellValue(0, 0, 0, 0) {
		t.Errorf("diff = %v", got)
	}
}

func TestApplyPixelArithmetic(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 1, X: 1}
	m := newMemCube([]string{"red", "nir"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 1})
	m.set(0, 0, 0, 0, 1000)
	m.set(1, 0, 0, 0, 2000)

	a, err := NewApplyPixel(m, []string{"ndvi=(nir-red)/(nir+red)"}, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Value(0, 0, 0, 0); math.Abs(got-1.0/3) > 1e-12 {
		t.Errorf("ndvi = %v, want 1/3", got)
	}
}

func TestApplyPixelFaultDegradesToMissing(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 1, X: 2}
	m := newMemCube([]string{"B1", "B2"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 2})
	m.set(1, 0, 0, 0, 0) // division by zero at x=0
	m.set(1, 0, 0, 1, 4)
	m.set(0, 0, 0, 1, 8)

	a, err := NewApplyPixel(m, []string{"ratio=B1/B2"}, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatalf("a numeric fault must degrade the cell, not fail the pull: %v", err)
	}
	if !cube.IsNoData(out.Value(0, 0, 0, 0)) {
		t.Errorf("faulted cell = %v, want missing", out.Value(0, 0, 0, 0))
	}
	if got := out.Value(0, 0, 0, 1); got != 2 {
		t.Errorf("healthy cell = %v, want 2", got)
	}
}

func TestApplyPixelMissingInputSkipsEvaluation(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 1, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 2})
	m.set(0, 0, 0, 1, math.NaN())

	a, err := NewApplyPixel(m, []string{"twice=B1*2"}, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Value(0, 0, 0, 0); got != 2*cellValue(0, 0, 0, 0) {
		t.Errorf("cell = %v", got)
	}
	if !cube.IsNoData(out.Value(0, 0, 0, 1)) {
		t.Errorf("cell with missing input = %v, want missing", out.Value(0, 0, 0, 1))
	}
}

func TestApplyPixelValidation(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 1})

	if _, err := NewApplyPixel(m, nil, false); err == nil {
		t.Error("expected error for no expressions")
	}
	if _, err := NewApplyPixel(m, []string{"x=nope+1"}, false); err == nil {
		t.Error("expected error for unknown band reference")
	}
	if _, err := NewApplyPixel(m, []string{"B1=B1*2"}, true); err == nil {
		t.Error("expected error for duplicate band name with keep")
	}
	if _, err := NewApplyPixel(m, []string{"a=B1", "a=B1*2"}, false); err == nil {
		t.Error("expected error for duplicate derived names")
	}
	if _, err := NewApplyPixel(m, []string{"x=B1+"}, false); err == nil {
		t.Error("expected error for malformed expression")
	}
}

func TestApplyPixelEmptyPropagates(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})
	m.empty[cube.ChunkCoord{}] = true

	a, err := NewApplyPixel(m, []string{"twice=B1*2"}, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Empty() || out.Bands != 1 {
		t.Errorf("empty input must yield the sentinel, got %+v", out)
	}
}

func TestFilterPixelPredicate(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1", "B2"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})

	f, err := NewFilterPixel(m, "B1 <= 1001")
	if err != nil {
		t.Fatalf("NewFilterPixel: %v", err)
	}
	out, err := f.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	// B1 of row 0 is 1000 and 1001, row 1 is 1010 and 1011.
	for x := 0; x < 2; x++ {
		if got := out.Value(1, 0, 0, x); got != cellValue(1, 0, 0, x) {
			t.Errorf("kept cell B2 = %v", got)
		}
		if !cube.IsNoData(out.Value(0, 0, 1, x)) || !cube.IsNoData(out.Value(1, 0, 1, x)) {
			t.Errorf("dropped cell (1,%d) must be missing across all bands", x)
		}
	}
}

func TestFilterPixelMissingNeverSatisfies(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 1, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 2})
	m.set(0, 0, 0, 1, math.NaN())

	f, err := NewFilterPixel(m, "B1 < 99999")
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if cube.IsNoData(out.Value(0, 0, 0, 0)) {
		t.Error("cell satisfying the predicate was dropped")
	}
	if !cube.IsNoData(out.Value(0, 0, 0, 1)) {
		t.Error("cell with missing input must never satisfy the predicate")
	}
}

func TestFilterPixelAllDroppedStaysDense(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})

	f, err := NewFilterPixel(m, "B1 > 99999")
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Empty() {
		t.Fatal("a filter dropping every cell must stay dense")
	}
	for i, v := range out.Data {
		if !math.IsNaN(v) {
			t.Fatalf("sample %d = %v, want missing", i, v)
		}
	}
}

func TestSelectBands(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1", "B2", "B3"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})

	s, err := NewSelectBands(m, []string{"B3", "B1"})
	if err != nil {
		t.Fatal(err)
	}
	if names := cube.BandNames(s.Bands()); names[0] != "B3" || names[1] != "B1" {
		t.Fatalf("bands = %v", names)
	}
	out, err := s.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Value(0, 0, 1, 1); got != cellValue(2, 0, 1, 1) {
		t.Errorf("reordered band sample = %v", got)
	}
	if got := out.Value(1, 0, 0, 0); got != cellValue(0, 0, 0, 0) {
		t.Errorf("reordered band sample = %v", got)
	}

	if _, err := NewSelectBands(m, []string{"B9"}); err == nil {
		t.Error("expected error for unknown band")
	}
	if _, err := NewSelectBands(m, []string{"B1", "B1"}); err == nil {
		t.Error("expected error for duplicate band")
	}
	if _, err := NewSelectBands(m, nil); err == nil {
		t.Error("expected error for no bands")
	}
}

func TestJoinThenSelectRestoresInput(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 2, X: 2}
	cs := cube.ChunkShape{T: 2, Y: 2, X: 2}
	a := newMemCube([]string{"B1", "B2"}, shape, cs)
	b := newMemCube([]string{"B1"}, shape, cs)

	j, err := NewJoinBands([]cube.Cube{a, b}, nil)
	if err != nil {
		t.Fatalf("NewJoinBands: %v", err)
	}
	names := cube.BandNames(j.Bands())
	want := []string{"X1.B1", "X1.B2", "X2.B1"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("bands = %v, want %v", names, want)
		}
	}

	s, err := NewSelectBands(j, []string{"X1.B1", "X1.B2"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	direct, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if !sameSamples(got.Data, direct.Data) {
		t.Error("selecting the first input's bands back out of a join must reproduce it")
	}
}

func TestJoinBandsMismatches(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 2, X: 2}
	cs := cube.ChunkShape{T: 2, Y: 2, X: 2}
	a := newMemCube([]string{"B1"}, shape, cs)

	b := newMemCube([]string{"B1"}, cube.Shape{T: 2, Y: 3, X: 2}, cube.ChunkShape{T: 2, Y: 3, X: 2})
	if _, err := NewJoinBands([]cube.Cube{a, b}, nil); err == nil {
		t.Error("expected error joining cubes of different shape")
	} else if _, ok := err.(*cube.ShapeMismatchError); !ok {
		t.Errorf("error type %T, want *ShapeMismatchError", err)
	}

	c := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 2, X: 2})
	if _, err := NewJoinBands([]cube.Cube{a, c}, nil); err == nil {
		t.Error("expected error joining cubes of different chunking")
	}

	if _, err := NewJoinBands([]cube.Cube{a}, nil); err == nil {
		t.Error("expected error joining fewer than two cubes")
	}
	d := newMemCube([]string{"B1"}, shape, cs)
	if _, err := NewJoinBands([]cube.Cube{a, d}, []string{"p", "p"}); err == nil {
		t.Error("expected error for duplicate prefixes")
	}
}

func TestJoinBandsEmptyInputs(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	cs := cube.ChunkShape{T: 1, Y: 2, X: 2}
	a := newMemCube([]string{"B1"}, shape, cs)
	b := newMemCube([]string{"B1"}, shape, cs)

	a.empty[cube.ChunkCoord{}] = true
	b.empty[cube.ChunkCoord{}] = true
	j, err := NewJoinBands([]cube.Cube{a, b}, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := j.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Empty() {
		t.Error("join of all empty inputs must yield the sentinel")
	}

	// One dense input keeps the chunk dense, with the empty side missing.
	delete(b.empty, cube.ChunkCoord{})
	out, err = j.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Empty() {
		t.Fatal("join with one dense input must stay dense")
	}
	if !cube.IsNoData(out.Value(0, 0, 0, 0)) {
		t.Errorf("empty side = %v, want missing", out.Value(0, 0, 0, 0))
	}
	if got := out.Value(1, 0, 0, 0); got != cellValue(0, 0, 0, 0) {
		t.Errorf("dense side = %v", got)
	}
}
