package processor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/nci/gocube/cube"
)

func TestReduceTimeFunc(t *testing.T) {
	shape := cube.Shape{T: 3, Y: 1, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 3, Y: 1, X: 2})

	amplitude := ReducerFunc(func(series [][]float64) ([]float64, error) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range series[0] {
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		if hi < lo {
			return []float64{math.NaN()}, nil
		}
		return []float64{hi - lo}, nil
	})

	r, err := NewReduceTimeFunc(m, []string{"amp"}, amplitude)
	if err != nil {
		t.Fatalf("NewReduceTimeFunc: %v", err)
	}
	if s := r.Shape(); s.T != 1 || s.Bands != 1 {
		t.Fatalf("shape = %+v", s)
	}
	out, err := r.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	for x := 0; x < 2; x++ {
		if got := out.Value(0, 0, 0, x); got != 200 {
			t.Errorf("amplitude at x=%d is %v, want 200", x, got)
		}
	}
}

func TestReduceTimeFuncContract(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 1, X: 1}
	split := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 1})
	noop := ReducerFunc(func(series [][]float64) ([]float64, error) { return []float64{0}, nil })

	if _, err := NewReduceTimeFunc(split, []string{"a"}, noop); err == nil {
		t.Error("user reducers over time-split chunks must be rejected")
	}

	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 2, Y: 1, X: 1})
	if _, err := NewReduceTimeFunc(m, []string{"a"}, nil); err == nil {
		t.Error("expected error for missing reducer")
	}
	if _, err := NewReduceTimeFunc(m, nil, noop); err == nil {
		t.Error("expected error for no output bands")
	}
	if _, err := NewReduceTimeFunc(m, []string{"a", "a"}, noop); err == nil {
		t.Error("expected error for duplicate output bands")
	}
}

func TestReduceTimeFuncShapeMismatch(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 2, Y: 1, X: 1})

	tooMany := ReducerFunc(func(series [][]float64) ([]float64, error) {
		return []float64{1, 2}, nil
	})
	r, err := NewReduceTimeFunc(m, []string{"one"}, tooMany)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err == nil {
		t.Fatal("expected error for a reducer returning the wrong number of values")
	}
	if _, ok := err.(*cube.ShapeMismatchError); !ok {
		t.Errorf("error type %T, want *ShapeMismatchError", err)
	}
}

func TestReduceTimeFuncFaults(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 2, Y: 1, X: 1})

	panics := ReducerFunc(func(series [][]float64) ([]float64, error) {
		panic("broken reducer")
	})
	r, err := NewReduceTimeFunc(m, []string{"a"}, panics)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.ReadChunk(context.Background(), cube.ChunkCoord{})
	var fault *cube.NumericFault
	if !errors.As(err, &fault) {
		t.Fatalf("panicking reducer produced %T (%v), want *NumericFault", err, err)
	}

	fails := ReducerFunc(func(series [][]float64) ([]float64, error) {
		return nil, errors.New("cannot reduce")
	})
	r, err = NewReduceTimeFunc(m, []string{"a"}, fails)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.ReadChunk(context.Background(), cube.ChunkCoord{})
	if !errors.As(err, &fault) {
		t.Fatalf("failing reducer produced %T (%v), want *NumericFault", err, err)
	}
}

func TestReduceTimeFuncEmptyPropagation(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 2, Y: 1, X: 1})
	m.empty[cube.ChunkCoord{}] = true

	called := false
	r, err := NewReduceTimeFunc(m, []string{"a"}, ReducerFunc(func(series [][]float64) ([]float64, error) {
		called = true
		return []float64{0}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Empty() {
		t.Error("empty input must yield the sentinel")
	}
	if called {
		t.Error("the reducer must not run over the sentinel")
	}
}

func TestApplyTime(t *testing.T) {
	shape := cube.Shape{T: 3, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 3, Y: 1, X: 1})
	for ti, v := range []float64{1, math.NaN(), 2} {
		m.set(0, ti, 0, 0, v)
	}

	cumulative := MapperFunc(func(series [][]float64) ([][]float64, error) {
		out := make([]float64, len(series[0]))
		sum := 0.0
		for ti, v := range series[0] {
			if math.IsNaN(v) {
				out[ti] = math.NaN()
				continue
			}
			sum += v
			out[ti] = sum
		}
		return [][]float64{out}, nil
	})

	a, err := NewApplyTime(m, nil, cumulative)
	if err != nil {
		t.Fatalf("NewApplyTime: %v", err)
	}
	// With no names the source band set carries over.
	if names := cube.BandNames(a.Bands()); len(names) != 1 || names[0] != "B1" {
		t.Fatalf("bands = %v", names)
	}
	out, err := a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, math.NaN(), 3}
	for ti, w := range want {
		got := out.Value(0, ti, 0, 0)
		if math.IsNaN(w) != math.IsNaN(got) || (!math.IsNaN(w) && got != w) {
			t.Errorf("slot %d = %v, want %v", ti, got, w)
		}
	}
}

func TestApplyTimeSeriesLengthMismatch(t *testing.T) {
	shape := cube.Shape{T: 3, Y: 1, X: 1}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 3, Y: 1, X: 1})

	truncates := MapperFunc(func(series [][]float64) ([][]float64, error) {
		return [][]float64{{1, 2}}, nil
	})
	a, err := NewApplyTime(m, nil, truncates)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.ReadChunk(context.Background(), cube.ChunkCoord{})
	if _, ok := err.(*cube.ShapeMismatchError); !ok {
		t.Fatalf("error = %v (%T), want *ShapeMismatchError", err, err)
	}
}

func TestReduceSpaceFunc(t *testing.T) {
	shape := cube.Shape{T: 2, Y: 2, X: 2}
	// Spatially split source: each pull assembles the full slice.
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 2, Y: 1, X: 1})

	mean := SpaceReducerFunc(func(slice [][][]float64) ([]float64, error) {
		sum, n := 0.0, 0
		for _, row := range slice[0] {
			for _, v := range row {
				if math.IsNaN(v) {
					continue
				}
				sum += v
				n++
			}
		}
		if n == 0 {
			return []float64{math.NaN()}, nil
		}
		return []float64{sum / float64(n)}, nil
	})

	r, err := NewReduceSpaceFunc(m, []string{"avg"}, mean)
	if err != nil {
		t.Fatalf("NewReduceSpaceFunc: %v", err)
	}
	if cs := r.ChunkShape(); cs.T != 1 || cs.Y != 1 || cs.X != 1 {
		t.Fatalf("chunk shape = %+v", cs)
	}
	for ti := 0; ti < 2; ti++ {
		out, err := r.ReadChunk(context.Background(), cube.ChunkCoord{T: ti})
		if err != nil {
			t.Fatal(err)
		}
		want := (cellValue(0, ti, 0, 0) + cellValue(0, ti, 0, 1) + cellValue(0, ti, 1, 0) + cellValue(0, ti, 1, 1)) / 4
		if got := out.Value(0, 0, 0, 0); math.Abs(got-want) > 1e-12 {
			t.Errorf("mean at t=%d is %v, want %v", ti, got, want)
		}
	}
}

func TestReduceSpaceFuncEmptyPropagation(t *testing.T) {
	shape := cube.Shape{T: 1, Y: 2, X: 2}
	m := newMemCube([]string{"B1"}, shape, cube.ChunkShape{T: 1, Y: 1, X: 1})
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			m.empty[cube.ChunkCoord{Y: y, X: x}] = true
		}
	}

	r, err := NewReduceSpaceFunc(m, []string{"a"}, SpaceReducerFunc(func(slice [][][]float64) ([]float64, error) {
		return []float64{0}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.ReadChunk(context.Background(), cube.ChunkCoord{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Empty() {
		t.Error("assembling only empty chunks must yield the sentinel")
	}
}
