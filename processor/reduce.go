package processor

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/nci/gocube/cube"
)

var reducerRe = regexp.MustCompile(`^\s*([a-z_]+)\s*\(\s*([^()\s]+)\s*\)\s*$`)

var builtinReducers = map[string]struct{}{
	"count": {}, "min": {}, "max": {}, "sum": {}, "prod": {},
	"mean": {}, "median": {}, "var": {}, "sd": {},
}

// parseReducers resolves reducer calls of the form fn(band) against the
// bands of a cube. The derived band names follow the band_fn pattern.
func parseReducers(src cube.Cube, reducers []string) ([]string, []int, []cube.Band, error) {
	if len(reducers) == 0 {
		return nil, nil, nil, &cube.ConfigurationError{Field: "reducers", Reason: "at least one reducer is required"}
	}
	fns := make([]string, len(reducers))
	idx := make([]int, len(reducers))
	bands := make([]cube.Band, len(reducers))
	seen := make(map[string]struct{}, len(reducers))
	for i, r := range reducers {
		match := reducerRe.FindStringSubmatch(r)
		if match == nil {
			return nil, nil, nil, &cube.ConfigurationError{Field: "reducers", Reason: fmt.Sprintf("cannot parse reducer '%s', want fn(band)", r)}
		}
		fn, band := match[1], match[2]
		if _, found := builtinReducers[fn]; !found {
			return nil, nil, nil, &cube.ConfigurationError{Field: "reducers", Reason: fmt.Sprintf("unknown reducer '%s'", fn)}
		}
		bi := cube.BandIndex(src.Bands(), band)
		if bi < 0 {
			return nil, nil, nil, &cube.ConfigurationError{Field: "reducers", Reason: fmt.Sprintf("unknown band '%s'", band)}
		}
		name := band + "_" + fn
		if _, dup := seen[name]; dup {
			return nil, nil, nil, &cube.ConfigurationError{Field: "reducers", Reason: fmt.Sprintf("duplicate reducer '%s'", r)}
		}
		seen[name] = struct{}{}
		fns[i] = fn
		idx[i] = bi
		bands[i] = cube.Band{Name: name, Type: "Float64"}
	}
	return fns, idx, bands, nil
}

// seriesFold accumulates one reducer over the samples of many cells.
// Missing samples never contribute; a cell that received none reduces
// to missing, except count which reduces to zero.
type seriesFold struct {
	fn    string
	n     []uint32
	acc   []float64
	m2    []float64
	lists [][]float64
}

func newSeriesFold(fn string, cells int) *seriesFold {
	f := &seriesFold{fn: fn, n: make([]uint32, cells)}
	switch fn {
	case "count":
	case "median":
		f.lists = make([][]float64, cells)
	case "var", "sd":
		f.acc = make([]float64, cells)
		f.m2 = make([]float64, cells)
	default:
		f.acc = make([]float64, cells)
	}
	return f
}

func (f *seriesFold) Add(cell int, v float64) {
	if cube.IsNoData(v) {
		return
	}
	switch f.fn {
	case "count":
		f.n[cell]++
	case "min":
		if f.n[cell] == 0 || v < f.acc[cell] {
			f.acc[cell] = v
		}
		f.n[cell]++
	case "max":
		if f.n[cell] == 0 || v > f.acc[cell] {
			f.acc[cell] = v
		}
		f.n[cell]++
	case "sum", "mean":
		if f.n[cell] == 0 {
			f.acc[cell] = v
		} else {
			f.acc[cell] += v
		}
		f.n[cell]++
	case "prod":
		if f.n[cell] == 0 {
			f.acc[cell] = v
		} else {
			f.acc[cell] *= v
		}
		f.n[cell]++
	case "median":
		f.lists[cell] = append(f.lists[cell], v)
	case "var", "sd":
		f.n[cell]++
		delta := v - f.acc[cell]
		f.acc[cell] += delta / float64(f.n[cell])
		f.m2[cell] += delta * (v - f.acc[cell])
	}
}

func (f *seriesFold) Value(cell int) float64 {
	switch f.fn {
	case "count":
		return float64(f.n[cell])
	case "min", "max", "sum", "prod":
		if f.n[cell] == 0 {
			return math.NaN()
		}
		return f.acc[cell]
	case "mean":
		if f.n[cell] == 0 {
			return math.NaN()
		}
		return f.acc[cell] / float64(f.n[cell])
	case "median":
		l := f.lists[cell]
		if len(l) == 0 {
			return math.NaN()
		}
		sort.Float64s(l)
		m := len(l) / 2
		if len(l)%2 == 1 {
			return l[m]
		}
		return (l[m-1] + l[m]) / 2
	case "var", "sd":
		// Sample statistics need at least two observations.
		if f.n[cell] < 2 {
			return math.NaN()
		}
		v := f.m2[cell] / float64(f.n[cell]-1)
		if f.fn == "sd" {
			return math.Sqrt(v)
		}
		return v
	}
	return math.NaN()
}

// spanDuration returns a step that covers [t0, t1] in a single bin.
func spanDuration(t0, t1 time.Time) cube.Duration {
	return cube.Duration{Seconds: int(t1.Sub(t0)/time.Second) + 1}
}

// requireWholeTime rejects cubes whose chunks tile the time axis, for
// operators that need each cell's complete series in one chunk.
func requireWholeTime(src cube.Cube, op string) error {
	if src.ChunkShape().T < src.Shape().T {
		return &cube.ConfigurationError{
			Field:  "chunk_shape",
			Reason: fmt.Sprintf("%s needs chunks spanning the whole time axis, have %d of %d slots", op, src.ChunkShape().T, src.Shape().T),
		}
	}
	return nil
}

// ReduceTimeCube collapses the time axis of a cube to a single slot by
// folding each cell's series with builtin reducers of the form
// fn(band), one derived band per reducer.
type ReduceTimeCube struct {
	src      cube.Cube
	reducers []string
	fns      []string
	srcBands []int
	bands    []cube.Band
	view     cube.View
	shape    cube.Shape
	cs       cube.ChunkShape
}

func NewReduceTime(src cube.Cube, reducers []string) (*ReduceTimeCube, error) {
	fns, idx, bands, err := parseReducers(src, reducers)
	if err != nil {
		return nil, err
	}
	// Median buffers every observation per cell, so its memory bound
	// only holds when one chunk spans the whole series. The streaming
	// reducers fold across time chunks and carry no such restriction.
	for _, fn := range fns {
		if fn == "median" {
			if err := requireWholeTime(src, "reduce_time median"); err != nil {
				return nil, err
			}
		}
	}
	v := *src.View()
	dt := spanDuration(v.T0, v.T1)
	view, err := v.Derive(&cube.ViewOverrides{DT: &dt})
	if err != nil {
		return nil, err
	}
	srcShape, srcCS := src.Shape(), src.ChunkShape()
	return &ReduceTimeCube{
		src:      src,
		reducers: append([]string{}, reducers...),
		fns:      fns,
		srcBands: idx,
		bands:    bands,
		view:     view,
		shape:    cube.Shape{Bands: len(bands), T: 1, Y: srcShape.Y, X: srcShape.X},
		cs:       cube.ChunkShape{T: 1, Y: srcCS.Y, X: srcCS.X},
	}, nil
}

func (r *ReduceTimeCube) View() *cube.View            { return &r.view }
func (r *ReduceTimeCube) Shape() cube.Shape           { return r.shape }
func (r *ReduceTimeCube) Bands() []cube.Band          { return r.bands }
func (r *ReduceTimeCube) ChunkShape() cube.ChunkShape { return r.cs }

func (r *ReduceTimeCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	grid := cube.GridOf(r.shape, r.cs)
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}
	_, _, y0, y1, x0, x1 := r.cs.Bounds(r.shape, coord)
	ny, nx := y1-y0, x1-x0
	cells := ny * nx

	folds := make([]*seriesFold, len(r.fns))
	for k, fn := range r.fns {
		folds[k] = newSeriesFold(fn, cells)
	}

	srcGrid := cube.GridOf(r.src.Shape(), r.src.ChunkShape())
	empty := true
	for ct := 0; ct < srcGrid.T; ct++ {
		in, err := r.src.ReadChunk(ctx, cube.ChunkCoord{T: ct, Y: coord.Y, X: coord.X})
		if err != nil {
			return nil, err
		}
		if in.Empty() {
			continue
		}
		empty = false
		for k, sb := range r.srcBands {
			for t := 0; t < in.NT; t++ {
				base := in.Index(sb, t, 0, 0)
				for i := 0; i < cells; i++ {
					folds[k].Add(i, in.Data[base+i])
				}
			}
		}
	}
	if empty {
		return cube.EmptyChunk(coord, len(r.bands), 1, ny, nx), nil
	}

	out := cube.NewChunk(coord, len(r.bands), 1, ny, nx)
	for k, fold := range folds {
		base := k * cells
		for i := 0; i < cells; i++ {
			out.Data[base+i] = fold.Value(i)
		}
	}
	return out, nil
}

// ReduceSpaceCube collapses both spatial axes of a cube to a single
// cell per time slot with builtin reducers of the form fn(band).
type ReduceSpaceCube struct {
	src      cube.Cube
	reducers []string
	fns      []string
	srcBands []int
	bands    []cube.Band
	view     cube.View
	shape    cube.Shape
	cs       cube.ChunkShape
}

func NewReduceSpace(src cube.Cube, reducers []string) (*ReduceSpaceCube, error) {
	fns, idx, bands, err := parseReducers(src, reducers)
	if err != nil {
		return nil, err
	}
	v := *src.View()
	dx := v.Right - v.Left
	dy := v.Top - v.Bottom
	view, err := v.Derive(&cube.ViewOverrides{DX: &dx, DY: &dy})
	if err != nil {
		return nil, err
	}
	srcShape, srcCS := src.Shape(), src.ChunkShape()
	return &ReduceSpaceCube{
		src:      src,
		reducers: append([]string{}, reducers...),
		fns:      fns,
		srcBands: idx,
		bands:    bands,
		view:     view,
		shape:    cube.Shape{Bands: len(bands), T: srcShape.T, Y: 1, X: 1},
		cs:       cube.ChunkShape{T: srcCS.T, Y: 1, X: 1},
	}, nil
}

func (r *ReduceSpaceCube) View() *cube.View            { return &r.view }
func (r *ReduceSpaceCube) Shape() cube.Shape           { return r.shape }
func (r *ReduceSpaceCube) Bands() []cube.Band          { return r.bands }
func (r *ReduceSpaceCube) ChunkShape() cube.ChunkShape { return r.cs }

func (r *ReduceSpaceCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	grid := cube.GridOf(r.shape, r.cs)
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}
	t0, t1, _, _, _, _ := r.cs.Bounds(r.shape, coord)
	nt := t1 - t0

	folds := make([]*seriesFold, len(r.fns))
	for k, fn := range r.fns {
		folds[k] = newSeriesFold(fn, nt)
	}

	srcGrid := cube.GridOf(r.src.Shape(), r.src.ChunkShape())
	empty := true
	for gy := 0; gy < srcGrid.Y; gy++ {
		for gx := 0; gx < srcGrid.X; gx++ {
			in, err := r.src.ReadChunk(ctx, cube.ChunkCoord{T: coord.T, Y: gy, X: gx})
			if err != nil {
				return nil, err
			}
			if in.Empty() {
				continue
			}
			empty = false
			plane := in.NY * in.NX
			for k, sb := range r.srcBands {
				for t := 0; t < in.NT; t++ {
					base := in.Index(sb, t, 0, 0)
					for i := 0; i < plane; i++ {
						folds[k].Add(t, in.Data[base+i])
					}
				}
			}
		}
	}
	if empty {
		return cube.EmptyChunk(coord, len(r.bands), nt, 1, 1), nil
	}

	out := cube.NewChunk(coord, len(r.bands), nt, 1, 1)
	for k, fold := range folds {
		base := k * nt
		for t := 0; t < nt; t++ {
			out.Data[base+t] = fold.Value(t)
		}
	}
	return out, nil
}
