package processor

import (
	"context"
	"fmt"
	"math"

	"github.com/nci/gocube/cube"
)

// TimeSeriesReducer folds the complete series of one cell into one
// value per derived band. series is indexed [band][time slot] and is
// reused between cells; implementations must not retain it. Missing
// samples appear as NaN.
type TimeSeriesReducer interface {
	Reduce(series [][]float64) ([]float64, error)
}

// ReducerFunc adapts a plain function to TimeSeriesReducer.
type ReducerFunc func(series [][]float64) ([]float64, error)

func (f ReducerFunc) Reduce(series [][]float64) ([]float64, error) { return f(series) }

// TimeSeriesMapper rewrites the complete series of one cell, returning
// one series per output band, each spanning the same time slots as the
// input. series is reused between cells; implementations must not
// retain it or the returned slices beyond the call.
type TimeSeriesMapper interface {
	Map(series [][]float64) ([][]float64, error)
}

// MapperFunc adapts a plain function to TimeSeriesMapper.
type MapperFunc func(series [][]float64) ([][]float64, error)

func (f MapperFunc) Map(series [][]float64) ([][]float64, error) { return f(series) }

// SpaceSliceReducer folds one full-resolution time slice into one value
// per derived band. slice is indexed [band][y][x], reused between
// slices, with missing samples as NaN.
type SpaceSliceReducer interface {
	Reduce(slice [][][]float64) ([]float64, error)
}

// SpaceReducerFunc adapts a plain function to SpaceSliceReducer.
type SpaceReducerFunc func(slice [][][]float64) ([]float64, error)

func (f SpaceReducerFunc) Reduce(slice [][][]float64) ([]float64, error) { return f(slice) }

// recoverFault converts a panic escaping a user callable into an error,
// so one broken reducer fails its chunk pull instead of the process.
func recoverFault(op string, err *error) {
	if r := recover(); r != nil {
		*err = &cube.NumericFault{Op: op, Err: fmt.Errorf("panic: %v", r)}
	}
}

func checkNames(field string, names []string) error {
	if len(names) == 0 {
		return &cube.ConfigurationError{Field: field, Reason: "at least one output band is required"}
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if len(name) == 0 {
			return &cube.ConfigurationError{Field: field, Reason: "empty band name"}
		}
		if _, dup := seen[name]; dup {
			return &cube.ConfigurationError{Field: field, Reason: fmt.Sprintf("duplicate band '%s'", name)}
		}
		seen[name] = struct{}{}
	}
	return nil
}

func float64Bands(names []string) []cube.Band {
	bands := make([]cube.Band, len(names))
	for i, name := range names {
		bands[i] = cube.Band{Name: name, Type: "Float64"}
	}
	return bands
}

// ReduceTimeFuncCube collapses the time axis with a caller-supplied
// reducer instead of a builtin. The reducer runs once per cell and must
// return exactly one value per declared output band on every call.
type ReduceTimeFuncCube struct {
	src   cube.Cube
	fn    TimeSeriesReducer
	bands []cube.Band
	view  cube.View
	shape cube.Shape
	cs    cube.ChunkShape
}

func NewReduceTimeFunc(src cube.Cube, names []string, fn TimeSeriesReducer) (*ReduceTimeFuncCube, error) {
	if fn == nil {
		return nil, &cube.ConfigurationError{Field: "reducer", Reason: "missing reducer"}
	}
	if err := checkNames("reducer", names); err != nil {
		return nil, err
	}
	if err := requireWholeTime(src, "reduce_time"); err != nil {
		return nil, err
	}
	v := *src.View()
	dt := spanDuration(v.T0, v.T1)
	view, err := v.Derive(&cube.ViewOverrides{DT: &dt})
	if err != nil {
		return nil, err
	}
	srcShape, srcCS := src.Shape(), src.ChunkShape()
	return &ReduceTimeFuncCube{
		src:   src,
		fn:    fn,
		bands: float64Bands(names),
		view:  view,
		shape: cube.Shape{Bands: len(names), T: 1, Y: srcShape.Y, X: srcShape.X},
		cs:    cube.ChunkShape{T: 1, Y: srcCS.Y, X: srcCS.X},
	}, nil
}

func (r *ReduceTimeFuncCube) View() *cube.View            { return &r.view }
func (r *ReduceTimeFuncCube) Shape() cube.Shape           { return r.shape }
func (r *ReduceTimeFuncCube) Bands() []cube.Band          { return r.bands }
func (r *ReduceTimeFuncCube) ChunkShape() cube.ChunkShape { return r.cs }

func (r *ReduceTimeFuncCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	grid := cube.GridOf(r.shape, r.cs)
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}
	in, err := r.src.ReadChunk(ctx, cube.ChunkCoord{T: 0, Y: coord.Y, X: coord.X})
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return cube.EmptyChunk(coord, len(r.bands), 1, in.NY, in.NX), nil
	}

	cells := in.NY * in.NX
	series := make([][]float64, in.Bands)
	for b := range series {
		series[b] = make([]float64, in.NT)
	}

	out := cube.NewChunk(coord, len(r.bands), 1, in.NY, in.NX)
	for i := 0; i < cells; i++ {
		for b := 0; b < in.Bands; b++ {
			for t := 0; t < in.NT; t++ {
				series[b][t] = in.Data[(b*in.NT+t)*cells+i]
			}
		}
		vals, err := r.reduce(series)
		if err != nil {
			return nil, err
		}
		if len(vals) != len(r.bands) {
			return nil, &cube.ShapeMismatchError{
				Op:   "reduce_time",
				Want: fmt.Sprintf("%d values", len(r.bands)),
				Got:  fmt.Sprintf("%d values", len(vals)),
			}
		}
		for k, v := range vals {
			out.Data[k*cells+i] = v
		}
	}
	return out, nil
}

func (r *ReduceTimeFuncCube) reduce(series [][]float64) (vals []float64, err error) {
	defer recoverFault("reduce_time", &err)
	vals, err = r.fn.Reduce(series)
	if err != nil {
		err = &cube.NumericFault{Op: "reduce_time", Err: err}
	}
	return
}

// ApplyTimeCube rewrites each cell's series with a caller-supplied
// mapper, keeping the time axis and producing the declared output
// bands. With no names the source band set is kept.
type ApplyTimeCube struct {
	src   cube.Cube
	fn    TimeSeriesMapper
	bands []cube.Band
}

func NewApplyTime(src cube.Cube, names []string, fn TimeSeriesMapper) (*ApplyTimeCube, error) {
	if fn == nil {
		return nil, &cube.ConfigurationError{Field: "mapper", Reason: "missing mapper"}
	}
	if len(names) == 0 {
		names = cube.BandNames(src.Bands())
	}
	if err := checkNames("mapper", names); err != nil {
		return nil, err
	}
	if err := requireWholeTime(src, "apply_time"); err != nil {
		return nil, err
	}
	return &ApplyTimeCube{src: src, fn: fn, bands: float64Bands(names)}, nil
}

func (a *ApplyTimeCube) View() *cube.View   { return a.src.View() }
func (a *ApplyTimeCube) Bands() []cube.Band { return a.bands }

func (a *ApplyTimeCube) Shape() cube.Shape {
	s := a.src.Shape()
	s.Bands = len(a.bands)
	return s
}

func (a *ApplyTimeCube) ChunkShape() cube.ChunkShape { return a.src.ChunkShape() }

func (a *ApplyTimeCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := a.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return cube.EmptyChunk(coord, len(a.bands), in.NT, in.NY, in.NX), nil
	}

	cells := in.NY * in.NX
	series := make([][]float64, in.Bands)
	for b := range series {
		series[b] = make([]float64, in.NT)
	}

	out := cube.NewChunk(coord, len(a.bands), in.NT, in.NY, in.NX)
	for i := 0; i < cells; i++ {
		for b := 0; b < in.Bands; b++ {
			for t := 0; t < in.NT; t++ {
				series[b][t] = in.Data[(b*in.NT+t)*cells+i]
			}
		}
		mapped, err := a.apply(series)
		if err != nil {
			return nil, err
		}
		if len(mapped) != len(a.bands) {
			return nil, &cube.ShapeMismatchError{
				Op:   "apply_time",
				Want: fmt.Sprintf("%d series", len(a.bands)),
				Got:  fmt.Sprintf("%d series", len(mapped)),
			}
		}
		for k, s := range mapped {
			if len(s) != in.NT {
				return nil, &cube.ShapeMismatchError{
					Op:   "apply_time",
					Want: fmt.Sprintf("series of %d slots", in.NT),
					Got:  fmt.Sprintf("series of %d slots", len(s)),
				}
			}
			for t, v := range s {
				out.Data[(k*in.NT+t)*cells+i] = v
			}
		}
	}
	return out, nil
}

func (a *ApplyTimeCube) apply(series [][]float64) (mapped [][]float64, err error) {
	defer recoverFault("apply_time", &err)
	mapped, err = a.fn.Map(series)
	if err != nil {
		err = &cube.NumericFault{Op: "apply_time", Err: err}
	}
	return
}

// ReduceSpaceFuncCube collapses both spatial axes with a
// caller-supplied reducer that sees one full-resolution time slice at a
// time. Each pull assembles bands x NY x NX samples, so resolution
// bounds its memory, not chunking.
type ReduceSpaceFuncCube struct {
	src   cube.Cube
	fn    SpaceSliceReducer
	bands []cube.Band
	view  cube.View
	shape cube.Shape
	cs    cube.ChunkShape
}

func NewReduceSpaceFunc(src cube.Cube, names []string, fn SpaceSliceReducer) (*ReduceSpaceFuncCube, error) {
	if fn == nil {
		return nil, &cube.ConfigurationError{Field: "reducer", Reason: "missing reducer"}
	}
	if err := checkNames("reducer", names); err != nil {
		return nil, err
	}
	v := *src.View()
	dx := v.Right - v.Left
	dy := v.Top - v.Bottom
	view, err := v.Derive(&cube.ViewOverrides{DX: &dx, DY: &dy})
	if err != nil {
		return nil, err
	}
	return &ReduceSpaceFuncCube{
		src:   src,
		fn:    fn,
		bands: float64Bands(names),
		view:  view,
		shape: cube.Shape{Bands: len(names), T: src.Shape().T, Y: 1, X: 1},
		cs:    cube.ChunkShape{T: 1, Y: 1, X: 1},
	}, nil
}

func (r *ReduceSpaceFuncCube) View() *cube.View            { return &r.view }
func (r *ReduceSpaceFuncCube) Shape() cube.Shape           { return r.shape }
func (r *ReduceSpaceFuncCube) Bands() []cube.Band          { return r.bands }
func (r *ReduceSpaceFuncCube) ChunkShape() cube.ChunkShape { return r.cs }

func (r *ReduceSpaceFuncCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	grid := cube.GridOf(r.shape, r.cs)
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}

	srcShape, srcCS := r.src.Shape(), r.src.ChunkShape()
	nan := math.NaN()
	slice := make([][][]float64, srcShape.Bands)
	for b := range slice {
		slice[b] = make([][]float64, srcShape.Y)
		for y := range slice[b] {
			row := make([]float64, srcShape.X)
			for x := range row {
				row[x] = nan
			}
			slice[b][y] = row
		}
	}

	srcGrid := cube.GridOf(srcShape, srcCS)
	ct := coord.T / srcCS.T
	tOff := coord.T - ct*srcCS.T
	empty := true
	for gy := 0; gy < srcGrid.Y; gy++ {
		for gx := 0; gx < srcGrid.X; gx++ {
			in, err := r.src.ReadChunk(ctx, cube.ChunkCoord{T: ct, Y: gy, X: gx})
			if err != nil {
				return nil, err
			}
			if in.Empty() {
				continue
			}
			empty = false
			y0, x0 := gy*srcCS.Y, gx*srcCS.X
			for b := 0; b < in.Bands; b++ {
				for yy := 0; yy < in.NY; yy++ {
					row := slice[b][y0+yy]
					base := in.Index(b, tOff, yy, 0)
					copy(row[x0:x0+in.NX], in.Data[base:base+in.NX])
				}
			}
		}
	}
	if empty {
		return cube.EmptyChunk(coord, len(r.bands), 1, 1, 1), nil
	}

	vals, err := r.reduce(slice)
	if err != nil {
		return nil, err
	}
	if len(vals) != len(r.bands) {
		return nil, &cube.ShapeMismatchError{
			Op:   "reduce_space",
			Want: fmt.Sprintf("%d values", len(r.bands)),
			Got:  fmt.Sprintf("%d values", len(vals)),
		}
	}
	out := cube.NewChunk(coord, len(r.bands), 1, 1, 1)
	copy(out.Data, vals)
	return out, nil
}

func (r *ReduceSpaceFuncCube) reduce(slice [][][]float64) (vals []float64, err error) {
	defer recoverFault("reduce_space", &err)
	vals, err = r.fn.Reduce(slice)
	if err != nil {
		err = &cube.NumericFault{Op: "reduce_space", Err: err}
	}
	return
}
