package processor

import (
	"context"
	"math"
	"sort"

	"github.com/nci/gocube/cube"
)

// WindowTimeCube applies a moving window over each cell's time series.
// Two forms exist: a kernel convolution over every band, and builtin
// reducers of the form fn(band).
//
// Edge policy: a kernel needs the complete window, so slots whose
// window crosses the series edge yield missing data, as does any
// missing sample inside the window. Reducer windows truncate to the
// part of the window inside the series and skip missing samples like
// every builtin reducer.
type WindowTimeCube struct {
	src      cube.Cube
	before   int
	after    int
	kernel   []float64
	reducers []string
	fns      []string
	srcBands []int
	bands    []cube.Band
}

// NewWindowTimeKernel convolves the window [t-before, t+after] of every
// band with the kernel, which must have before+after+1 weights.
func NewWindowTimeKernel(src cube.Cube, kernel []float64, before, after int) (*WindowTimeCube, error) {
	if before < 0 || after < 0 {
		return nil, &cube.ConfigurationError{Field: "window", Reason: "window extents must not be negative"}
	}
	if len(kernel) != before+after+1 {
		return nil, &cube.ConfigurationError{Field: "window",
			Reason: "kernel length must match the window size"}
	}
	if err := requireWholeTime(src, "window_time"); err != nil {
		return nil, err
	}
	return &WindowTimeCube{
		src:    src,
		before: before,
		after:  after,
		kernel: append([]float64{}, kernel...),
		bands:  src.Bands(),
	}, nil
}

// NewWindowTimeReduce folds the window [t-before, t+after] with builtin
// reducers of the form fn(band), one derived band per reducer.
func NewWindowTimeReduce(src cube.Cube, reducers []string, before, after int) (*WindowTimeCube, error) {
	if before < 0 || after < 0 {
		return nil, &cube.ConfigurationError{Field: "window", Reason: "window extents must not be negative"}
	}
	fns, idx, bands, err := parseReducers(src, reducers)
	if err != nil {
		return nil, err
	}
	if err := requireWholeTime(src, "window_time"); err != nil {
		return nil, err
	}
	return &WindowTimeCube{
		src:      src,
		before:   before,
		after:    after,
		reducers: append([]string{}, reducers...),
		fns:      fns,
		srcBands: idx,
		bands:    bands,
	}, nil
}

func (w *WindowTimeCube) View() *cube.View   { return w.src.View() }
func (w *WindowTimeCube) Bands() []cube.Band { return w.bands }

func (w *WindowTimeCube) Shape() cube.Shape {
	s := w.src.Shape()
	s.Bands = len(w.bands)
	return s
}

func (w *WindowTimeCube) ChunkShape() cube.ChunkShape { return w.src.ChunkShape() }

func (w *WindowTimeCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := w.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return cube.EmptyChunk(coord, len(w.bands), in.NT, in.NY, in.NX), nil
	}

	out := cube.NewChunk(coord, len(w.bands), in.NT, in.NY, in.NX)
	cells := in.NY * in.NX
	if w.kernel != nil {
		w.convolve(in, out, cells)
	} else {
		w.fold(in, out, cells)
	}
	return out, nil
}

func (w *WindowTimeCube) convolve(in, out *cube.Chunk, cells int) {
	for b := 0; b < in.Bands; b++ {
		for t := 0; t < in.NT; t++ {
			if t-w.before < 0 || t+w.after >= in.NT {
				continue
			}
			outBase := (b*in.NT + t) * cells
			for i := 0; i < cells; i++ {
				acc := 0.0
				ok := true
				for k, weight := range w.kernel {
					v := in.Data[(b*in.NT+t-w.before+k)*cells+i]
					if cube.IsNoData(v) {
						ok = false
						break
					}
					acc += weight * v
				}
				if ok {
					out.Data[outBase+i] = acc
				}
			}
		}
	}
}

func (w *WindowTimeCube) fold(in, out *cube.Chunk, cells int) {
	scratch := make([]float64, 0, w.before+w.after+1)
	for k, sb := range w.srcBands {
		for t := 0; t < in.NT; t++ {
			lo, hi := t-w.before, t+w.after
			if lo < 0 {
				lo = 0
			}
			if hi > in.NT-1 {
				hi = in.NT - 1
			}
			outBase := (k*in.NT + t) * cells
			for i := 0; i < cells; i++ {
				scratch = scratch[:0]
				for tt := lo; tt <= hi; tt++ {
					v := in.Data[(sb*in.NT+tt)*cells+i]
					if !cube.IsNoData(v) {
						scratch = append(scratch, v)
					}
				}
				out.Data[outBase+i] = foldValues(w.fns[k], scratch)
			}
		}
	}
}

// foldValues reduces a small pre-filtered sample set with a builtin
// reducer. vals is sorted in place for median.
func foldValues(fn string, vals []float64) float64 {
	if fn == "count" {
		return float64(len(vals))
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	switch fn {
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "sum":
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s
	case "prod":
		p := 1.0
		for _, v := range vals {
			p *= v
		}
		return p
	case "mean":
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	case "median":
		sort.Float64s(vals)
		m := len(vals) / 2
		if len(vals)%2 == 1 {
			return vals[m]
		}
		return (vals[m-1] + vals[m]) / 2
	case "var", "sd":
		if len(vals) < 2 {
			return math.NaN()
		}
		mean := 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= float64(len(vals))
		m2 := 0.0
		for _, v := range vals {
			m2 += (v - mean) * (v - mean)
		}
		m2 /= float64(len(vals) - 1)
		if fn == "sd" {
			return math.Sqrt(m2)
		}
		return m2
	}
	return math.NaN()
}
