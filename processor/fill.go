package processor

import (
	"context"

	"github.com/nci/gocube/cube"
)

// FillTimeCube closes missing-data gaps along each cell's time series.
// locf carries the last observation forward and so never fills slots
// before the first observation; nocb carries the next observation
// backward and never fills slots after the last one. linear
// interpolates and needs a valid observation on both sides, so it
// leaves both series edges alone. nearest copies the closest
// observation by slot distance (ties go to the earlier one) and fills
// the edges too.
type FillTimeCube struct {
	src    cube.Cube
	method string
}

func NewFillTime(src cube.Cube, method string) (*FillTimeCube, error) {
	switch method {
	case "locf", "nocb", "linear", "nearest":
	default:
		return nil, &cube.ConfigurationError{Field: "method", Reason: "unknown fill method '" + method + "'"}
	}
	if err := requireWholeTime(src, "fill_time"); err != nil {
		return nil, err
	}
	return &FillTimeCube{src: src, method: method}, nil
}

func (f *FillTimeCube) View() *cube.View            { return f.src.View() }
func (f *FillTimeCube) Shape() cube.Shape           { return f.src.Shape() }
func (f *FillTimeCube) Bands() []cube.Band          { return f.src.Bands() }
func (f *FillTimeCube) ChunkShape() cube.ChunkShape { return f.src.ChunkShape() }

func (f *FillTimeCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := f.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return in, nil
	}

	out := cube.NewChunk(coord, in.Bands, in.NT, in.NY, in.NX)
	copy(out.Data, in.Data)

	cells := in.NY * in.NX
	series := make([]float64, in.NT)
	for b := 0; b < in.Bands; b++ {
		for i := 0; i < cells; i++ {
			for t := 0; t < in.NT; t++ {
				series[t] = out.Data[(b*in.NT+t)*cells+i]
			}
			fillSeries(f.method, series)
			for t := 0; t < in.NT; t++ {
				out.Data[(b*in.NT+t)*cells+i] = series[t]
			}
		}
	}
	return out, nil
}

func fillSeries(method string, s []float64) {
	switch method {
	case "locf":
		last := -1
		for t := range s {
			if !cube.IsNoData(s[t]) {
				last = t
			} else if last >= 0 {
				s[t] = s[last]
			}
		}
	case "nocb":
		next := -1
		for t := len(s) - 1; t >= 0; t-- {
			if !cube.IsNoData(s[t]) {
				next = t
			} else if next >= 0 {
				s[t] = s[next]
			}
		}
	case "linear":
		prev := -1
		for t := range s {
			if cube.IsNoData(s[t]) {
				continue
			}
			if prev >= 0 && t-prev > 1 {
				step := (s[t] - s[prev]) / float64(t-prev)
				for g := prev + 1; g < t; g++ {
					s[g] = s[prev] + step*float64(g-prev)
				}
			}
			prev = t
		}
	case "nearest":
		prev := -1
		for t := range s {
			if cube.IsNoData(s[t]) {
				continue
			}
			if prev < 0 {
				for g := 0; g < t; g++ {
					s[g] = s[t]
				}
			} else {
				for g := prev + 1; g < t; g++ {
					if g-prev <= t-g {
						s[g] = s[prev]
					} else {
						s[g] = s[t]
					}
				}
			}
			prev = t
		}
		if prev >= 0 {
			for g := prev + 1; g < len(s); g++ {
				s[g] = s[prev]
			}
		}
	}
}
