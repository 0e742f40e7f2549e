package processor

import (
	"context"
	"fmt"

	"github.com/nci/gocube/cube"
)

// JoinBandsCube stacks the bands of two or more cubes that share the
// same shape and chunking. Band names are qualified with a per-input
// prefix, X1..Xn unless the caller names the inputs.
type JoinBandsCube struct {
	srcs     []cube.Cube
	prefixes []string
	bands    []cube.Band
}

func NewJoinBands(srcs []cube.Cube, prefixes []string) (*JoinBandsCube, error) {
	if len(srcs) < 2 {
		return nil, &cube.ConfigurationError{Field: "join", Reason: "at least two cubes are required"}
	}
	if prefixes == nil {
		prefixes = make([]string, len(srcs))
		for i := range prefixes {
			prefixes[i] = fmt.Sprintf("X%d", i+1)
		}
	}
	if len(prefixes) != len(srcs) {
		return nil, &cube.ConfigurationError{Field: "join", Reason: fmt.Sprintf("%d prefixes for %d cubes", len(prefixes), len(srcs))}
	}

	ref := srcs[0]
	for i, src := range srcs[1:] {
		if s, r := src.Shape(), ref.Shape(); s.T != r.T || s.Y != r.Y || s.X != r.X {
			return nil, &cube.ShapeMismatchError{
				Op:   "join_bands",
				Want: fmt.Sprintf("%dx%dx%d", r.T, r.Y, r.X),
				Got:  fmt.Sprintf("%dx%dx%d for input %d", s.T, s.Y, s.X, i+2),
			}
		}
		if src.ChunkShape() != ref.ChunkShape() {
			return nil, &cube.ConfigurationError{Field: "join", Reason: fmt.Sprintf("input %d is chunked differently", i+2)}
		}
	}

	j := &JoinBandsCube{srcs: srcs, prefixes: append([]string{}, prefixes...)}
	seen := make(map[string]struct{})
	for i, src := range srcs {
		for _, b := range src.Bands() {
			b.Name = prefixes[i] + "." + b.Name
			if _, dup := seen[b.Name]; dup {
				return nil, &cube.ConfigurationError{Field: "join", Reason: fmt.Sprintf("duplicate band '%s'", b.Name)}
			}
			seen[b.Name] = struct{}{}
			j.bands = append(j.bands, b)
		}
	}
	return j, nil
}

func (j *JoinBandsCube) View() *cube.View   { return j.srcs[0].View() }
func (j *JoinBandsCube) Bands() []cube.Band { return j.bands }

func (j *JoinBandsCube) Shape() cube.Shape {
	s := j.srcs[0].Shape()
	s.Bands = len(j.bands)
	return s
}

func (j *JoinBandsCube) ChunkShape() cube.ChunkShape { return j.srcs[0].ChunkShape() }

func (j *JoinBandsCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	chunks := make([]*cube.Chunk, len(j.srcs))
	empty := true
	for i, src := range j.srcs {
		chunk, err := src.ReadChunk(ctx, coord)
		if err != nil {
			return nil, err
		}
		chunks[i] = chunk
		if !chunk.Empty() {
			empty = false
		}
	}
	first := chunks[0]
	if empty {
		return cube.EmptyChunk(coord, len(j.bands), first.NT, first.NY, first.NX), nil
	}

	out := cube.NewChunk(coord, len(j.bands), first.NT, first.NY, first.NX)
	plane := first.PlaneSize()
	offset := 0
	for _, chunk := range chunks {
		if !chunk.Empty() {
			copy(out.Data[offset*plane:(offset+chunk.Bands)*plane], chunk.Data)
		}
		offset += chunk.Bands
	}
	return out, nil
}
