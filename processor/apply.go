package processor

import (
	"context"
	"fmt"

	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/utils"
)

// ApplyPixelCube derives bands by evaluating arithmetic expressions
// over the band values of each cell. Expressions follow the
// name=expression form accepted by ParseBandExpressions; a cell whose
// referenced inputs contain missing data yields missing data without
// evaluating.
type ApplyPixelCube struct {
	src       cube.Cube
	exprs     *utils.BandExpressions
	keep      bool
	bands     []cube.Band
	varBands  []int
	refBands  [][]int
	exprTexts []string
}

func NewApplyPixel(src cube.Cube, exprs []string, keepBands bool) (*ApplyPixelCube, error) {
	if len(exprs) == 0 {
		return nil, &cube.ConfigurationError{Field: "expr", Reason: "at least one expression is required"}
	}
	parsed, err := utils.ParseBandExpressions(exprs)
	if err != nil {
		return nil, &cube.ConfigurationError{Field: "expr", Reason: err.Error()}
	}
	srcNames := cube.BandNames(src.Bands())
	if unknown := parsed.UnknownVariable(srcNames); unknown != "" {
		return nil, &cube.ConfigurationError{Field: "expr", Reason: fmt.Sprintf("unknown band '%s'", unknown)}
	}

	a := &ApplyPixelCube{src: src, exprs: parsed, keep: keepBands, exprTexts: exprs}
	seen := make(map[string]struct{})
	if keepBands {
		a.bands = append(a.bands, src.Bands()...)
		for _, name := range srcNames {
			seen[name] = struct{}{}
		}
	}
	for _, name := range parsed.ExprNames {
		if _, dup := seen[name]; dup {
			return nil, &cube.ConfigurationError{Field: "expr", Reason: fmt.Sprintf("duplicate band '%s'", name)}
		}
		seen[name] = struct{}{}
		a.bands = append(a.bands, cube.Band{Name: name, Type: "Float64"})
	}

	for _, v := range parsed.VarList {
		a.varBands = append(a.varBands, cube.BandIndex(src.Bands(), v))
	}
	for _, refs := range parsed.ExprVarRef {
		idx := make([]int, len(refs))
		for i, v := range refs {
			idx[i] = cube.BandIndex(src.Bands(), v)
		}
		a.refBands = append(a.refBands, idx)
	}
	return a, nil
}

func (a *ApplyPixelCube) View() *cube.View   { return a.src.View() }
func (a *ApplyPixelCube) Bands() []cube.Band { return a.bands }

func (a *ApplyPixelCube) Shape() cube.Shape {
	s := a.src.Shape()
	s.Bands = len(a.bands)
	return s
}

func (a *ApplyPixelCube) ChunkShape() cube.ChunkShape { return a.src.ChunkShape() }

func (a *ApplyPixelCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := a.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return cube.EmptyChunk(coord, len(a.bands), in.NT, in.NY, in.NX), nil
	}

	out := cube.NewChunk(coord, len(a.bands), in.NT, in.NY, in.NX)
	plane := in.PlaneSize()
	derived := 0
	if a.keep {
		derived = in.Bands
		copy(out.Data[:derived*plane], in.Data)
	}

	params := make(map[string]interface{}, len(a.exprs.VarList))
	for i := 0; i < plane; i++ {
		for k, name := range a.exprs.VarList {
			params[name] = in.Data[a.varBands[k]*plane+i]
		}
		for k, expr := range a.exprs.Expressions {
			missing := false
			for _, b := range a.refBands[k] {
				if cube.IsNoData(in.Data[b*plane+i]) {
					missing = true
					break
				}
			}
			if missing {
				continue
			}
			// Numeric faults degrade the cell to missing data.
			v, err := utils.EvaluateFloat(expr, params)
			if err != nil {
				continue
			}
			out.Data[(derived+k)*plane+i] = v
		}
	}
	return out, nil
}

// FilterPixelCube keeps the cells for which a predicate expression over
// the band values holds and degrades every other cell to missing data.
// Cells with missing inputs never satisfy the predicate.
type FilterPixelCube struct {
	src       cube.Cube
	exprs     *utils.BandExpressions
	refBands  []int
	predicate string
}

func NewFilterPixel(src cube.Cube, predicate string) (*FilterPixelCube, error) {
	parsed, err := utils.ParseBandExpressions([]string{predicate})
	if err != nil {
		return nil, &cube.ConfigurationError{Field: "predicate", Reason: err.Error()}
	}
	srcNames := cube.BandNames(src.Bands())
	if unknown := parsed.UnknownVariable(srcNames); unknown != "" {
		return nil, &cube.ConfigurationError{Field: "predicate", Reason: fmt.Sprintf("unknown band '%s'", unknown)}
	}
	f := &FilterPixelCube{src: src, exprs: parsed, predicate: predicate}
	for _, v := range parsed.ExprVarRef[0] {
		f.refBands = append(f.refBands, cube.BandIndex(src.Bands(), v))
	}
	return f, nil
}

func (f *FilterPixelCube) View() *cube.View            { return f.src.View() }
func (f *FilterPixelCube) Shape() cube.Shape           { return f.src.Shape() }
func (f *FilterPixelCube) Bands() []cube.Band          { return f.src.Bands() }
func (f *FilterPixelCube) ChunkShape() cube.ChunkShape { return f.src.ChunkShape() }

func (f *FilterPixelCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := f.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return in, nil
	}

	out := cube.NewChunk(coord, in.Bands, in.NT, in.NY, in.NX)
	plane := in.PlaneSize()
	expr := f.exprs.Expressions[0]
	params := make(map[string]interface{}, len(f.refBands))
	for i := 0; i < plane; i++ {
		missing := false
		for k, b := range f.refBands {
			v := in.Data[b*plane+i]
			if cube.IsNoData(v) {
				missing = true
				break
			}
			params[f.exprs.ExprVarRef[0][k]] = v
		}
		if missing {
			continue
		}
		// A predicate that faults cannot hold, so the cell is dropped.
		keep, err := utils.EvaluateBool(expr, params)
		if err != nil || !keep {
			continue
		}
		for b := 0; b < in.Bands; b++ {
			out.Data[b*plane+i] = in.Data[b*plane+i]
		}
	}
	return out, nil
}

// SelectBandsCube restricts a cube to a subset of its bands, in the
// requested order.
type SelectBandsCube struct {
	src     cube.Cube
	names   []string
	indices []int
	bands   []cube.Band
}

func NewSelectBands(src cube.Cube, names []string) (*SelectBandsCube, error) {
	if len(names) == 0 {
		return nil, &cube.ConfigurationError{Field: "bands", Reason: "at least one band is required"}
	}
	s := &SelectBandsCube{src: src, names: append([]string{}, names...)}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, &cube.ConfigurationError{Field: "bands", Reason: fmt.Sprintf("duplicate band '%s'", name)}
		}
		seen[name] = struct{}{}
		idx := cube.BandIndex(src.Bands(), name)
		if idx < 0 {
			return nil, &cube.ConfigurationError{Field: "bands", Reason: fmt.Sprintf("unknown band '%s'", name)}
		}
		s.indices = append(s.indices, idx)
		s.bands = append(s.bands, src.Bands()[idx])
	}
	return s, nil
}

func (s *SelectBandsCube) View() *cube.View   { return s.src.View() }
func (s *SelectBandsCube) Bands() []cube.Band { return s.bands }

func (s *SelectBandsCube) Shape() cube.Shape {
	sh := s.src.Shape()
	sh.Bands = len(s.bands)
	return sh
}

func (s *SelectBandsCube) ChunkShape() cube.ChunkShape { return s.src.ChunkShape() }

func (s *SelectBandsCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := s.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return cube.EmptyChunk(coord, len(s.bands), in.NT, in.NY, in.NX), nil
	}
	out := cube.NewChunk(coord, len(s.bands), in.NT, in.NY, in.NX)
	plane := in.PlaneSize()
	for o, idx := range s.indices {
		copy(out.Data[o*plane:(o+1)*plane], in.Data[idx*plane:(idx+1)*plane])
	}
	return out, nil
}
