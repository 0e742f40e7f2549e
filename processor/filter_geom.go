package processor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

// FilterGeomOptions tunes the geometry filter.
type FilterGeomOptions struct {
	// SRS names the reference system of the geometry, EPSG:4326 when
	// empty. Geometry in a system other than the cube's is projected
	// through the warper on first use.
	SRS string
	// Kind selects which side of the geometry survives: "inside" (the
	// default) keeps cells whose centre falls within the geometry,
	// "outside" keeps the complement.
	Kind string
}

// FilterGeomCube keeps the cells on one side of a GeoJSON polygon or
// multipolygon and degrades everything else to missing data. Cells are
// tested by their centre coordinate.
type FilterGeomCube struct {
	src     cube.Cube
	warper  warp.Warper
	geojson []byte
	srs     string
	inside  bool

	raw [][][][]float64

	mu    sync.Mutex
	ready bool
	polys [][][][]float64
	bbox  []float64
}

func NewFilterGeom(src cube.Cube, warper warp.Warper, geojson []byte, opts *FilterGeomOptions) (*FilterGeomCube, error) {
	if opts == nil {
		opts = &FilterGeomOptions{}
	}
	srs := opts.SRS
	if len(srs) == 0 {
		srs = "EPSG:4326"
	}
	inside := true
	switch opts.Kind {
	case "", "inside":
	case "outside":
		inside = false
	default:
		return nil, &cube.ConfigurationError{Field: "geometry", Reason: fmt.Sprintf("unknown predicate kind '%s'", opts.Kind)}
	}
	polys, err := utils.ParseGeoJSONPolygons(geojson)
	if err != nil {
		return nil, &cube.ConfigurationError{Field: "geometry", Reason: err.Error()}
	}
	if !warp.SameSRS(srs, src.View().SRS) && warper == nil {
		return nil, &cube.ConfigurationError{Field: "geometry", Reason: fmt.Sprintf("geometry in %s needs a warper to reach %s", srs, src.View().SRS)}
	}
	return &FilterGeomCube{
		src:     src,
		warper:  warper,
		geojson: append([]byte{}, geojson...),
		srs:     srs,
		inside:  inside,
		raw:     polys,
	}, nil
}

func (f *FilterGeomCube) View() *cube.View            { return f.src.View() }
func (f *FilterGeomCube) Shape() cube.Shape           { return f.src.Shape() }
func (f *FilterGeomCube) Bands() []cube.Band          { return f.src.Bands() }
func (f *FilterGeomCube) ChunkShape() cube.ChunkShape { return f.src.ChunkShape() }

// project transforms the geometry into the cube SRS once. A failed
// transform is retried on the next read rather than latched.
func (f *FilterGeomCube) project(ctx context.Context) ([][][][]float64, []float64, error) {
	dstSRS := f.src.View().SRS
	if warp.SameSRS(f.srs, dstSRS) {
		return f.raw, utils.PolygonsBBox(f.raw), nil
	}
	out := make([][][][]float64, len(f.raw))
	for pi, poly := range f.raw {
		outPoly := make([][][]float64, len(poly))
		for ri, ring := range poly {
			xs := make([]float64, len(ring))
			ys := make([]float64, len(ring))
			for i, pt := range ring {
				xs[i], ys[i] = pt[0], pt[1]
			}
			tx, ty, err := f.warper.Transform(ctx, f.srs, dstSRS, xs, ys)
			if err != nil {
				return nil, nil, fmt.Errorf("projecting geometry: %v", err)
			}
			outRing := make([][]float64, len(ring))
			for i := range outRing {
				outRing[i] = []float64{tx[i], ty[i]}
			}
			outPoly[ri] = outRing
		}
		out[pi] = outPoly
	}
	return out, utils.PolygonsBBox(out), nil
}

func (f *FilterGeomCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	in, err := f.src.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return in, nil
	}

	f.mu.Lock()
	if !f.ready {
		polys, bbox, err := f.project(ctx)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.polys, f.bbox, f.ready = polys, bbox, true
	}
	polys, bbox := f.polys, f.bbox
	f.mu.Unlock()

	v := f.src.View()
	_, _, cy0, _, cx0, _ := f.src.ChunkShape().Bounds(f.src.Shape(), coord)
	chunkBBox := v.BBoxOf(cx0, cx0+in.NX, cy0, cy0+in.NY)
	if !utils.BBoxIntersects(bbox, chunkBBox) {
		// The geometry misses the chunk entirely: certainty without
		// per-cell tests.
		if f.inside {
			return cube.EmptyChunk(coord, in.Bands, in.NT, in.NY, in.NX), nil
		}
		return in, nil
	}

	nan := math.NaN()
	for y := 0; y < in.NY; y++ {
		cellY := v.Top - (float64(cy0+y)+0.5)*v.DY
		for x := 0; x < in.NX; x++ {
			cellX := v.Left + (float64(cx0+x)+0.5)*v.DX
			if utils.PointInPolygons(polys, cellX, cellY) == f.inside {
				continue
			}
			for b := 0; b < in.Bands; b++ {
				for t := 0; t < in.NT; t++ {
					in.Data[in.Index(b, t, y, x)] = nan
				}
			}
		}
	}
	return in, nil
}
