package processor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/nci/gocube/collection"
	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/metrics"
	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

// RasterCubeOptions tunes the materialisation of a collection.
type RasterCubeOptions struct {
	// Bands restricts the cube to a subset of the collection's bands.
	// Empty means all bands in alphabetical order.
	Bands []string
	// Mask drops samples of every band based on the value of a mask
	// band before aggregation. The mask band itself is not part of the
	// cube unless also listed in Bands.
	Mask *utils.Mask
	// ChunkShape overrides the default chunking.
	ChunkShape *cube.ChunkShape
	Metrics    metrics.Logger
}

// RasterCube is the leaf of every processing graph: a lazy cube over an
// image collection. Construction only fixes geometry and band layout;
// all dataset reads happen chunk by chunk in ReadChunk.
type RasterCube struct {
	col    *collection.Collection
	view   cube.View
	warper warp.Warper
	mask   *utils.Mask
	logger metrics.Logger

	bands     []cube.Band
	bandNames []string
	shape     cube.Shape
	cs        cube.ChunkShape
	edges     []time.Time
}

// Materialize builds the raster cube of a collection under a view. The
// call is cheap: no dataset is touched until a chunk is read.
func Materialize(col *collection.Collection, view *cube.View, warper warp.Warper, opts *RasterCubeOptions) (*RasterCube, error) {
	if col == nil {
		return nil, &cube.ConfigurationError{Field: "collection", Reason: "missing collection"}
	}
	if warper == nil {
		return nil, &cube.ConfigurationError{Field: "warper", Reason: "missing warper"}
	}
	v := *view
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &RasterCubeOptions{}
	}

	names := opts.Bands
	if len(names) == 0 {
		names = col.Bands()
		if len(names) == 0 {
			return nil, &cube.ConfigurationError{Field: "bands", Reason: fmt.Sprintf("collection '%s' has no bands", col.Name)}
		}
	} else {
		names = append([]string{}, names...)
		for _, name := range names {
			if !hasBand(col, name) {
				return nil, &cube.ConfigurationError{Field: "bands", Reason: fmt.Sprintf("collection '%s' has no band '%s'", col.Name, name)}
			}
		}
	}

	if opts.Mask != nil {
		if err := opts.Mask.Validate(); err != nil {
			return nil, err
		}
		if !hasBand(col, opts.Mask.Band) {
			return nil, &cube.ConfigurationError{Field: "mask", Reason: fmt.Sprintf("collection '%s' has no band '%s'", col.Name, opts.Mask.Band)}
		}
	}

	// Scale and offset are applied while painting, so every cube band
	// is a plain float64 band regardless of the source array types.
	bands := make([]cube.Band, len(names))
	for i, name := range names {
		bands[i] = cube.Band{Name: name, Type: "Float64"}
	}

	shape := cube.Shape{Bands: len(bands), T: v.NT(), Y: v.NY(), X: v.NX()}
	cs := cube.DefaultChunkShape(shape)
	if opts.ChunkShape != nil {
		cs = *opts.ChunkShape
		if cs.T < 1 || cs.Y < 1 || cs.X < 1 {
			return nil, &cube.ConfigurationError{Field: "chunk_shape", Reason: "chunk extents must be positive"}
		}
	}

	return &RasterCube{
		col:       col,
		view:      v,
		warper:    warper,
		mask:      opts.Mask,
		logger:    opts.Metrics,
		bands:     bands,
		bandNames: names,
		shape:     shape,
		cs:        cs,
		edges:     v.TimeBins(),
	}, nil
}

func hasBand(col *collection.Collection, name string) bool {
	for _, b := range col.Bands() {
		if b == name {
			return true
		}
	}
	return false
}

func (r *RasterCube) View() *cube.View            { return &r.view }
func (r *RasterCube) Shape() cube.Shape           { return r.shape }
func (r *RasterCube) Bands() []cube.Band          { return r.bands }
func (r *RasterCube) ChunkShape() cube.ChunkShape { return r.cs }

func (r *RasterCube) ReadChunk(ctx context.Context, coord cube.ChunkCoord) (*cube.Chunk, error) {
	start := time.Now()
	mc := metrics.NewMetricsCollector(r.logger)
	mc.Info.ReqTime = start.UTC().Format(cube.ISOFormat)
	mc.Info.Collection = r.col.Name
	mc.Info.Op = "raster"
	mc.Info.Chunk = [3]int{coord.T, coord.Y, coord.X}
	defer func() {
		mc.Info.ReqDuration = time.Since(start)
		mc.Log()
	}()

	grid := cube.GridOf(r.shape, r.cs)
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}
	ct0, ct1, cy0, cy1, cx0, cx1 := r.cs.Bounds(r.shape, coord)
	nt, ny, nx := ct1-ct0, cy1-cy0, cx1-cx0

	// Footprints are kept in EPSG:4326, so the query extent is the
	// chunk extent projected there.
	bbox := r.view.BBoxOf(cx0, cx1, cy0, cy1)
	queryBBox := bbox
	if !warp.SameSRS(r.view.SRS, "EPSG:4326") {
		var err error
		queryBBox, err = warp.TransformBBox(ctx, r.warper, r.view.SRS, "EPSG:4326", bbox)
		if err != nil {
			return nil, fmt.Errorf("transforming query extent: %v", err)
		}
	}

	qStart := time.Now()
	entries := r.col.Query(queryBBox, r.edges[ct0], r.edges[ct1], r.bandNames)
	mc.Info.Query.Duration = time.Since(qStart)
	mc.Info.Query.BBox = queryBBox
	mc.Info.Query.NumEntries = len(entries)

	if len(entries) == 0 {
		mc.Info.EmptyChunk = true
		return cube.EmptyChunk(coord, len(r.bands), nt, ny, nx), nil
	}

	chunk := cube.NewChunk(coord, len(r.bands), nt, ny, nx)
	agg := newBinAggregator(r.view.Aggregation, chunk)
	dstGeot := r.view.GeoTransformOf(cx0, cy0)

	for _, entry := range entries {
		end := entry.Time
		if entry.TimeEnd != nil {
			end = *entry.TimeEnd
		}
		lo, hi := cube.BinRange(r.edges, entry.Time, end)
		if lo < ct0 {
			lo = ct0
		}
		if hi > ct1 {
			hi = ct1
		}
		if hi <= lo {
			continue
		}

		var maskData []float64
		if r.mask != nil {
			if ref := entry.Datasets[r.mask.Band]; ref != nil {
				raster, err := r.warpDataset(ctx, mc, entry, ref, dstGeot, nx, ny)
				if err != nil {
					// Without the mask the entry cannot be gated, so
					// all of its samples degrade to missing.
					continue
				}
				maskData = raster.Data
			}
		}

		for b, name := range r.bandNames {
			ref := entry.Datasets[name]
			if ref == nil {
				continue
			}
			raster, err := r.warpDataset(ctx, mc, entry, ref, dstGeot, nx, ny)
			if err != nil {
				continue
			}
			scale, offset := ref.Scale, ref.Offset
			if scale == 0 {
				scale = 1
			}
			for ti := lo; ti < hi; ti++ {
				base := chunk.Index(b, ti-ct0, 0, 0)
				for i, v := range raster.Data {
					if cube.IsNoData(v) {
						continue
					}
					if maskData != nil && r.mask.Masks(maskData[i]) {
						continue
					}
					agg.Add(base+i, v*scale+offset)
				}
			}
		}
	}
	agg.Finalize()

	// A chunk with entries stays dense even when every sample is
	// missing: downstream consumers distinguish "nothing observed
	// here" (sentinel) from "observed but masked or faulted".
	return chunk, nil
}

func (r *RasterCube) warpDataset(ctx context.Context, mc *metrics.MetricsCollector, entry *collection.Entry, ref *collection.DatasetRef, dstGeot []float64, nx, ny int) (*warp.Raster, error) {
	noData := math.NaN()
	if ref.NoData != nil {
		noData = *ref.NoData
	}
	g := &warp.Granule{
		Path:       ref.Path,
		Band:       ref.Band,
		SrcSRS:     entry.SRS,
		DstSRS:     r.view.SRS,
		DstGeot:    dstGeot,
		Width:      nx,
		Height:     ny,
		Resampling: r.view.Resampling,
		NoData:     noData,
	}
	wStart := time.Now()
	raster, err := r.warper.Warp(ctx, g)
	mc.Info.Warp.Duration += time.Since(wStart)
	mc.Info.Warp.NumGranules++
	if err != nil {
		mc.Info.Warp.NumFaults++
		log.Printf("materialize: %v", &cube.IOFault{Path: ref.Path, Err: err})
		return nil, err
	}
	if len(raster.Data) != nx*ny {
		mc.Info.Warp.NumFaults++
		err = fmt.Errorf("worker returned %d samples, want %d", len(raster.Data), nx*ny)
		log.Printf("materialize: %v", &cube.IOFault{Path: ref.Path, Err: err})
		return nil, err
	}
	return raster, nil
}

// binAggregator folds the samples of overlapping images into each time
// bin. Add is called once per contributing sample with the linear chunk
// index of its cell; Finalize settles the methods that cannot fold
// incrementally.
type binAggregator struct {
	method string
	data   []float64
	counts []uint32
	lists  [][]float64
}

func newBinAggregator(method string, chunk *cube.Chunk) *binAggregator {
	a := &binAggregator{method: method, data: chunk.Data}
	switch method {
	case "count", "mean":
		a.counts = make([]uint32, len(a.data))
	case "median":
		a.lists = make([][]float64, len(a.data))
	}
	return a
}

func (a *binAggregator) Add(idx int, v float64) {
	switch a.method {
	case "first":
		if cube.IsNoData(a.data[idx]) {
			a.data[idx] = v
		}
	case "min":
		if cube.IsNoData(a.data[idx]) || v < a.data[idx] {
			a.data[idx] = v
		}
	case "max":
		if cube.IsNoData(a.data[idx]) || v > a.data[idx] {
			a.data[idx] = v
		}
	case "sum":
		if cube.IsNoData(a.data[idx]) {
			a.data[idx] = v
		} else {
			a.data[idx] += v
		}
	case "count":
		a.counts[idx]++
	case "mean":
		if cube.IsNoData(a.data[idx]) {
			a.data[idx] = v
		} else {
			a.data[idx] += v
		}
		a.counts[idx]++
	case "median":
		a.lists[idx] = append(a.lists[idx], v)
	}
}

func (a *binAggregator) Finalize() {
	switch a.method {
	case "count":
		for i := range a.data {
			a.data[i] = float64(a.counts[i])
		}
	case "mean":
		for i, n := range a.counts {
			if n > 0 {
				a.data[i] /= float64(n)
			}
		}
	case "median":
		for i, l := range a.lists {
			if len(l) == 0 {
				continue
			}
			sort.Float64s(l)
			m := len(l) / 2
			if len(l)%2 == 1 {
				a.data[i] = l[m]
			} else {
				a.data[i] = (l[m-1] + l[m]) / 2
			}
		}
	}
}
