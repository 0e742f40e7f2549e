// Package warp talks to external warp worker processes over unix
// domain sockets. A worker receives one request per connection: a
// proto-marshalled Struct describing a warp, info or transform
// operation, and answers with a proto-marshalled Struct carrying the
// result. Raster payloads travel as base64 little-endian float64.
package warp

import (
	"context"
	"strings"
	"time"
)

// BandInfo describes one band of a source dataset.
type BandInfo struct {
	Index  int
	Type   string
	NoData float64
}

// Info is the metadata of a source dataset as reported by a worker.
type Info struct {
	SRS          string
	GeoTransform []float64
	XSize        int
	YSize        int
	Polygon      string // WKT footprint in the dataset SRS
	Bands        []BandInfo
	Times        []time.Time
}

// Granule is one unit of work for a warp worker.
type Granule struct {
	Operation  string // "warp", "info" or "transform"
	Path       string
	Band       int
	SrcSRS     string
	DstSRS     string
	DstGeot    []float64
	Width      int
	Height     int
	Resampling string
	// NoData is the source value treated as missing, NaN when the
	// dataset default applies.
	NoData float64
	Xs     []float64
	Ys     []float64
}

// Raster is one warped window in row-major order. Missing samples are
// NaN regardless of the source no-data value.
type Raster struct {
	Width  int
	Height int
	Data   []float64
}

type Result struct {
	Raster *Raster
	Info   *Info
	Xs     []float64
	Ys     []float64
	Error  string
}

// Warper executes warp, info and transform operations, typically on a
// pool of worker processes. Implementations must be safe for
// concurrent use.
type Warper interface {
	Warp(ctx context.Context, g *Granule) (*Raster, error)
	Info(ctx context.Context, path string) (*Info, error)
	Transform(ctx context.Context, srcSRS, dstSRS string, xs, ys []float64) ([]float64, []float64, error)
}

// SameSRS reports whether two spatial reference strings name the same
// system textually. Differently spelled but equivalent definitions are
// not recognised; callers fall back to a transform in that case.
func SameSRS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// TransformBBox projects a [left, bottom, right, top] extent by
// transforming its corners and taking their envelope.
func TransformBBox(ctx context.Context, w Warper, srcSRS, dstSRS string, bbox []float64) ([]float64, error) {
	xs := []float64{bbox[0], bbox[2], bbox[2], bbox[0]}
	ys := []float64{bbox[1], bbox[1], bbox[3], bbox[3]}
	tx, ty, err := w.Transform(ctx, srcSRS, dstSRS, xs, ys)
	if err != nil {
		return nil, err
	}
	out := []float64{tx[0], ty[0], tx[0], ty[0]}
	for i := 1; i < len(tx); i++ {
		if tx[i] < out[0] {
			out[0] = tx[i]
		}
		if ty[i] < out[1] {
			out[1] = ty[i]
		}
		if tx[i] > out[2] {
			out[2] = tx[i]
		}
		if ty[i] > out[3] {
			out[3] = ty[i]
		}
	}
	return out, nil
}
