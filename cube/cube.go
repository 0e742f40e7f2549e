// Package cube defines the data model shared across the engine: views
// fixing cube geometry, chunks carrying materialised samples, and the
// Cube interface implemented by image collection cubes and by every
// operator derived from them.
package cube

import "context"

// Band describes one variable of a cube.
type Band struct {
	Name   string  `json:"name"`
	Type   string  `json:"type,omitempty"`
	NoData float64 `json:"no_data,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty"`
	Unit   string  `json:"unit,omitempty"`
}

// Cube is a lazily evaluated four-dimensional raster: a set of bands on
// a shared space/time grid. Constructing a cube never touches pixel
// data; chunks are pulled on demand through ReadChunk. Implementations
// must be safe for concurrent ReadChunk calls.
type Cube interface {
	// View describes the cube geometry. Callers must not modify it.
	View() *View
	Shape() Shape
	Bands() []Band
	ChunkShape() ChunkShape
	// ReadChunk materialises one chunk. The returned chunk is owned by
	// the caller. Chunks covering no data at all come back as the
	// empty-chunk sentinel.
	ReadChunk(ctx context.Context, coord ChunkCoord) (*Chunk, error)
}

func BandIndex(bands []Band, name string) int {
	for i, b := range bands {
		if b.Name == name {
			return i
		}
	}
	return -1
}

func BandNames(bands []Band) []string {
	names := make([]string, len(bands))
	for i, b := range bands {
		names[i] = b.Name
	}
	return names
}
