package cube

import (
	"fmt"
	"math"
)

// Shape is the size of a cube along its four axes.
type Shape struct {
	Bands int `json:"bands"`
	T     int `json:"t"`
	Y     int `json:"y"`
	X     int `json:"x"`
}

// ChunkShape is the cell extent of one chunk along t, y and x. Bands
// are never chunked; every chunk carries all bands of its cube.
type ChunkShape struct {
	T int `json:"t"`
	Y int `json:"y"`
	X int `json:"x"`
}

// ChunkCoord addresses one chunk within the chunk grid of a cube.
type ChunkCoord struct {
	T int `json:"t"`
	Y int `json:"y"`
	X int `json:"x"`
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.T, c.Y, c.X)
}

const DefaultChunkXY = 256

// DefaultChunkShape spans the whole time axis and 256x256 cells in
// space, so that time series operators can run without re-chunking.
func DefaultChunkShape(s Shape) ChunkShape {
	cs := ChunkShape{T: s.T, Y: DefaultChunkXY, X: DefaultChunkXY}
	if cs.Y > s.Y {
		cs.Y = s.Y
	}
	if cs.X > s.X {
		cs.X = s.X
	}
	return cs
}

// ChunkGrid is the number of chunks along t, y and x.
type ChunkGrid struct {
	T int
	Y int
	X int
}

func GridOf(s Shape, cs ChunkShape) ChunkGrid {
	return ChunkGrid{
		T: (s.T + cs.T - 1) / cs.T,
		Y: (s.Y + cs.Y - 1) / cs.Y,
		X: (s.X + cs.X - 1) / cs.X,
	}
}

func (g ChunkGrid) Count() int {
	return g.T * g.Y * g.X
}

func (g ChunkGrid) Contains(c ChunkCoord) bool {
	return c.T >= 0 && c.T < g.T && c.Y >= 0 && c.Y < g.Y && c.X >= 0 && c.X < g.X
}

// Linear maps a chunk coordinate to its position in the deterministic
// traversal order: t outermost, then y, then x.
func (g ChunkGrid) Linear(c ChunkCoord) int {
	return (c.T*g.Y+c.Y)*g.X + c.X
}

func (g ChunkGrid) CoordOf(idx int) ChunkCoord {
	x := idx % g.X
	idx /= g.X
	return ChunkCoord{T: idx / g.Y, Y: idx % g.Y, X: x}
}

// Bounds returns the half-open cell index ranges covered by chunk c of
// a cube with shape s. Chunks on the high edge of an axis are clipped
// to the cube shape.
func (cs ChunkShape) Bounds(s Shape, c ChunkCoord) (t0, t1, y0, y1, x0, x1 int) {
	t0 = c.T * cs.T
	t1 = t0 + cs.T
	if t1 > s.T {
		t1 = s.T
	}
	y0 = c.Y * cs.Y
	y1 = y0 + cs.Y
	if y1 > s.Y {
		y1 = s.Y
	}
	x0 = c.X * cs.X
	x1 = x0 + cs.X
	if x1 > s.X {
		x1 = s.X
	}
	return
}

// IsNoData reports whether a sample is missing. Missing samples are
// NaN throughout the engine regardless of the no-data value of the
// source datasets.
func IsNoData(v float64) bool {
	return math.IsNaN(v)
}

// Chunk is a dense (band, t, y, x) block of float64 samples in
// band-major order. A chunk with nil Data is the empty-chunk sentinel:
// it reads as all missing without holding a payload.
type Chunk struct {
	Coord ChunkCoord
	Bands int
	NT    int
	NY    int
	NX    int
	Data  []float64
}

// NewChunk allocates a chunk with every sample initialised to missing.
func NewChunk(coord ChunkCoord, bands, nt, ny, nx int) *Chunk {
	data := make([]float64, bands*nt*ny*nx)
	nan := math.NaN()
	for i := range data {
		data[i] = nan
	}
	return &Chunk{Coord: coord, Bands: bands, NT: nt, NY: ny, NX: nx, Data: data}
}

// EmptyChunk returns the empty-chunk sentinel for the given geometry.
func EmptyChunk(coord ChunkCoord, bands, nt, ny, nx int) *Chunk {
	return &Chunk{Coord: coord, Bands: bands, NT: nt, NY: ny, NX: nx}
}

func (c *Chunk) Empty() bool {
	return c.Data == nil
}

// Size is the number of samples addressed by the chunk, whether or not
// a payload is allocated.
func (c *Chunk) Size() int {
	return c.Bands * c.NT * c.NY * c.NX
}

// PlaneSize is the number of samples of one band.
func (c *Chunk) PlaneSize() int {
	return c.NT * c.NY * c.NX
}

func (c *Chunk) Index(b, t, y, x int) int {
	return ((b*c.NT+t)*c.NY+y)*c.NX + x
}

func (c *Chunk) Value(b, t, y, x int) float64 {
	if c.Data == nil {
		return math.NaN()
	}
	return c.Data[c.Index(b, t, y, x)]
}

// Dense returns c itself when it holds a payload, otherwise a freshly
// allocated all-missing chunk of the same geometry.
func (c *Chunk) Dense() *Chunk {
	if c.Data != nil {
		return c
	}
	return NewChunk(c.Coord, c.Bands, c.NT, c.NY, c.NX)
}
