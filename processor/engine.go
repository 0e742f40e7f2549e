package processor

import (
	"context"

	"github.com/nci/gocube/cube"
)

// Pull evaluates a single chunk of a cube. The chunk coordinate must
// lie on the cube's chunk grid.
func Pull(ctx context.Context, c cube.Cube, coord cube.ChunkCoord) (*cube.Chunk, error) {
	grid := cube.GridOf(c.Shape(), c.ChunkShape())
	if !grid.Contains(coord) {
		return nil, &cube.ConfigurationError{Field: "chunk", Reason: "coordinate " + coord.String() + " outside the chunk grid"}
	}
	return c.ReadChunk(ctx, coord)
}

type streamResult struct {
	idx   int
	chunk *cube.Chunk
}

// Stream evaluates every chunk of a cube on at most conc workers and
// delivers the chunks in linear grid order, regardless of the order
// workers finish in. The returned channel is closed when the grid is
// exhausted or after the first failure; failures are reported on
// errChan and cancel the remaining workers.
func Stream(ctx context.Context, c cube.Cube, conc int, errChan chan error) <-chan *cube.Chunk {
	if conc < 1 {
		conc = 1
	}
	grid := cube.GridOf(c.Shape(), c.ChunkShape())
	total := grid.Count()

	sctx, cancel := context.WithCancel(ctx)
	results := make(chan *streamResult, conc)
	out := make(chan *cube.Chunk, 16)

	cl := NewConcLimiter(conc)
	go func() {
		defer close(results)
		for idx := 0; idx < total; idx++ {
			if err := cl.Acquire(sctx); err != nil {
				break
			}
			go func(idx int) {
				defer cl.Release()
				chunk, err := c.ReadChunk(sctx, grid.CoordOf(idx))
				if err != nil {
					sendError(errChan, err)
					cancel()
					return
				}
				select {
				case results <- &streamResult{idx, chunk}:
				case <-sctx.Done():
				}
			}(idx)
		}
		cl.Wait()
	}()

	go func() {
		defer close(out)
		defer cancel()
		pending := make(map[int]*cube.Chunk)
		next := 0
		for r := range results {
			pending[r.idx] = r.chunk
			for {
				chunk, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case out <- chunk:
				case <-sctx.Done():
					for range results {
					}
					return
				}
				next++
			}
		}
	}()

	return out
}

func sendError(errChan chan error, err error) {
	if errChan == nil {
		return
	}
	select {
	case errChan <- err:
	default:
	}
}
