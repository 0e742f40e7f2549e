package processor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/utils"
)

const vrtTemplateFile = "templates/raw_vrt.tpl"

// ExportRaw evaluates a cube on conc workers and writes one raw
// little-endian float64 file per band and time slice under dir, plus a
// GDAL-readable .vrt manifest per time slice. Chunks are written in
// deterministic coordinate order regardless of worker completion
// order; cancellation is honoured between chunk writes.
func ExportRaw(ctx context.Context, c cube.Cube, dir string, conc int) error {
	shape := c.Shape()
	bands := c.Bands()
	cs := c.ChunkShape()

	tplPath, err := resolveVRTTemplate()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()
	errChan := make(chan error, 1)
	chunks := Stream(ectx, c, conc, errChan)
	for chunk := range chunks {
		if err := ctx.Err(); err != nil {
			cancel()
			for range chunks {
			}
			return err
		}
		if err := writeRawChunk(dir, shape, cs, bands, chunk); err != nil {
			cancel()
			for range chunks {
			}
			return err
		}
	}
	select {
	case err := <-errChan:
		return err
	default:
	}

	for t := 0; t < shape.T; t++ {
		if err := writeVRT(dir, tplPath, c, t); err != nil {
			return err
		}
	}
	return nil
}

func resolveVRTTemplate() (string, error) {
	dataDir := os.Getenv("GOCUBE_DATA_DIR")
	if dataDir == "" {
		dataDir = utils.DataDir
	}
	resolver := utils.NewRuntimeFileResolver(dataDir)
	path, err := resolver.Lookup(vrtTemplateFile)
	if err != nil {
		return "", &cube.ConfigurationError{Field: "export", Reason: fmt.Sprintf("cannot resolve %s, set GOCUBE_DATA_DIR", vrtTemplateFile)}
	}
	return path, nil
}

func writeRawChunk(dir string, shape cube.Shape, cs cube.ChunkShape, bands []cube.Band, chunk *cube.Chunk) error {
	t0, _, y0, _, x0, _ := cs.Bounds(shape, chunk.Coord)

	row := make([]byte, chunk.NX*8)
	if chunk.Empty() {
		nan := math.Float64bits(math.NaN())
		for x := 0; x < chunk.NX; x++ {
			binary.LittleEndian.PutUint64(row[x*8:], nan)
		}
	}

	for b := range bands {
		for t := 0; t < chunk.NT; t++ {
			name := filepath.Join(dir, rawFileName(b, bands[b].Name, t0+t))
			f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			for y := 0; y < chunk.NY; y++ {
				if !chunk.Empty() {
					base := chunk.Index(b, t, y, 0)
					for x := 0; x < chunk.NX; x++ {
						binary.LittleEndian.PutUint64(row[x*8:], math.Float64bits(chunk.Data[base+x]))
					}
				}
				off := int64(((y0+y)*shape.X + x0) * 8)
				if _, err := f.WriteAt(row, off); err != nil {
					f.Close()
					return err
				}
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

type vrtBand struct {
	Index      int
	Name       string
	Filename   string
	LineOffset int
}

type vrtDoc struct {
	XSize        int
	YSize        int
	SRS          string
	GeoTransform string
	Bands        []vrtBand
}

func writeVRT(dir, tplPath string, c cube.Cube, t int) error {
	shape := c.Shape()
	view := c.View()
	doc := &vrtDoc{
		XSize:        shape.X,
		YSize:        shape.Y,
		SRS:          view.SRS,
		GeoTransform: formatGeoTransform(view.GeoTransformOf(0, 0)),
	}
	for b, band := range c.Bands() {
		doc.Bands = append(doc.Bands, vrtBand{
			Index:      b + 1,
			Name:       band.Name,
			Filename:   rawFileName(b, band.Name, t),
			LineOffset: shape.X * 8,
		})
	}

	f, err := os.Create(filepath.Join(dir, vrtFileName(t)))
	if err != nil {
		return err
	}
	if err := utils.ExecuteWriteTemplateFile(f, doc, tplPath); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatGeoTransform(geot []float64) string {
	parts := make([]string, len(geot))
	for i, v := range geot {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func rawFileName(b int, name string, t int) string {
	return fmt.Sprintf("b%02d_%s_t%04d.raw", b+1, sanitizeName(name), t)
}

func vrtFileName(t int) string {
	return fmt.Sprintf("t%04d.vrt", t)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
