package collection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

// ExtractionError reports why one input file could not be indexed.
// Builds collect these per file instead of failing outright.
type ExtractionError struct {
	Path   string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

type BuildOptions struct {
	// Concurrency bounds the number of scenes probed at once.
	Concurrency int
	// Warper reads grid metadata and footprints out of the files.
	// Without one, entries carry no geometry and intersect every
	// query.
	Warper warp.Warper
}

type BuildReport struct {
	// Indexed counts the entries created.
	Indexed int
	// Skipped counts files the pattern or filter rejected.
	Skipped int
	// Errors holds the files that matched but could not be indexed.
	Errors []*ExtractionError
}

// Build indexes files into a new collection using the rules of
// format. Files are grouped into scenes by their non-time capture
// groups and timestamp, one entry per scene, in order of first
// appearance in files. Entry IDs are derived from the scene key and
// the dataset paths, so rebuilding the same inputs yields the same
// IDs.
func Build(ctx context.Context, name string, files []string, format *Format, opts *BuildOptions) (*Collection, *BuildReport, error) {
	if opts == nil {
		opts = &BuildOptions{}
	}
	if err := format.Validate(); err != nil {
		return nil, nil, err
	}

	report := &BuildReport{}

	type scene struct {
		key     string
		time    time.Time
		matches []*FileMatch
	}
	var scenes []*scene
	byKey := map[string]*scene{}
	for _, path := range files {
		m, err := format.Match(path)
		if err != nil {
			xe, ok := err.(*ExtractionError)
			if !ok {
				return nil, nil, err
			}
			report.Errors = append(report.Errors, xe)
			continue
		}
		if m == nil {
			report.Skipped++
			continue
		}
		s, ok := byKey[m.Scene]
		if !ok {
			s = &scene{key: m.Scene, time: m.Time}
			byKey[m.Scene] = s
			scenes = append(scenes, s)
		}
		s.matches = append(s.matches, m)
	}

	conc := opts.Concurrency
	if conc <= 0 {
		conc = 1
	}
	built := make([]*Entry, len(scenes))
	sceneErrs := make([][]*ExtractionError, len(scenes))

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	for i, s := range scenes {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s *scene) {
			defer wg.Done()
			defer func() { <-sem }()
			built[i], sceneErrs[i] = buildEntry(ctx, s.key, s.time, s.matches, format, opts.Warper)
		}(i, s)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var entries []*Entry
	for i := range scenes {
		report.Errors = append(report.Errors, sceneErrs[i]...)
		if built[i] != nil {
			entries = append(entries, built[i])
		}
	}
	if len(entries) == 0 {
		return nil, report, fmt.Errorf("collection %s: no entries could be extracted from %d files", name, len(files))
	}
	c, err := New(name, format.Name, entries)
	if err != nil {
		return nil, nil, err
	}
	report.Indexed = len(entries)
	return c, report, nil
}

func buildEntry(ctx context.Context, key string, t time.Time, matches []*FileMatch, format *Format, w warp.Warper) (*Entry, []*ExtractionError) {
	var errs []*ExtractionError

	entry := &Entry{Time: t, SRS: format.SRS, Datasets: make(map[string]*DatasetRef, len(matches))}
	var idParts []string
	for _, m := range matches {
		if _, ok := entry.Datasets[m.Band]; ok {
			errs = append(errs, &ExtractionError{Path: m.Path, Reason: fmt.Sprintf("band %s already provided", m.Band)})
			continue
		}
		ref := &DatasetRef{
			Path:   m.Path,
			Band:   m.Rule.Band,
			Type:   m.Rule.Type,
			NoData: m.Rule.NoData,
			Scale:  m.Rule.Scale,
			Offset: m.Rule.Offset,
		}
		if ref.Band <= 0 {
			ref.Band = 1
		}
		if ref.Scale == 0 {
			ref.Scale = 1
		}

		if w != nil {
			info, err := w.Info(ctx, m.Path)
			if err != nil {
				errs = append(errs, &ExtractionError{Path: m.Path, Reason: err.Error()})
				continue
			}
			srs := info.SRS
			if srs == "" {
				srs = format.SRS
			}
			if entry.GeoTransform == nil {
				entry.SRS = srs
				entry.GeoTransform = info.GeoTransform
				entry.XSize = info.XSize
				entry.YSize = info.YSize
				if info.Polygon != "" {
					poly, bbox, err := footprintToWGS84(ctx, w, srs, info.Polygon)
					if err != nil {
						errs = append(errs, &ExtractionError{Path: m.Path, Reason: err.Error()})
					} else {
						entry.Polygon = poly
						entry.BBox = bbox
					}
				}
			}
			if len(info.Bands) >= ref.Band && ref.Band > 0 {
				bi := info.Bands[ref.Band-1]
				if ref.Type == "" {
					ref.Type = bi.Type
				}
				if ref.NoData == nil && !math.IsNaN(bi.NoData) {
					nd := bi.NoData
					ref.NoData = &nd
				}
			}
		}

		entry.Datasets[m.Band] = ref
		idParts = append(idParts, m.Band+"="+m.Path)
	}
	if len(entry.Datasets) == 0 {
		return nil, errs
	}
	sort.Strings(idParts)
	sum := md5.Sum([]byte(key + "|" + strings.Join(idParts, "|")))
	entry.ID = hex.EncodeToString(sum[:])
	return entry, errs
}

// footprintToWGS84 reprojects a dataset footprint into EPSG:4326,
// transforming every ring vertex rather than just the corners.
func footprintToWGS84(ctx context.Context, w warp.Warper, srs, wkt string) (string, []float64, error) {
	rings, err := utils.ParseWKTPolygons(wkt)
	if err != nil {
		return "", nil, err
	}
	if rings == nil {
		return "", nil, nil
	}
	if srs == "" || warp.SameSRS(srs, "EPSG:4326") {
		return wkt, utils.PolygonsBBox(rings), nil
	}

	var xs, ys []float64
	for _, poly := range rings {
		for _, ring := range poly {
			for _, pt := range ring {
				xs = append(xs, pt[0])
				ys = append(ys, pt[1])
			}
		}
	}
	tx, ty, err := w.Transform(ctx, srs, "EPSG:4326", xs, ys)
	if err != nil {
		return "", nil, err
	}
	k := 0
	out := make([][][][]float64, len(rings))
	for i, poly := range rings {
		outPoly := make([][][]float64, len(poly))
		for j, ring := range poly {
			outRing := make([][]float64, len(ring))
			for m := range ring {
				outRing[m] = []float64{tx[k], ty[k]}
				k++
			}
			outPoly[j] = outRing
		}
		out[i] = outPoly
	}
	return utils.PolygonsToWKT(out), utils.PolygonsBBox(out), nil
}
