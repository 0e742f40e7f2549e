// Package collection indexes heterogeneous raster files into image
// collections: ordered sets of entries, each holding one acquisition
// time, one footprint and the per-band datasets recorded for it.
// Collections are the input side of cube materialization and say
// nothing about a target grid; that is the job of a cube view.
package collection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

// DatasetRef locates one band of an entry inside a raster file.
// NoData overrides whatever the file declares; nil means take the
// file's own value. Scale and Offset are applied as value*Scale+Offset
// when the band is read.
type DatasetRef struct {
	Path   string   `json:"path"`
	Band   int      `json:"band"`
	Type   string   `json:"type,omitempty"`
	NoData *float64 `json:"no_data,omitempty"`
	Scale  float64  `json:"scale,omitempty"`
	Offset float64  `json:"offset,omitempty"`
}

// Entry is one image of a collection: a set of band datasets sharing
// an acquisition time and a footprint. Footprint polygon and bounding
// box are stored in EPSG:4326 whatever the native grid SRS is; TimeEnd
// is set only for entries covering a time range.
type Entry struct {
	ID           string                 `json:"id"`
	Time         time.Time              `json:"timestamp"`
	TimeEnd      *time.Time             `json:"timestamp_end,omitempty"`
	Polygon      string                 `json:"polygon,omitempty"`
	BBox         []float64              `json:"bbox,omitempty"`
	SRS          string                 `json:"srs,omitempty"`
	GeoTransform []float64              `json:"geo_transform,omitempty"`
	XSize        int                    `json:"x_size,omitempty"`
	YSize        int                    `json:"y_size,omitempty"`
	Datasets     map[string]*DatasetRef `json:"datasets"`

	rings [][][][]float64
}

func (e *Entry) prepare() error {
	if e.Polygon == "" {
		e.rings = nil
		return nil
	}
	rings, err := utils.ParseWKTPolygons(e.Polygon)
	if err != nil {
		return fmt.Errorf("entry %s: %v", e.ID, err)
	}
	e.rings = rings
	if e.BBox == nil && rings != nil {
		e.BBox = utils.PolygonsBBox(rings)
	}
	return nil
}

// Intersects reports whether the entry footprint overlaps bbox
// ([left, bottom, right, top] in EPSG:4326). Entries without a
// footprint overlap everything, so they are never lost to an
// incomplete index.
func (e *Entry) Intersects(bbox []float64) bool {
	if len(bbox) != 4 || e.BBox == nil {
		return true
	}
	if !utils.BBoxIntersects(e.BBox, bbox) {
		return false
	}
	if e.rings == nil {
		return true
	}
	return utils.PolygonsIntersectBBox(e.rings, bbox)
}

// Within reports whether the entry falls inside the half open interval
// [t0, t1). Range entries match when [Time, TimeEnd] overlaps the
// interval. A zero t0 or t1 leaves that bound open.
func (e *Entry) Within(t0, t1 time.Time) bool {
	end := e.Time
	if e.TimeEnd != nil {
		end = *e.TimeEnd
	}
	if !t1.IsZero() && !e.Time.Before(t1) {
		return false
	}
	if !t0.IsZero() && end.Before(t0) {
		return false
	}
	return true
}

func (e *Entry) HasBand(name string) bool {
	_, ok := e.Datasets[name]
	return ok
}

func hasAnyBand(e *Entry, bands []string) bool {
	for _, b := range bands {
		if e.HasBand(b) {
			return true
		}
	}
	return false
}

// Collection is an ordered set of entries built with one image format.
// Entry order is build order and every load and query path preserves
// it; aggregation methods that break ties on arrival order depend on
// that.
type Collection struct {
	Name     string   `json:"name"`
	Format   string   `json:"format,omitempty"`
	Location string   `json:"location,omitempty"`
	Entries  []*Entry `json:"entries"`

	byID map[string]*Entry
}

// New assembles a collection from entries, preserving their order.
// Duplicate IDs and malformed footprints are errors.
func New(name, format string, entries []*Entry) (*Collection, error) {
	c := &Collection{Name: name, Format: format, byID: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("collection %s: entry with empty id", name)
		}
		if _, ok := c.byID[e.ID]; ok {
			return nil, fmt.Errorf("collection %s: duplicate entry %s", name, e.ID)
		}
		if err := e.prepare(); err != nil {
			return nil, fmt.Errorf("collection %s: %v", name, err)
		}
		c.byID[e.ID] = e
		c.Entries = append(c.Entries, e)
	}
	return c, nil
}

// Append adds entries at the end of the collection, silently skipping
// IDs already present. It returns the number of entries added.
func (c *Collection) Append(entries []*Entry) (int, error) {
	if c.byID == nil {
		c.byID = make(map[string]*Entry, len(c.Entries))
		for _, e := range c.Entries {
			c.byID[e.ID] = e
		}
	}
	added := 0
	for _, e := range entries {
		if _, ok := c.byID[e.ID]; ok {
			continue
		}
		if err := e.prepare(); err != nil {
			return added, fmt.Errorf("collection %s: %v", c.Name, err)
		}
		c.byID[e.ID] = e
		c.Entries = append(c.Entries, e)
		added++
	}
	return added, nil
}

// Get returns the entry with the given ID, or nil.
func (c *Collection) Get(id string) *Entry {
	if c.byID == nil {
		for _, e := range c.Entries {
			if e.ID == id {
				return e
			}
		}
		return nil
	}
	return c.byID[id]
}

// Bands returns the sorted union of band names over all entries.
func (c *Collection) Bands() []string {
	seen := map[string]bool{}
	var names []string
	for _, e := range c.Entries {
		for name := range e.Datasets {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Query returns the entries overlapping bbox ([left, bottom, right,
// top] in EPSG:4326) and [t0, t1) which carry at least one of the
// requested bands, in build order. A nil bbox, zero times or an empty
// band list leave the respective predicate out.
func (c *Collection) Query(bbox []float64, t0, t1 time.Time, bands []string) []*Entry {
	var out []*Entry
	for _, e := range c.Entries {
		if !e.Within(t0, t1) {
			continue
		}
		if !e.Intersects(bbox) {
			continue
		}
		if len(bands) > 0 && !hasAnyBand(e, bands) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Envelope is the spatiotemporal extent of a collection. The bounding
// box is in EPSG:4326 and may be nil when no entry carries geometry.
type Envelope struct {
	BBox []float64 `json:"bbox,omitempty"`
	T0   time.Time `json:"t0"`
	T1   time.Time `json:"t1"`
	SRS  string    `json:"srs"`
}

// Extent computes the union envelope over all entries, or nil for an
// empty collection.
func (c *Collection) Extent() *Envelope {
	if len(c.Entries) == 0 {
		return nil
	}
	env := &Envelope{SRS: "EPSG:4326"}
	for i, e := range c.Entries {
		end := e.Time
		if e.TimeEnd != nil {
			end = *e.TimeEnd
		}
		if i == 0 {
			env.T0, env.T1 = e.Time, end
		} else {
			if e.Time.Before(env.T0) {
				env.T0 = e.Time
			}
			if end.After(env.T1) {
				env.T1 = end
			}
		}
		if e.BBox == nil {
			continue
		}
		if env.BBox == nil {
			env.BBox = append([]float64(nil), e.BBox...)
			continue
		}
		env.BBox[0] = math.Min(env.BBox[0], e.BBox[0])
		env.BBox[1] = math.Min(env.BBox[1], e.BBox[1])
		env.BBox[2] = math.Max(env.BBox[2], e.BBox[2])
		env.BBox[3] = math.Max(env.BBox[3], e.BBox[3])
	}
	return env
}

// ExtentIn computes the union envelope reprojected into srs. An empty
// srs, or one naming the native EPSG:4326, returns the envelope as
// stored; anything else projects the bounding box corners through w.
func (c *Collection) ExtentIn(ctx context.Context, w warp.Warper, srs string) (*Envelope, error) {
	env := c.Extent()
	if env == nil || srs == "" || warp.SameSRS(srs, env.SRS) {
		return env, nil
	}
	if env.BBox != nil {
		if w == nil {
			return nil, fmt.Errorf("collection %s: extent in %s needs a transformer", c.Name, srs)
		}
		bbox, err := warp.TransformBBox(ctx, w, env.SRS, srs, env.BBox)
		if err != nil {
			return nil, err
		}
		env.BBox = bbox
	}
	env.SRS = srs
	return env, nil
}
