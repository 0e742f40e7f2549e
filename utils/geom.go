package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Polygons are lists of rings of [x, y] positions with the outer ring
// first, the same nesting GeoJSON uses for MultiPolygon coordinates.
// Bounding boxes are [left, bottom, right, top].

func BBoxIntersects(a, b []float64) bool {
	return !(a[2] < b[0] || a[0] > b[2] || a[3] < b[1] || a[1] > b[3])
}

func BBoxContains(b []float64, x, y float64) bool {
	return x >= b[0] && x <= b[2] && y >= b[1] && y <= b[3]
}

func BBoxToWKT(b []float64) string {
	return fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))",
		b[0], b[1], b[2], b[1], b[2], b[3], b[0], b[3], b[0], b[1])
}

// ParseWKTPolygons parses POLYGON and MULTIPOLYGON text into rings.
// EMPTY geometries parse to nil.
func ParseWKTPolygons(wkt string) ([][][][]float64, error) {
	s := strings.TrimSpace(wkt)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "MULTIPOLYGON"):
		body := strings.TrimSpace(s[len("MULTIPOLYGON"):])
		if strings.EqualFold(body, "EMPTY") {
			return nil, nil
		}
		inner, err := trimParens(body)
		if err != nil {
			return nil, fmt.Errorf("parsing wkt '%s': %v", wkt, err)
		}
		var polys [][][][]float64
		for _, polyBody := range splitTopLevel(inner) {
			poly, err := parseWKTPolygonBody(polyBody)
			if err != nil {
				return nil, fmt.Errorf("parsing wkt '%s': %v", wkt, err)
			}
			polys = append(polys, poly)
		}
		return polys, nil
	case strings.HasPrefix(upper, "POLYGON"):
		body := strings.TrimSpace(s[len("POLYGON"):])
		if strings.EqualFold(body, "EMPTY") {
			return nil, nil
		}
		poly, err := parseWKTPolygonBody(body)
		if err != nil {
			return nil, fmt.Errorf("parsing wkt '%s': %v", wkt, err)
		}
		return [][][][]float64{poly}, nil
	default:
		return nil, fmt.Errorf("unsupported wkt geometry '%s'", wkt)
	}
}

func parseWKTPolygonBody(body string) ([][][]float64, error) {
	inner, err := trimParens(body)
	if err != nil {
		return nil, err
	}
	var rings [][][]float64
	for _, ringBody := range splitTopLevel(inner) {
		ringInner, err := trimParens(ringBody)
		if err != nil {
			return nil, err
		}
		var ring [][]float64
		for _, pt := range strings.Split(ringInner, ",") {
			fields := strings.Fields(pt)
			if len(fields) < 2 {
				return nil, fmt.Errorf("invalid point '%s'", pt)
			}
			x, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return nil, err
			}
			y, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, err
			}
			ring = append(ring, []float64{x, y})
		}
		if len(ring) < 3 {
			return nil, fmt.Errorf("ring has %d points", len(ring))
		}
		rings = append(rings, ring)
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}
	return rings, nil
}

func trimParens(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", fmt.Errorf("expected parenthesised group, got '%s'", s)
	}
	return s[1 : len(s)-1], nil
}

func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// PolygonsToWKT renders rings back to POLYGON or MULTIPOLYGON text,
// the inverse of ParseWKTPolygons.
func PolygonsToWKT(polys [][][][]float64) string {
	if len(polys) == 0 {
		return "POLYGON EMPTY"
	}
	var b strings.Builder
	if len(polys) == 1 {
		b.WriteString("POLYGON")
		writeWKTPolygonBody(&b, polys[0])
		return b.String()
	}
	b.WriteString("MULTIPOLYGON(")
	for i, poly := range polys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeWKTPolygonBody(&b, poly)
	}
	b.WriteByte(')')
	return b.String()
}

func writeWKTPolygonBody(b *strings.Builder, poly [][][]float64) {
	b.WriteByte('(')
	for i, ring := range poly {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for j, pt := range ring {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%g %g", pt[0], pt[1])
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
}

// PolygonsBBox is the bounding box over every ring of every polygon.
func PolygonsBBox(polys [][][][]float64) []float64 {
	var bbox []float64
	for _, poly := range polys {
		for _, ring := range poly {
			for _, pt := range ring {
				if bbox == nil {
					bbox = []float64{pt[0], pt[1], pt[0], pt[1]}
					continue
				}
				if pt[0] < bbox[0] {
					bbox[0] = pt[0]
				}
				if pt[1] < bbox[1] {
					bbox[1] = pt[1]
				}
				if pt[0] > bbox[2] {
					bbox[2] = pt[0]
				}
				if pt[1] > bbox[3] {
					bbox[3] = pt[1]
				}
			}
		}
	}
	return bbox
}

// PointInPolygons tests (x, y) against the union of the polygons using
// even-odd counting per polygon, so holes behave as holes.
func PointInPolygons(polys [][][][]float64, x, y float64) bool {
	for _, poly := range polys {
		in := false
		for _, ring := range poly {
			if pointInRing(ring, x, y) {
				in = !in
			}
		}
		if in {
			return true
		}
	}
	return false
}

func pointInRing(ring [][]float64, x, y float64) bool {
	in := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
		j = i
	}
	return in
}

// PolygonsIntersectBBox reports whether any polygon overlaps the
// bounding box. Touching boundaries count as overlap.
func PolygonsIntersectBBox(polys [][][][]float64, bbox []float64) bool {
	corners := [][]float64{
		{bbox[0], bbox[1]}, {bbox[2], bbox[1]}, {bbox[2], bbox[3]}, {bbox[0], bbox[3]},
	}
	edges := [][]float64{
		{bbox[0], bbox[1], bbox[2], bbox[1]},
		{bbox[2], bbox[1], bbox[2], bbox[3]},
		{bbox[2], bbox[3], bbox[0], bbox[3]},
		{bbox[0], bbox[3], bbox[0], bbox[1]},
	}
	for _, poly := range polys {
		for _, pt := range poly[0] {
			if BBoxContains(bbox, pt[0], pt[1]) {
				return true
			}
		}
		for _, c := range corners {
			if PointInPolygons([][][][]float64{poly}, c[0], c[1]) {
				return true
			}
		}
		for _, ring := range poly {
			j := len(ring) - 1
			for i := 0; i < len(ring); i++ {
				for _, e := range edges {
					if segmentsIntersect(
						ring[j][0], ring[j][1], ring[i][0], ring[i][1],
						e[0], e[1], e[2], e[3]) {
						return true
					}
				}
				j = i
			}
		}
	}
	return false
}

func orient(ax, ay, bx, by, cx, cy float64) float64 {
	return (bx-ax)*(cy-ay) - (by-ay)*(cx-ax)
}

func onSegment(ax, ay, bx, by, px, py float64) bool {
	return px >= minF(ax, bx) && px <= maxF(ax, bx) && py >= minF(ay, by) && py <= maxF(ay, by)
}

func segmentsIntersect(ax, ay, bx, by, cx, cy, dx, dy float64) bool {
	d1 := orient(cx, cy, dx, dy, ax, ay)
	d2 := orient(cx, cy, dx, dy, bx, by)
	d3 := orient(ax, ay, bx, by, cx, cy)
	d4 := orient(ax, ay, bx, by, dx, dy)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(cx, cy, dx, dy, ax, ay) {
		return true
	}
	if d2 == 0 && onSegment(cx, cy, dx, dy, bx, by) {
		return true
	}
	if d3 == 0 && onSegment(ax, ay, bx, by, cx, cy) {
		return true
	}
	if d4 == 0 && onSegment(ax, ay, bx, by, dx, dy) {
		return true
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
