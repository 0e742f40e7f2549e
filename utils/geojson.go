package utils

import (
	"encoding/json"
	"fmt"

	geo "github.com/nci/geometry"
)

// ParseGeoJSONPolygons accepts a Feature, a FeatureCollection or a bare
// geometry document and returns the polygon rings it carries, in the
// same nesting ParseWKTPolygons produces.
func ParseGeoJSONPolygons(doc []byte) ([][][][]float64, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, fmt.Errorf("parsing GeoJSON: %v", err)
	}

	var feats []geo.Feature
	switch probe.Type {
	case "FeatureCollection":
		var fc geo.FeatureCollection
		if err := json.Unmarshal(doc, &fc); err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %v", err)
		}
		feats = fc.Features
	case "Feature":
		var feat geo.Feature
		if err := json.Unmarshal(doc, &feat); err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %v", err)
		}
		feats = []geo.Feature{feat}
	case "Polygon", "MultiPolygon":
		wrapped, err := json.Marshal(map[string]json.RawMessage{
			"type":     json.RawMessage(`"Feature"`),
			"geometry": json.RawMessage(doc),
		})
		if err != nil {
			return nil, err
		}
		var feat geo.Feature
		if err := json.Unmarshal(wrapped, &feat); err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %v", err)
		}
		feats = []geo.Feature{feat}
	default:
		return nil, fmt.Errorf("unsupported GeoJSON type '%s'", probe.Type)
	}

	var polys [][][][]float64
	for _, feat := range feats {
		switch g := feat.Geometry.(type) {
		case *geo.Polygon:
			polys = append(polys, g.AsArray())
		case *geo.MultiPolygon:
			polys = append(polys, g.AsArray()...)
		}
	}
	if len(polys) == 0 {
		return nil, fmt.Errorf("no polygon geometry in document")
	}
	return polys, nil
}
