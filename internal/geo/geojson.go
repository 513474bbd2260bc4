package geo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var ErrEmptyGeoJSON = errors.New("geojson document has no geometry")

// ParseGeoJSON reads a GeoJSON geometry, Feature or FeatureCollection and
// returns its polygonal content as a single MultiPolygon. Polygons from every
// feature of a collection are merged.
func ParseGeoJSON(data []byte) (orb.MultiPolygon, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var gs []orb.Geometry
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature collection: %w", err)
		}
		for _, f := range fc.Features {
			gs = append(gs, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature: %w", err)
		}
		gs = append(gs, f.Geometry)
	case "":
		return nil, ErrEmptyGeoJSON
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("parse geometry: %w", err)
		}
		gs = append(gs, g.Geometry())
	}

	var out orb.MultiPolygon
	for _, g := range gs {
		if g == nil {
			continue
		}
		mp, err := ToMultiPolygon(g)
		if err != nil {
			return nil, err
		}
		out = append(out, mp...)
	}
	if len(out) == 0 {
		return nil, ErrEmptyGeoJSON
	}
	return out, nil
}

// Feature builds a WGS84 GeoJSON feature from a working-system geometry.
func Feature(g orb.Geometry, props map[string]any) *geojson.Feature {
	f := geojson.NewFeature(ToWGS84(g))
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}
