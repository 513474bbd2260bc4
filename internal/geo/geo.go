// Package geo holds the geometry service used by the analysis engine: spatial
// predicates, collection, area, centroid and reprojection over orb geometries.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	// WorkingSRID is the reference system every engine geometry is stored in
	// (Web Mercator).
	WorkingSRID = 3857

	// WGS84SRID is the reference system of GeoJSON input and output and of the
	// routing collaborator.
	WGS84SRID = 4326
)

var ErrNotPolygonal = errors.New("geometry must be a Polygon or MultiPolygon")

// Collect gathers geometries into a single collection. Nil and empty members
// are dropped. The engine only ever asks "does X intersect the union", which a
// collection answers without dissolving shared edges.
func Collect(gs ...orb.Geometry) orb.Collection {
	out := make(orb.Collection, 0, len(gs))
	for _, g := range gs {
		if isEmpty(g) {
			continue
		}
		if c, ok := g.(orb.Collection); ok {
			out = append(out, Collect(c...)...)
			continue
		}
		out = append(out, g)
	}
	return out
}

// Area returns the planar area of g in the units of its reference system.
func Area(g orb.Geometry) float64 {
	if isEmpty(g) {
		return 0
	}
	return math.Abs(planar.Area(g))
}

// Centroid returns the area-weighted centroid of g.
func Centroid(g orb.Geometry) orb.Point {
	if isEmpty(g) {
		return orb.Point{}
	}
	c, _ := planar.CentroidArea(g)
	return c
}

// ToMultiPolygon promotes a Polygon to a MultiPolygon. Any other geometry type
// is rejected.
func ToMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.MultiPolygon:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty multipolygon", ErrNotPolygonal)
		}
		return v, nil
	case orb.Polygon:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty polygon", ErrNotPolygonal)
		}
		return orb.MultiPolygon{v}, nil
	case nil:
		return nil, fmt.Errorf("%w: no geometry", ErrNotPolygonal)
	default:
		return nil, fmt.Errorf("%w: got %s", ErrNotPolygonal, g.GeoJSONType())
	}
}

// Intersects reports whether a and b share at least one point. Touching
// boundaries count as intersecting, matching ST_Intersects.
func Intersects(a, b orb.Geometry) bool {
	if isEmpty(a) || isEmpty(b) {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}

	aPolys, aPts := decompose(a)
	bPolys, bPts := decompose(b)

	for _, p := range aPts {
		for _, q := range bPts {
			if p.Equal(q) {
				return true
			}
		}
		for _, poly := range bPolys {
			if polygonCovers(poly, p) {
				return true
			}
		}
	}
	for _, q := range bPts {
		for _, poly := range aPolys {
			if polygonCovers(poly, q) {
				return true
			}
		}
	}
	for _, pa := range aPolys {
		for _, pb := range bPolys {
			if polygonsIntersect(pa, pb) {
				return true
			}
		}
	}
	return false
}

func isEmpty(g orb.Geometry) bool {
	if g == nil {
		return true
	}
	switch v := g.(type) {
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.Collection:
		for _, m := range v {
			if !isEmpty(m) {
				return false
			}
		}
		return true
	case orb.MultiPoint:
		return len(v) == 0
	}
	return false
}

// decompose flattens g into its polygonal and point parts. Lines are not used
// by the engine and are ignored.
func decompose(g orb.Geometry) ([]orb.Polygon, []orb.Point) {
	switch v := g.(type) {
	case orb.Point:
		return nil, []orb.Point{v}
	case orb.MultiPoint:
		return nil, []orb.Point(v)
	case orb.Polygon:
		return []orb.Polygon{v}, nil
	case orb.MultiPolygon:
		return []orb.Polygon(v), nil
	case orb.Bound:
		return []orb.Polygon{v.ToPolygon()}, nil
	case orb.Collection:
		var polys []orb.Polygon
		var pts []orb.Point
		for _, m := range v {
			p, q := decompose(m)
			polys = append(polys, p...)
			pts = append(pts, q...)
		}
		return polys, pts
	}
	return nil, nil
}

// polygonCovers is PolygonContains extended to points lying on an edge.
func polygonCovers(poly orb.Polygon, p orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	for _, r := range poly {
		if onRing(r, p) {
			return true
		}
	}
	return planar.PolygonContains(poly, p)
}

func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, ra := range a {
		for _, rb := range b {
			if ringsCross(ra, rb) {
				return true
			}
		}
	}
	// No edge crossings: either disjoint or one lies inside the other.
	if len(a[0]) > 0 && planar.PolygonContains(b, a[0][0]) {
		return true
	}
	if len(b[0]) > 0 && planar.PolygonContains(a, b[0][0]) {
		return true
	}
	return false
}
