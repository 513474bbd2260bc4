package geo

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func TestIntersects(t *testing.T) {
	a := square(0, 0, 10, 10)

	tests := []struct {
		name string
		b    orb.Geometry
		want bool
	}{
		{"overlap", square(5, 5, 15, 15), true},
		{"disjoint", square(20, 20, 30, 30), false},
		{"touching edge", square(10, 0, 20, 10), true},
		{"contained", square(2, 2, 3, 3), true},
		{"container", square(-5, -5, 50, 50), true},
		{"point inside", orb.Point{1, 1}, true},
		{"point on edge", orb.Point{10, 5}, true},
		{"point outside", orb.Point{11, 5}, false},
		{"bounds overlap only", orb.Polygon{{{9, 12}, {12, 9}, {12, 12}, {9, 12}}}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Intersects(a, tt.b))
			assert.Equal(t, tt.want, Intersects(tt.b, a))
		})
	}
}

func TestIntersectsHole(t *testing.T) {
	donut := orb.Polygon{
		{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}},
		{{3, 3}, {7, 3}, {7, 7}, {3, 7}, {3, 3}},
	}
	assert.False(t, Intersects(donut, square(4, 4, 6, 6)))
	assert.True(t, Intersects(donut, square(2, 2, 4, 4)))
}

func TestIntersectsCollection(t *testing.T) {
	union := Collect(square(0, 0, 1, 1), nil, square(5, 5, 6, 6))
	require.Len(t, union, 2)

	assert.True(t, Intersects(union, orb.Point{5.5, 5.5}))
	assert.False(t, Intersects(union, orb.Point{3, 3}))
	assert.False(t, Intersects(Collect(), square(0, 0, 1, 1)))
}

func TestAreaAndCentroid(t *testing.T) {
	mp := orb.MultiPolygon{square(0, 0, 2, 2), square(10, 0, 12, 2)}
	assert.InDelta(t, 8.0, Area(mp), 1e-9)
	assert.InDelta(t, 0.0, Area(nil), 1e-9)

	c := Centroid(square(0, 0, 4, 2))
	assert.InDelta(t, 2.0, c[0], 1e-9)
	assert.InDelta(t, 1.0, c[1], 1e-9)
}

func TestToMultiPolygon(t *testing.T) {
	mp, err := ToMultiPolygon(square(0, 0, 1, 1))
	require.NoError(t, err)
	assert.Len(t, mp, 1)

	_, err = ToMultiPolygon(orb.Point{1, 2})
	assert.ErrorIs(t, err, ErrNotPolygonal)
}

func TestPlanarTransform(t *testing.T) {
	p := orb.Point{-79.3832, 43.6532}
	merc, err := Planar{}.Transform(context.Background(), p, WGS84SRID, WorkingSRID)
	require.NoError(t, err)
	back := ToWGS84(merc)
	assert.InDelta(t, p[0], back.(orb.Point)[0], 1e-9)
	assert.InDelta(t, p[1], back.(orb.Point)[1], 1e-9)

	_, err = Planar{}.Transform(context.Background(), p, 3347, WorkingSRID)
	assert.ErrorIs(t, err, ErrUnsupportedProjection)
}

func TestPlanarTransformDoesNotMutateInput(t *testing.T) {
	poly := square(-80, 43, -79, 44)
	_ = ToWorking(poly)
	assert.Equal(t, -80.0, poly[0][0][0])
}

func TestShapeRoundTrip(t *testing.T) {
	in := NewShape(orb.MultiPolygon{square(0, 0, 100, 100)})
	v, err := in.Value()
	require.NoError(t, err)

	var out Shape
	require.NoError(t, out.Scan(v))
	assert.Equal(t, WorkingSRID, out.SRID)
	assert.InDelta(t, 10000.0, Area(out.Geometry), 1e-6)

	var empty Shape
	require.NoError(t, empty.Scan(nil))
	assert.True(t, empty.IsZero())
}

func TestParseGeoJSON(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		polys int
		err   bool
	}{
		{"polygon", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`, 1, false},
		{"feature", `{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]],[[[2,2],[3,2],[3,3],[2,2]]]]}}`, 2, false},
		{"collection", `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`, 1, false},
		{"point", `{"type":"Point","coordinates":[1,2]}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, err := ParseGeoJSON([]byte(tt.doc))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, mp, tt.polys)
		})
	}
}
