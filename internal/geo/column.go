package geo

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/geojson"
)

// Shape is a geometry column. It is written as hex EWKB, which PostGIS accepts
// for geometry columns, and read back from the EWKB PostGIS returns.
type Shape struct {
	Geometry orb.Geometry
	SRID     int
}

// NewShape wraps g in the working reference system.
func NewShape(g orb.Geometry) Shape {
	return Shape{Geometry: g, SRID: WorkingSRID}
}

func (s Shape) IsZero() bool { return isEmpty(s.Geometry) }

// MultiPolygon returns the polygonal content of s, or nil if s is not
// polygonal.
func (s Shape) MultiPolygon() orb.MultiPolygon {
	mp, err := ToMultiPolygon(s.Geometry)
	if err != nil {
		return nil
	}
	return mp
}

// Point returns the point content of s.
func (s Shape) Point() (orb.Point, bool) {
	p, ok := s.Geometry.(orb.Point)
	return p, ok
}

func (s Shape) Value() (driver.Value, error) {
	if s.Geometry == nil {
		return nil, nil
	}
	srid := s.SRID
	if srid == 0 {
		srid = WorkingSRID
	}
	return ewkb.MarshalToHex(s.Geometry, srid)
}

func (s *Shape) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Shape{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("geo: cannot scan %T into Shape", src)
	}

	if isHex(data) {
		decoded := make([]byte, hex.DecodedLen(len(data)))
		if _, err := hex.Decode(decoded, data); err != nil {
			return fmt.Errorf("geo: decode hex ewkb: %w", err)
		}
		data = decoded
	}

	g, srid, err := ewkb.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("geo: unmarshal ewkb: %w", err)
	}
	s.Geometry = g
	s.SRID = srid
	return nil
}

// MarshalJSON renders the shape as a GeoJSON geometry.
func (s Shape) MarshalJSON() ([]byte, error) {
	if s.Geometry == nil {
		return []byte("null"), nil
	}
	return json.Marshal(geojson.NewGeometry(s.Geometry))
}

func isHex(b []byte) bool {
	if len(b) == 0 || len(b)%2 != 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
