package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var ErrUnsupportedProjection = errors.New("unsupported projection")

// Projector reprojects geometries between spatial reference systems.
type Projector interface {
	Transform(ctx context.Context, g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error)
}

// Planar reprojects between WGS84 and Web Mercator in process. Any other pair
// needs a database-backed projector.
type Planar struct{}

func (Planar) Transform(_ context.Context, g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error) {
	if g == nil || fromSRID == toSRID {
		return g, nil
	}
	var proj orb.Projection
	switch {
	case fromSRID == WGS84SRID && toSRID == WorkingSRID:
		proj = project.WGS84.ToMercator
	case fromSRID == WorkingSRID && toSRID == WGS84SRID:
		proj = project.Mercator.ToWGS84
	default:
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnsupportedProjection, fromSRID, toSRID)
	}
	// project.Geometry rewrites coordinates in place.
	return project.Geometry(orb.Clone(g), proj), nil
}

// ToWorking projects a WGS84 geometry into the working reference system.
func ToWorking(g orb.Geometry) orb.Geometry {
	out, _ := Planar{}.Transform(context.Background(), g, WGS84SRID, WorkingSRID)
	return out
}

// ToWGS84 projects a working-system geometry back to WGS84.
func ToWGS84(g orb.Geometry) orb.Geometry {
	out, _ := Planar{}.Transform(context.Background(), g, WorkingSRID, WGS84SRID)
	return out
}
