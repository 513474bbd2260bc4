package routing

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

// Isochroner is the part of Client the Footprinter needs.
type Isochroner interface {
	Isochrones(ctx context.Context, origin orb.Point, minutes []int) ([]Contour, error)
}

// Footprinter turns isochrones into ring footprints in the working reference
// system. Rings are matched to contours by their extent in whole minutes.
type Footprinter struct {
	Client Isochroner
}

func (f *Footprinter) Footprints(ctx context.Context, origin orb.Point, rings []store.PerimeterRing) (map[uuid.UUID]orb.MultiPolygon, error) {
	byMinutes := make(map[int][]uuid.UUID, len(rings))
	minutes := make([]int, 0, len(rings))
	for _, r := range rings {
		m := int(math.Round(r.Extent))
		if m <= 0 {
			return nil, fmt.Errorf("ring %s: extent %v is not a drive time", r.Label, r.Extent)
		}
		if _, ok := byMinutes[m]; !ok {
			minutes = append(minutes, m)
		}
		byMinutes[m] = append(byMinutes[m], r.ID)
	}

	lonLat, ok := geo.ToWGS84(origin).(orb.Point)
	if !ok {
		return nil, fmt.Errorf("origin is not a point")
	}
	contours, err := f.Client.Isochrones(ctx, lonLat, minutes)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]orb.MultiPolygon, len(rings))
	for _, c := range contours {
		ids, ok := byMinutes[c.Minutes]
		if !ok {
			continue
		}
		mp, err := geo.ToMultiPolygon(geo.ToWorking(c.Geometry))
		if err != nil {
			return nil, fmt.Errorf("contour %d: %w", c.Minutes, err)
		}
		for _, id := range ids {
			out[id] = mp
		}
	}
	return out, nil
}
