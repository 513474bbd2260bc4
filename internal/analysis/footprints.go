package analysis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// Owner is an entity ring footprints are centred on.
type Owner struct {
	Kind   store.OwnerKind
	ID     uuid.UUID
	Origin orb.Point
}

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID.String()
}

// FacilityOwners centres rings on facility locations.
func FacilityOwners(fs []store.Facility) []Owner {
	out := make([]Owner, 0, len(fs))
	for _, f := range fs {
		p, ok := f.Geom.Point()
		if !ok {
			continue
		}
		out = append(out, Owner{Kind: store.OwnerFacility, ID: f.ID, Origin: p})
	}
	return out
}

// BoundaryOwners centres rings on boundary centroids.
func BoundaryOwners(bs []store.Boundary) []Owner {
	out := make([]Owner, 0, len(bs))
	for _, b := range bs {
		out = append(out, Owner{Kind: store.OwnerBoundary, ID: b.ID, Origin: geo.Centroid(b.Geom.Geometry)})
	}
	return out
}

// FootprintEnsurer generates the footprints owners are missing. Footprints
// are cached: an owner that already has a ring is never regenerated.
type FootprintEnsurer struct {
	Store store.FootprintStore
	Rings RingGenerator
	Log   *zap.Logger
}

type EnsureResult struct {
	Generated int
	// Failed holds one ExternalServiceError per owner the generator could not
	// serve. Those owners stay unusable until a later run succeeds.
	Failed []error
}

func (e *FootprintEnsurer) Ensure(ctx context.Context, owners []Owner, rings []store.PerimeterRing) (EnsureResult, error) {
	var res EnsureResult
	if len(owners) == 0 || len(rings) == 0 {
		return res, nil
	}
	log := logging.OrNop(e.Log)

	byKind := make(map[store.OwnerKind][]uuid.UUID)
	for _, o := range owners {
		byKind[o.Kind] = append(byKind[o.Kind], o.ID)
	}
	have := make(map[uuid.UUID]map[uuid.UUID]bool)
	for kind, ids := range byKind {
		fps, err := e.Store.Footprints(ctx, kind, ids)
		if err != nil {
			return res, fmt.Errorf("load %s footprints: %w", kind, err)
		}
		for _, f := range fps {
			if have[f.OwnerID] == nil {
				have[f.OwnerID] = make(map[uuid.UUID]bool)
			}
			have[f.OwnerID][f.RingID] = true
		}
	}

	for _, o := range owners {
		var missing []store.PerimeterRing
		for _, r := range rings {
			if !have[o.ID][r.ID] {
				missing = append(missing, r)
			}
		}
		if len(missing) == 0 {
			continue
		}
		if e.Rings == nil {
			res.Failed = append(res.Failed, &ExternalServiceError{
				Service: "routing", Entity: o.String(), Err: fmt.Errorf("no ring generator configured"),
			})
			continue
		}

		polys, err := e.Rings.Footprints(ctx, o.Origin, missing)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn("ring generation failed", zap.Stringer("owner", o), zap.Error(err))
			res.Failed = append(res.Failed, &ExternalServiceError{Service: "routing", Entity: o.String(), Err: err})
			continue
		}

		batch := make([]store.Footprint, 0, len(polys))
		for _, r := range missing {
			mp, ok := polys[r.ID]
			if !ok || len(mp) == 0 {
				continue
			}
			batch = append(batch, store.Footprint{
				OwnerKind: o.Kind,
				OwnerID:   o.ID,
				RingID:    r.ID,
				Geom:      geo.NewShape(mp),
			})
		}
		if err := e.Store.SaveFootprints(ctx, batch); err != nil {
			return res, fmt.Errorf("save footprints for %s: %w", o, err)
		}
		res.Generated += len(batch)
	}
	return res, nil
}
