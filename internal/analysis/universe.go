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

// UniverseBuilder grows a study's boundary set to cover the study polygon and
// the reach of every ring footprint inside it.
type UniverseBuilder struct {
	Store      store.UniverseStore
	SourceSRID int
	Log        *zap.Logger
}

type UniverseResult struct {
	Created  []store.Boundary
	Existing int
}

// Build materialises every source geography that intersects the union of the
// study polygon, the footprints of facilities inside it and the footprints of
// boundaries inside it. Geographies already present for the study (by code)
// are left alone.
func (u *UniverseBuilder) Build(ctx context.Context, studyID uuid.UUID) (UniverseResult, error) {
	log := logging.OrNop(u.Log).With(zap.Stringer("study", studyID))

	study, err := u.Store.Study(ctx, studyID)
	if err != nil {
		return UniverseResult{}, storeErr("studies", "study", studyID.String(), err)
	}
	area := study.Geom.MultiPolygon()
	if area == nil {
		return UniverseResult{}, &ValidationError{Field: "study.geom", Reason: "study has no polygon"}
	}

	parts := []orb.Geometry{area}

	facilities, err := u.Store.FacilitiesWithin(ctx, area)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("facilities within study: %w", err)
	}
	fps, err := u.Store.Footprints(ctx, store.OwnerFacility, facilityIDs(facilities))
	if err != nil {
		return UniverseResult{}, fmt.Errorf("facility footprints: %w", err)
	}
	for _, f := range fps {
		parts = append(parts, f.Geom.Geometry)
	}

	inside, err := u.Store.BoundariesIntersecting(ctx, studyID, area)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("boundaries within study: %w", err)
	}
	bps, err := u.Store.Footprints(ctx, store.OwnerBoundary, boundaryIDs(inside))
	if err != nil {
		return UniverseResult{}, fmt.Errorf("boundary footprints: %w", err)
	}
	for _, f := range bps {
		parts = append(parts, f.Geom.Geometry)
	}

	union := geo.Collect(parts...)
	srcUnion, err := u.Store.Transform(ctx, union, geo.WorkingSRID, u.SourceSRID)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("project union to source system: %w", err)
	}
	sources, err := u.Store.SourceGeographies(ctx, srcUnion)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("query source geographies: %w", err)
	}

	existing, err := u.Store.Boundaries(ctx, studyID)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("list boundaries: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, b := range existing {
		have[b.Code] = true
	}

	var fresh []store.SourceGeography
	for _, g := range sources {
		if !have[g.Code] {
			have[g.Code] = true
			fresh = append(fresh, g)
		}
	}
	if len(fresh) == 0 {
		log.Info("boundary universe unchanged", zap.Int("existing", len(existing)))
		return UniverseResult{Existing: len(existing)}, nil
	}

	// One projection call for the whole batch; collection order is preserved.
	batch := make(orb.Collection, len(fresh))
	for i, g := range fresh {
		batch[i] = g.Geom.Geometry
	}
	projected, err := u.Store.Transform(ctx, batch, u.SourceSRID, geo.WorkingSRID)
	if err != nil {
		return UniverseResult{}, fmt.Errorf("project geographies to working system: %w", err)
	}
	coll, ok := projected.(orb.Collection)
	if !ok || len(coll) != len(fresh) {
		return UniverseResult{}, fmt.Errorf("project geographies: got %d of %d geometries", len(coll), len(fresh))
	}

	created := make([]store.Boundary, 0, len(fresh))
	for i, g := range fresh {
		mp, err := geo.ToMultiPolygon(coll[i])
		if err != nil {
			return UniverseResult{}, &ValidationError{Field: "source_geography " + g.Code, Reason: err.Error()}
		}
		created = append(created, store.Boundary{
			ID:      uuid.New(),
			StudyID: studyID,
			Code:    g.Code,
			Geom:    geo.NewShape(mp),
		})
	}
	if err := u.Store.CreateBoundaries(ctx, created); err != nil {
		return UniverseResult{}, storeErr("boundaries", "study", studyID.String(), err)
	}

	log.Info("boundary universe expanded",
		zap.Int("created", len(created)),
		zap.Int("existing", len(existing)),
		zap.Int("footprints", len(fps)+len(bps)))
	return UniverseResult{Created: created, Existing: len(existing)}, nil
}

func facilityIDs(fs []store.Facility) []uuid.UUID {
	out := make([]uuid.UUID, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func boundaryIDs(bs []store.Boundary) []uuid.UUID {
	out := make([]uuid.UUID, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}
