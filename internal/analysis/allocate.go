package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// AllocationStore is what the allocator reads and writes.
type AllocationStore interface {
	store.StudyStore
	store.CatalogStore
	store.FacilityStore
	store.FootprintStore
	store.BoundaryStore
	store.DemandStore
	store.SupplyStore
}

// Allocator spreads each facility's capacity over the boundaries of its rings.
type Allocator struct {
	Store AllocationStore
	// Workers bounds how many facilities are allocated concurrently. Values
	// below 2 allocate sequentially.
	Workers int
	Log     *zap.Logger
}

type AllocationResult struct {
	DemandModel   store.DemandModel
	SupplyModel   store.SupplyModel
	Contributions []store.SupplyContribution
	Records       []store.SupplyRecord
	Warnings      []Warning
}

// ringStep is one weighted ring footprint of an owner, in extent order.
type ringStep struct {
	footprint store.Footprint
	weight    store.RingWeight
}

// weightedRings keeps the footprints whose ring the supply model weights and
// orders them by numeric ring extent.
func weightedRings(fps []store.Footprint, weights map[uuid.UUID]store.RingWeight) []ringStep {
	var out []ringStep
	for _, f := range fps {
		w, ok := weights[f.RingID]
		if !ok {
			continue
		}
		out = append(out, ringStep{footprint: f, weight: w})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].weight.Ring.Extent < out[j].weight.Ring.Extent
	})
	return out
}

func weightIndex(m *store.SupplyModel) map[uuid.UUID]store.RingWeight {
	out := make(map[uuid.UUID]store.RingWeight, len(m.Weights))
	for _, w := range m.Weights {
		out[w.RingID] = w
	}
	return out
}

func groupFootprints(fps []store.Footprint) map[uuid.UUID][]store.Footprint {
	out := make(map[uuid.UUID][]store.Footprint)
	for _, f := range fps {
		out[f.OwnerID] = append(out[f.OwnerID], f)
	}
	return out
}

// Allocate rebuilds the study's supply contributions and supply records for a
// supply model. Only facilities located inside the study polygon allocate.
// For each of a facility's rings in increasing extent, the boundaries that
// intersect the ring but not the previous ring share
// capacity * weight in proportion to their demand.
func (a *Allocator) Allocate(ctx context.Context, studyID uuid.UUID, demandModel, supplyModel string) (AllocationResult, error) {
	log := logging.OrNop(a.Log).With(zap.Stringer("study", studyID))

	study, err := a.Store.Study(ctx, studyID)
	if err != nil {
		return AllocationResult{}, storeErr("studies", "study", studyID.String(), err)
	}
	dm, err := a.Store.DemandModelByName(ctx, demandModel)
	if err != nil {
		return AllocationResult{}, storeErr("demand_models", "demand model", demandModel, err)
	}
	sm, err := a.Store.SupplyModelByName(ctx, supplyModel)
	if err != nil {
		return AllocationResult{}, storeErr("supply_models", "supply model", supplyModel, err)
	}
	res := AllocationResult{DemandModel: *dm, SupplyModel: *sm}

	area := study.Geom.MultiPolygon()
	if area == nil {
		return res, &ValidationError{Field: "study.geom", Reason: "study has no polygon"}
	}

	records, err := a.Store.DemandRecords(ctx, studyID, dm.ID)
	if err != nil {
		return res, fmt.Errorf("load demand: %w", err)
	}
	demand := make(map[uuid.UUID]float64, len(records))
	for _, r := range records {
		demand[r.BoundaryID] = r.Value
	}

	facilities, err := a.Store.FacilitiesWithin(ctx, area)
	if err != nil {
		return res, fmt.Errorf("facilities within study: %w", err)
	}
	fps, err := a.Store.Footprints(ctx, store.OwnerFacility, facilityIDs(facilities))
	if err != nil {
		return res, fmt.Errorf("facility footprints: %w", err)
	}
	byFacility := groupFootprints(fps)
	weights := weightIndex(sm)

	type outcome struct {
		contributions []store.SupplyContribution
		warnings      []Warning
	}
	outcomes := make([]outcome, len(facilities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.Workers, 1))
	for i, f := range facilities {
		g.Go(func() error {
			cs, ws, err := a.allocateFacility(gctx, studyID, sm.ID, f, weightedRings(byFacility[f.ID], weights), demand)
			if err != nil {
				return fmt.Errorf("facility %s: %w", f.ID, err)
			}
			outcomes[i] = outcome{contributions: cs, warnings: ws}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	// Facility order, then ring order, then boundary order: the grouped sums
	// below are identical however the facilities were scheduled.
	totals := make(map[uuid.UUID]float64)
	var order []uuid.UUID
	for _, o := range outcomes {
		res.Contributions = append(res.Contributions, o.contributions...)
		res.Warnings = append(res.Warnings, o.warnings...)
		for _, c := range o.contributions {
			if _, ok := totals[c.BoundaryID]; !ok {
				order = append(order, c.BoundaryID)
			}
			totals[c.BoundaryID] += c.Value
		}
	}
	for _, b := range order {
		res.Records = append(res.Records, store.SupplyRecord{
			StudyID:       studyID,
			BoundaryID:    b,
			SupplyModelID: sm.ID,
			Value:         totals[b],
		})
	}

	if err := a.Store.ReplaceSupply(ctx, studyID, sm.ID, res.Contributions, res.Records); err != nil {
		return res, storeErr("supply_records", "study", studyID.String(), err)
	}
	log.Info("supply allocated",
		zap.String("supply_model", sm.Name),
		zap.Int("facilities", len(facilities)),
		zap.Int("contributions", len(res.Contributions)),
		zap.Int("records", len(res.Records)),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

func (a *Allocator) allocateFacility(ctx context.Context, studyID, modelID uuid.UUID, f store.Facility, rings []ringStep, demand map[uuid.UUID]float64) ([]store.SupplyContribution, []Warning, error) {
	var out []store.SupplyContribution
	var warnings []Warning
	capacity := f.Capacity()

	var previous *store.Footprint
	for _, step := range rings {
		q := store.AnnulusQuery{StudyID: studyID, Current: step.footprint.Geom.Geometry}
		if previous != nil {
			q.Previous = previous.Geom.Geometry
		}
		annulus, err := a.Store.Annulus(ctx, q)
		if err != nil {
			return nil, nil, fmt.Errorf("annulus for ring %s: %w", step.weight.Ring.Label, err)
		}

		// Boundaries without a demand record take no part in the split.
		var aggregate float64
		eligible := annulus[:0]
		for _, b := range annulus {
			v, ok := demand[b.ID]
			if !ok {
				continue
			}
			aggregate += v
			eligible = append(eligible, b)
		}

		if aggregate == 0 {
			warnings = append(warnings, Warning{
				Stage:   StageAllocation,
				Entity:  "facility:" + f.ID.String(),
				Ring:    step.weight.Ring.Label,
				Message: fmt.Sprintf("annulus of %d boundaries has zero aggregate demand; ring skipped", len(annulus)),
			})
		} else {
			for _, b := range eligible {
				out = append(out, store.SupplyContribution{
					StudyID:       studyID,
					SupplyModelID: modelID,
					FootprintID:   step.footprint.ID,
					BoundaryID:    b.ID,
					Value:         capacity * step.weight.Weight * demand[b.ID] / aggregate,
				})
			}
		}

		fp := step.footprint
		previous = &fp
	}
	return out, warnings, nil
}
