package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// AggregationStore is what the aggregator reads and writes.
type AggregationStore interface {
	AllocationStore
	store.AnalysisStore
}

// Aggregator merges demand and allocated supply into per-boundary residuals.
type Aggregator struct {
	Store   AggregationStore
	Workers int
	Log     *zap.Logger
	// Now stamps AnalyzedAt. Defaults to time.Now.
	Now func() time.Time
}

// AggregateOptions selects the models. RingModel, when set, enables ring
// redistribution: each boundary's totals become the weighted sums over its
// own rings' annuli, weighted by RingModel.
type AggregateOptions struct {
	DemandModel string
	SupplyModel string
	RingModel   string
}

type AggregateResult struct {
	Records  []store.BoundaryAnalysisRecord
	Warnings []Warning
}

// pair is a (demand, supply) total for one boundary.
type pair struct {
	demand, supply float64
}

// Aggregate rebuilds the study's analysis records and stamps the study as
// analysed once they are written.
func (a *Aggregator) Aggregate(ctx context.Context, studyID uuid.UUID, opts AggregateOptions) (AggregateResult, error) {
	log := logging.OrNop(a.Log).With(zap.Stringer("study", studyID))
	var res AggregateResult

	study, err := a.Store.Study(ctx, studyID)
	if err != nil {
		return res, storeErr("studies", "study", studyID.String(), err)
	}
	dm, err := a.Store.DemandModelByName(ctx, opts.DemandModel)
	if err != nil {
		return res, storeErr("demand_models", "demand model", opts.DemandModel, err)
	}
	sm, err := a.Store.SupplyModelByName(ctx, opts.SupplyModel)
	if err != nil {
		return res, storeErr("supply_models", "supply model", opts.SupplyModel, err)
	}

	// Pass 1: study-level supply per boundary, summed from contributions.
	contributions, err := a.Store.SupplyContributions(ctx, studyID, sm.ID)
	if err != nil {
		return res, fmt.Errorf("load contributions: %w", err)
	}
	supply := make(map[uuid.UUID]float64)
	var order []uuid.UUID
	for _, c := range contributions {
		if _, ok := supply[c.BoundaryID]; !ok {
			order = append(order, c.BoundaryID)
		}
		supply[c.BoundaryID] += c.Value
	}
	supplyRecords := make([]store.SupplyRecord, 0, len(order))
	for _, b := range order {
		supplyRecords = append(supplyRecords, store.SupplyRecord{
			StudyID: studyID, BoundaryID: b, SupplyModelID: sm.ID, Value: supply[b],
		})
	}
	if err := a.Store.ReplaceSupply(ctx, studyID, sm.ID, contributions, supplyRecords); err != nil {
		return res, storeErr("supply_records", "study", studyID.String(), err)
	}

	demandRecords, err := a.Store.DemandRecords(ctx, studyID, dm.ID)
	if err != nil {
		return res, fmt.Errorf("load demand: %w", err)
	}
	demand := make(map[uuid.UUID]float64, len(demandRecords))
	for _, r := range demandRecords {
		demand[r.BoundaryID] = r.Value
	}

	var totals map[uuid.UUID]pair
	var boundaries []store.Boundary
	if opts.RingModel == "" {
		boundaries, err = a.Store.Boundaries(ctx, studyID)
		if err != nil {
			return res, fmt.Errorf("list boundaries: %w", err)
		}
		totals = make(map[uuid.UUID]pair, len(demandRecords))
		for _, r := range demandRecords {
			totals[r.BoundaryID] = pair{demand: r.Value, supply: supply[r.BoundaryID]}
		}
	} else {
		area := study.Geom.MultiPolygon()
		if area == nil {
			return res, &ValidationError{Field: "study.geom", Reason: "study has no polygon"}
		}
		boundaries, err = a.Store.BoundariesIntersecting(ctx, studyID, area)
		if err != nil {
			return res, fmt.Errorf("boundaries within study: %w", err)
		}
		var ws []Warning
		totals, ws, err = a.redistribute(ctx, opts.RingModel, boundaries, demand, supply)
		if err != nil {
			return res, err
		}
		res.Warnings = append(res.Warnings, ws...)
	}

	for _, b := range boundaries {
		t, ok := totals[b.ID]
		if !ok {
			continue
		}
		rec := store.BoundaryAnalysisRecord{
			StudyID:       studyID,
			BoundaryID:    b.ID,
			DemandModelID: dm.ID,
			SupplyModelID: sm.ID,
			Demand:        t.demand,
			Supply:        t.supply,
			Residual:      t.demand - t.supply,
		}
		if area := geo.Area(b.Geom.Geometry); area > 0 {
			rec.ResidualGraphic = rec.Residual / area
		} else {
			res.Warnings = append(res.Warnings, Warning{
				Stage:   StageAggregation,
				Entity:  "boundary:" + b.Code,
				Message: "boundary has zero area; residualgraphic set to 0",
			})
		}
		res.Records = append(res.Records, rec)
	}

	if err := a.Store.ReplaceAnalysis(ctx, studyID, res.Records); err != nil {
		return res, storeErr("boundary_analysis", "study", studyID.String(), err)
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	at := now().UTC()
	if err := a.Store.SetAnalyzedAt(ctx, studyID, &at); err != nil {
		return res, storeErr("studies", "study", studyID.String(), err)
	}

	log.Info("analysis aggregated",
		zap.String("demand_model", dm.Name),
		zap.String("supply_model", sm.Name),
		zap.String("ring_model", opts.RingModel),
		zap.Int("records", len(res.Records)),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// redistribute walks each boundary's own rings in extent order. For every
// ring, the annulus is searched across all studies and its summed demand and
// supply, weighted by the ring, accumulate into the boundary's totals.
// Boundaries from other studies carry no values in this study's maps and add
// nothing.
func (a *Aggregator) redistribute(ctx context.Context, ringModel string, boundaries []store.Boundary, demand, supply map[uuid.UUID]float64) (map[uuid.UUID]pair, []Warning, error) {
	rm, err := a.Store.SupplyModelByName(ctx, ringModel)
	if err != nil {
		return nil, nil, storeErr("supply_models", "supply model", ringModel, err)
	}
	fps, err := a.Store.Footprints(ctx, store.OwnerBoundary, boundaryIDs(boundaries))
	if err != nil {
		return nil, nil, fmt.Errorf("boundary footprints: %w", err)
	}
	byBoundary := groupFootprints(fps)
	weights := weightIndex(rm)

	type outcome struct {
		total   pair
		ok      bool
		warning *Warning
	}
	outcomes := make([]outcome, len(boundaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.Workers, 1))
	for i, b := range boundaries {
		g.Go(func() error {
			rings := weightedRings(byBoundary[b.ID], weights)
			if len(rings) == 0 {
				outcomes[i] = outcome{warning: &Warning{
					Stage:   StageAggregation,
					Entity:  "boundary:" + b.Code,
					Message: "boundary has no weighted ring footprints; no analysis record",
				}}
				return nil
			}
			var t pair
			var previous *store.Footprint
			for _, step := range rings {
				q := store.AnnulusQuery{Current: step.footprint.Geom.Geometry}
				if previous != nil {
					q.Previous = previous.Geom.Geometry
				}
				annulus, err := a.Store.Annulus(gctx, q)
				if err != nil {
					return fmt.Errorf("boundary %s ring %s: %w", b.Code, step.weight.Ring.Label, err)
				}
				var d, s float64
				for _, n := range annulus {
					d += demand[n.ID]
					s += supply[n.ID]
				}
				t.demand += d * step.weight.Weight
				t.supply += s * step.weight.Weight
				fp := step.footprint
				previous = &fp
			}
			outcomes[i] = outcome{total: t, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	totals := make(map[uuid.UUID]pair, len(boundaries))
	var warnings []Warning
	for i, o := range outcomes {
		if o.warning != nil {
			warnings = append(warnings, *o.warning)
		}
		if o.ok {
			totals[boundaries[i].ID] = o.total
		}
	}
	return totals, warnings, nil
}
