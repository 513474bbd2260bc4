// Package analysis is the demand and supply engine. A pipeline run for one
// study builds the boundary universe, scores demand, allocates facility
// capacity over drive-time rings and aggregates residuals per boundary.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// Options names the models a run uses. Empty fields fall back to the
// pipeline defaults.
type Options struct {
	DemandModel string `json:"demand_model,omitempty"`
	SupplyModel string `json:"supply_model,omitempty"`
	RingModel   string `json:"ring_model,omitempty"`
}

func (o Options) withDefaults(d Options) Options {
	if o.DemandModel == "" {
		o.DemandModel = d.DemandModel
	}
	if o.SupplyModel == "" {
		o.SupplyModel = d.SupplyModel
	}
	if o.RingModel == "" {
		o.RingModel = d.RingModel
	}
	return o
}

// Pipeline runs the stages for one study strictly in order under a per-study
// lock. Every stage rebuilds its output from scratch, so rerunning a study
// converges to the same records.
type Pipeline struct {
	Store store.Store
	// Rings generates missing ring footprints. Nil disables generation; owners
	// without footprints are then reported and left out.
	Rings RingGenerator
	// Values refreshes census values. Nil keeps the values already stored.
	Values     ValueSource
	SourceSRID int
	Workers    int
	Defaults   Options
	Log        *zap.Logger
	Now        func() time.Time
}

func (p *Pipeline) log() *zap.Logger { return logging.OrNop(p.Log) }

func (p *Pipeline) aggregator() *Aggregator {
	return &Aggregator{Store: p.Store, Workers: p.Workers, Log: p.Log, Now: p.Now}
}

// Run executes the full pipeline: facility rings, universe, boundary rings,
// universe again for what those rings reach, census values, demand, allocation and aggregation. Per-entity ring failures
// are collected in the report and do not stop the run.
func (p *Pipeline) Run(ctx context.Context, studyID uuid.UUID, opts Options) (*Report, error) {
	opts = opts.withDefaults(p.Defaults)
	if opts.DemandModel == "" || opts.SupplyModel == "" {
		return nil, &ValidationError{Field: "options", Reason: "demand and supply models are required"}
	}

	unlock, err := p.begin(ctx, studyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := p.log().With(zap.Stringer("study", studyID))
	report := &Report{StudyID: studyID.String()}
	start := time.Now()

	study, err := p.Store.Study(ctx, studyID)
	if err != nil {
		return nil, storeErr("studies", "study", studyID.String(), err)
	}
	area := study.Geom.MultiPolygon()
	if area == nil {
		return nil, &ValidationError{Field: "study.geom", Reason: "study has no polygon"}
	}

	supplyRings, err := p.modelRings(ctx, opts.SupplyModel)
	if err != nil {
		return report, &StageError{Stage: StageFacilityRings, Err: err}
	}
	boundaryRings := supplyRings
	if opts.RingModel != "" {
		if boundaryRings, err = p.modelRings(ctx, opts.RingModel); err != nil {
			return report, &StageError{Stage: StageBoundaryRings, Err: err}
		}
	}

	ensurer := &FootprintEnsurer{Store: p.Store, Rings: p.Rings, Log: p.Log}

	// Facility footprints first: they widen the universe.
	facilities, err := p.Store.FacilitiesWithin(ctx, area)
	if err != nil {
		return report, &StageError{Stage: StageFacilityRings, Err: err}
	}
	er, err := ensurer.Ensure(ctx, FacilityOwners(facilities), supplyRings)
	if err != nil {
		return report, &StageError{Stage: StageFacilityRings, Err: err}
	}
	report.FootprintsCreated += er.Generated
	report.entityError(er.Failed...)

	universe := &UniverseBuilder{Store: p.Store, SourceSRID: p.SourceSRID, Log: p.Log}
	ur, err := universe.Build(ctx, studyID)
	if err != nil {
		return report, &StageError{Stage: StageUniverse, Err: err}
	}
	report.BoundariesCreated = len(ur.Created)

	// New boundaries inside the study need their own rings before they can
	// redistribute.
	inside, err := p.Store.BoundariesIntersecting(ctx, studyID, area)
	if err != nil {
		return report, &StageError{Stage: StageBoundaryRings, Err: err}
	}
	er, err = ensurer.Ensure(ctx, BoundaryOwners(inside), boundaryRings)
	if err != nil {
		return report, &StageError{Stage: StageBoundaryRings, Err: err}
	}
	report.FootprintsCreated += er.Generated
	report.entityError(er.Failed...)

	// Boundary rings widen the universe too. Everything inside the study
	// already exists, so one more pass reaches the fixed point.
	ur, err = universe.Build(ctx, studyID)
	if err != nil {
		return report, &StageError{Stage: StageUniverse, Err: err}
	}
	report.BoundariesCreated += len(ur.Created)

	if p.Values != nil {
		loader := &ValueLoader{Store: p.Store, Source: p.Values, Log: p.Log}
		n, err := loader.Load(ctx, studyID)
		if err != nil {
			return report, &StageError{Stage: StageValues, Err: err}
		}
		report.ValuesLoaded = n
	}

	estimator := &DemandEstimator{Store: p.Store, Log: p.Log}
	dr, err := estimator.Estimate(ctx, studyID, opts.DemandModel)
	if err != nil {
		return report, &StageError{Stage: StageDemand, Err: err}
	}
	report.DemandRecords = len(dr.Records)
	report.DemandSkipped = len(dr.Skipped)

	allocator := &Allocator{Store: p.Store, Workers: p.Workers, Log: p.Log}
	ar, err := allocator.Allocate(ctx, studyID, opts.DemandModel, opts.SupplyModel)
	if err != nil {
		return report, &StageError{Stage: StageAllocation, Err: err}
	}
	report.Contributions = len(ar.Contributions)
	report.SupplyRecords = len(ar.Records)
	report.warn(ar.Warnings...)

	gr, err := p.aggregator().Aggregate(ctx, studyID, AggregateOptions(opts))
	if err != nil {
		return report, &StageError{Stage: StageAggregation, Err: err}
	}
	report.AnalysisRecords = len(gr.Records)
	report.warn(gr.Warnings...)

	for _, w := range report.Warnings {
		log.Warn("run warning", zap.String("stage", string(w.Stage)), zap.String("entity", w.Entity),
			zap.String("ring", w.Ring), zap.String("message", w.Message))
	}
	log.Info("pipeline complete",
		zap.Int("boundaries_created", report.BoundariesCreated),
		zap.Int("analysis_records", report.AnalysisRecords),
		zap.Int("entity_errors", len(report.EntityErrors)),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// Analyze reruns only the aggregation pass over the stored demand and supply.
func (p *Pipeline) Analyze(ctx context.Context, studyID uuid.UUID, opts Options) (*Report, error) {
	opts = opts.withDefaults(p.Defaults)
	if opts.DemandModel == "" || opts.SupplyModel == "" {
		return nil, &ValidationError{Field: "options", Reason: "demand and supply models are required"}
	}
	unlock, err := p.begin(ctx, studyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report := &Report{StudyID: studyID.String()}
	gr, err := p.aggregator().Aggregate(ctx, studyID, AggregateOptions(opts))
	if err != nil {
		return report, &StageError{Stage: StageAggregation, Err: err}
	}
	report.AnalysisRecords = len(gr.Records)
	report.warn(gr.Warnings...)
	return report, nil
}

// begin takes the study lock and withdraws the current results so no reader
// sees them while they are being rebuilt.
func (p *Pipeline) begin(ctx context.Context, studyID uuid.UUID) (func(), error) {
	unlock, err := p.Store.LockStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if err := p.Store.SetAnalyzedAt(ctx, studyID, nil); err != nil {
		unlock()
		return nil, storeErr("studies", "study", studyID.String(), err)
	}
	return unlock, nil
}

func (p *Pipeline) modelRings(ctx context.Context, name string) ([]store.PerimeterRing, error) {
	m, err := p.Store.SupplyModelByName(ctx, name)
	if err != nil {
		return nil, storeErr("supply_models", "supply model", name, err)
	}
	out := make([]store.PerimeterRing, 0, len(m.Weights))
	for _, w := range m.Weights {
		out = append(out, w.Ring)
	}
	return out, nil
}

// Results returns the study's analysis records once an aggregation pass has
// completed.
func (p *Pipeline) Results(ctx context.Context, studyID uuid.UUID) (*store.Study, []store.BoundaryAnalysisRecord, error) {
	study, err := p.Store.Study(ctx, studyID)
	if err != nil {
		return nil, nil, storeErr("studies", "study", studyID.String(), err)
	}
	if study.AnalyzedAt == nil {
		return study, nil, ErrResultsNotReady
	}
	recs, err := p.Store.AnalysisRecords(ctx, studyID)
	if err != nil {
		return study, nil, fmt.Errorf("load analysis: %w", err)
	}
	return study, recs, nil
}

// IsBusy reports whether err means another run holds the study.
func IsBusy(err error) bool {
	return errors.Is(err, store.ErrStudyBusy)
}
