package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// Evaluate computes a demand score from model terms. lookup reports a
// characteristic's value and whether it is present. Every missing
// characteristic is returned; the score is only meaningful when none are.
func Evaluate(terms []store.Term, lookup func(int64) (float64, bool)) (float64, []int64) {
	var total float64
	var missing []int64
	for _, t := range terms {
		prod := t.Coefficient
		for _, factor := range t.Factors {
			var sum float64
			for _, id := range factor {
				v, ok := lookup(id)
				if !ok {
					missing = append(missing, id)
					continue
				}
				sum += v
			}
			prod *= sum
		}
		total += prod
	}
	return total, missing
}

// DemandEstimator computes one demand record per boundary for a demand model.
type DemandEstimator struct {
	Store interface {
		store.BoundaryStore
		store.ValueStore
		store.DemandStore
		store.CatalogStore
	}
	Log *zap.Logger
}

type DemandResult struct {
	Model   store.DemandModel
	Records []store.DemandRecord
	// Skipped lists boundaries lacking a characteristic the model reads.
	Skipped []uuid.UUID
}

// Estimate rebuilds the study's demand records for the named model. A
// boundary missing any referenced characteristic value gets no record.
func (d *DemandEstimator) Estimate(ctx context.Context, studyID uuid.UUID, modelName string) (DemandResult, error) {
	log := logging.OrNop(d.Log)

	model, err := d.Store.DemandModelByName(ctx, modelName)
	if err != nil {
		return DemandResult{}, storeErr("demand_models", "demand model", modelName, err)
	}
	res := DemandResult{Model: *model}

	values, err := d.Store.CharacteristicValues(ctx, studyID)
	if err != nil {
		return res, fmt.Errorf("load characteristic values: %w", err)
	}
	byBoundary := make(map[uuid.UUID]map[int64]float64)
	for _, v := range values {
		m := byBoundary[v.BoundaryID]
		if m == nil {
			m = make(map[int64]float64)
			byBoundary[v.BoundaryID] = m
		}
		m[v.CharacteristicID] = v.Value
	}

	boundaries, err := d.Store.Boundaries(ctx, studyID)
	if err != nil {
		return res, fmt.Errorf("list boundaries: %w", err)
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Code < boundaries[j].Code })

	for _, b := range boundaries {
		vals := byBoundary[b.ID]
		score, missing := Evaluate(model.Terms, func(id int64) (float64, bool) {
			v, ok := vals[id]
			return v, ok
		})
		if len(missing) > 0 {
			res.Skipped = append(res.Skipped, b.ID)
			log.Debug("demand skipped",
				zap.String("boundary", b.Code),
				zap.Int64s("missing", missing))
			continue
		}
		res.Records = append(res.Records, store.DemandRecord{
			StudyID:       studyID,
			BoundaryID:    b.ID,
			DemandModelID: model.ID,
			Value:         score,
		})
	}

	if err := d.Store.ReplaceDemand(ctx, studyID, model.ID, res.Records); err != nil {
		return res, storeErr("demand_records", "study", studyID.String(), err)
	}
	log.Info("demand estimated",
		zap.Stringer("study", studyID),
		zap.String("model", model.Name),
		zap.Int("records", len(res.Records)),
		zap.Int("skipped", len(res.Skipped)))
	return res, nil
}
