package analysis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
)

// ValueLoader refreshes a study's characteristic values from the census
// collaborator.
type ValueLoader struct {
	Store interface {
		store.StudyStore
		store.BoundaryStore
		store.ValueStore
	}
	Source ValueSource
	Log    *zap.Logger
}

// Load replaces the study's characteristic values with fresh observations for
// every boundary and every characteristic the study tracks. It returns the
// number of values written.
func (l *ValueLoader) Load(ctx context.Context, studyID uuid.UUID) (int, error) {
	study, err := l.Store.Study(ctx, studyID)
	if err != nil {
		return 0, storeErr("studies", "study", studyID.String(), err)
	}
	if len(study.CharacteristicIDs) == 0 {
		return 0, &ValidationError{Field: "study.characteristic_ids", Reason: "study tracks no characteristics"}
	}
	boundaries, err := l.Store.Boundaries(ctx, studyID)
	if err != nil {
		return 0, fmt.Errorf("list boundaries: %w", err)
	}
	if len(boundaries) == 0 {
		return 0, nil
	}

	byCode := make(map[string]uuid.UUID, len(boundaries))
	codes := make([]string, 0, len(boundaries))
	for _, b := range boundaries {
		byCode[b.Code] = b.ID
		codes = append(codes, b.Code)
	}

	obs, err := l.Source.Values(ctx, codes, study.CharacteristicIDs)
	if err != nil {
		return 0, &ExternalServiceError{Service: "census", Entity: "study:" + studyID.String(), Err: err}
	}

	type key struct {
		b uuid.UUID
		c int64
	}
	seen := make(map[key]bool, len(obs))
	values := make([]store.CharacteristicValue, 0, len(obs))
	for _, o := range obs {
		bid, ok := byCode[o.Code]
		if !ok {
			continue
		}
		k := key{bid, o.CharacteristicID}
		if seen[k] {
			continue
		}
		seen[k] = true
		values = append(values, store.CharacteristicValue{
			StudyID:          studyID,
			BoundaryID:       bid,
			CharacteristicID: o.CharacteristicID,
			Value:            o.Value,
		})
	}

	if err := l.Store.ReplaceCharacteristicValues(ctx, studyID, values); err != nil {
		return 0, storeErr("characteristic_values", "study", studyID.String(), err)
	}
	logging.OrNop(l.Log).Info("characteristic values loaded",
		zap.Stringer("study", studyID),
		zap.Int("boundaries", len(boundaries)),
		zap.Int("values", len(values)))
	return len(values), nil
}
