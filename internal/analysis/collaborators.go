package analysis

import (
	"context"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/propsavant/demalytics/internal/store"
)

// RingGenerator produces ring footprints around an origin. Origins and
// footprints are in the working reference system. Rings the generator could
// not produce are absent from the result.
type RingGenerator interface {
	Footprints(ctx context.Context, origin orb.Point, rings []store.PerimeterRing) (map[uuid.UUID]orb.MultiPolygon, error)
}

// CodeValue is one census observation for a boundary code.
type CodeValue struct {
	Code             string
	CharacteristicID int64
	Value            float64
}

// ValueSource fetches characteristic values for boundary codes.
type ValueSource interface {
	Values(ctx context.Context, codes []string, characteristicIDs []int64) ([]CodeValue, error)
}
