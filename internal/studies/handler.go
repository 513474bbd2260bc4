// Package studies is the HTTP surface: catalog listings, study creation,
// pipeline triggers and GeoJSON exports.
package studies

import (
	"context"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/tiles"
)

// Exporter publishes features as a tileset. *tiles.Publisher implements it.
type Exporter interface {
	Export(ctx context.Context, id, name string, features []*geojson.Feature) (string, error)
}

// Stager copies an export into the staging bucket. *tiles.Stager implements
// it.
type Stager interface {
	Stage(ctx context.Context, name string, data []byte) (*tiles.Staged, error)
}

// Handler serves the study routes.
type Handler struct {
	Store    store.Store
	Pipeline *analysis.Pipeline

	// Exporter and Stager are optional; publish answers 503 without an
	// Exporter.
	Exporter Exporter
	Stager   Stager

	DefaultCustomer        uuid.UUID
	DefaultCharacteristics []int64
	PublicMapKey           string
	AdminKeyHash           string

	Log *zap.Logger
}

func (h *Handler) log() *zap.Logger { return logging.OrNop(h.Log) }
