// Package app assembles the engine and its collaborators from configuration.
// The server and the command line tools share it.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/catalog"
	"github.com/propsavant/demalytics/internal/census"
	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/db"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/routing"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/store/postgis"
	"github.com/propsavant/demalytics/internal/tiles"
)

// OpenStore connects to PostGIS and migrates the schema.
func OpenStore(ctx context.Context, cfg config.Config) (*postgis.Store, error) {
	d, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s := postgis.New(d, cfg.SourceSRID)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Services is everything a study needs beyond the store.
type Services struct {
	Catalog  *catalog.Catalog
	Pipeline *analysis.Pipeline
	// Publisher and Stager are nil when tile publishing is not configured.
	Publisher *tiles.Publisher
	Stager    *tiles.Stager
}

// Build seeds the catalog into s and wires the pipeline. Ring generation is
// left off when no routing key is configured; runs then use stored footprints
// only.
func Build(ctx context.Context, cfg config.Config, s store.Store, log *zap.Logger) (*Services, error) {
	log = logging.OrNop(log)
	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}
	if err := cat.Seed(ctx, s); err != nil {
		return nil, err
	}

	p := &analysis.Pipeline{
		Store:      s,
		SourceSRID: cfg.SourceSRID,
		Workers:    cfg.AllocationWorkers,
		Defaults: analysis.Options{
			DemandModel: cat.Defaults.DemandModel,
			SupplyModel: cat.Defaults.SupplyModel,
			RingModel:   cat.Defaults.RingModel,
		},
		Log: log,
		Values: &census.Source{
			Client: census.NewClient(cfg.Census, log),
			Prefix: cfg.Census.GeographyPrefix,
		},
	}

	if err := cfg.ValidateRouting(); err != nil {
		log.Warn("ring generation disabled", zap.Error(err))
	} else {
		c, err := routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.Profile, cfg.Routing.Key, routing.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("routing client: %w", err)
		}
		p.Rings = &routing.Footprinter{Client: c}
	}

	svc := &Services{Catalog: cat, Pipeline: p}
	if err := cfg.ValidateTiles(); err != nil {
		log.Warn("tile publishing disabled", zap.Error(err))
		return svc, nil
	}
	svc.Publisher, err = tiles.NewPublisher(cfg.Routing.BaseURL, cfg.Tiles.Username, cfg.Tiles.SecretKey, log)
	if err != nil {
		return nil, err
	}
	svc.Stager, err = tiles.NewStager(cfg.Routing.BaseURL, cfg.Tiles.Username, cfg.Tiles.SecretKey, cfg.Tiles.StagingRegion, log)
	if err != nil {
		return nil, err
	}
	svc.Stager.ArchiveBucket = cfg.Tiles.StagingBucket
	return svc, nil
}
