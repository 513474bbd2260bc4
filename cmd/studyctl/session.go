package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/app"
	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/store/memory"
)

type sessionOptions struct {
	Memory     bool
	Geometry   string
	Sources    string
	Facilities string
}

type session struct {
	Store    store.Store
	Services *app.Services
	Study    uuid.UUID
	memory   bool
}

func (s *session) Pipeline() *analysis.Pipeline { return s.Services.Pipeline }

// runIfMemory runs the pipeline first when the store does not outlive the
// process.
func (s *session) runIfMemory(ctx context.Context, models analysis.Options) error {
	if !s.memory {
		return nil
	}
	_, err := s.Pipeline().Run(ctx, s.Study, models)
	return err
}

func (s *session) codes(ctx context.Context) (map[uuid.UUID]string, error) {
	bs, err := s.Store.Boundaries(ctx, s.Study)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]string, len(bs))
	for _, b := range bs {
		out[b.ID] = b.Code
	}
	return out, nil
}

func openSession(ctx context.Context, opts sessionOptions, args []string) (*session, error) {
	_ = godotenv.Load(".env.local")
	cfg := config.LoadFromEnv()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if opts.Memory {
		return openMemory(ctx, cfg, opts, log)
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("study id: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pg, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := app.Build(ctx, cfg, pg, log)
	if err != nil {
		return nil, err
	}
	return &session{Store: pg, Services: svc, Study: id}, nil
}

// openMemory builds a throwaway store holding one study plus the source
// geographies and facilities read from files. Everything is WGS84, so the
// source reference system is 4326.
func openMemory(ctx context.Context, cfg config.Config, opts sessionOptions, log *zap.Logger) (*session, error) {
	if opts.Geometry == "" {
		return nil, errors.New("--geometry is required with --memory")
	}
	cfg.SourceSRID = geo.WGS84SRID
	if cfg.AllocationWorkers < 1 {
		cfg.AllocationWorkers = config.DefaultAllocationWorkers
	}

	ms := memory.New()
	svc, err := app.Build(ctx, cfg, ms, log)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(opts.Geometry)
	if err != nil {
		return nil, err
	}
	area, err := geo.ParseGeoJSON(raw)
	if err != nil {
		return nil, err
	}
	working, err := geo.ToMultiPolygon(geo.ToWorking(area))
	if err != nil {
		return nil, err
	}
	st := &store.Study{
		CustomerID:        svc.Catalog.DefaultCustomerID(),
		Name:              "memory",
		Country:           "CA",
		CharacteristicIDs: svc.Catalog.Defaults.Characteristics,
		Geom:              geo.NewShape(working),
	}
	if err := ms.CreateStudy(ctx, st); err != nil {
		return nil, err
	}

	if opts.Sources != "" {
		gs, err := readSources(opts.Sources)
		if err != nil {
			return nil, err
		}
		ms.AddSourceGeographies(gs...)
	}
	if opts.Facilities != "" {
		fs, err := readFacilities(opts.Facilities)
		if err != nil {
			return nil, err
		}
		if err := ms.UpsertFacilities(ctx, fs); err != nil {
			return nil, err
		}
	}
	return &session{Store: ms, Services: svc, Study: st.ID, memory: true}, nil
}

func readSources(path string) ([]store.SourceGeography, error) {
	var out []store.SourceGeography
	err := eachFeature(path, func(f *geojson.Feature) error {
		mp, err := geo.ToMultiPolygon(f.Geometry)
		if err != nil {
			return err
		}
		code := f.Properties.MustString("code", "")
		if code == "" {
			return errors.New("feature without code")
		}
		out = append(out, store.SourceGeography{Code: code, Geom: geo.NewShape(mp)})
		return nil
	})
	return out, err
}

func readFacilities(path string) ([]store.Facility, error) {
	var out []store.Facility
	err := eachFeature(path, func(f *geojson.Feature) error {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return fmt.Errorf("facility geometry must be a Point, got %s", f.Geometry.GeoJSONType())
		}
		out = append(out, store.Facility{
			MasterID:     f.Properties.MustString("master_id", ""),
			Name:         f.Properties.MustString("name", ""),
			RentableSqft: f.Properties.MustFloat64("rentable_sqft", 0),
			Geom:         geo.NewShape(geo.ToWorking(p)),
		})
		return nil
	})
	return out, err
}

func eachFeature(path string, fn func(*geojson.Feature) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for line := 1; ; line++ {
		raw, rerr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			feat, err := geojson.UnmarshalFeature(raw)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, line, err)
			}
			if err := fn(feat); err != nil {
				return fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
