// Command load-geographies bulk loads census dissemination areas from a
// newline delimited GeoJSON file. Geometries must already be in the source
// reference system (SOURCE_GEOGRAPHY_SRID).
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/geojson"

	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/geo"
)

var columns = []string{"code", "dguid", "province", "land_area", "geom"}

const createTemp = `CREATE TEMP TABLE tmp_source_geographies (
	code text, dguid text, province text, land_area double precision, geom bytea
) ON COMMIT DROP`

const mergeTemp = `INSERT INTO demalytics.source_geographies (code, dguid, province, land_area, geom)
SELECT code, dguid, province, land_area, ST_Multi(ST_GeomFromEWKB(geom))
FROM tmp_source_geographies
ON CONFLICT (code) DO UPDATE SET
	dguid = EXCLUDED.dguid,
	province = EXCLUDED.province,
	land_area = EXCLUDED.land_area,
	geom = EXCLUDED.geom`

func main() {
	path := flag.String("file", "", "NDJSON file of GeoJSON features (- for stdin)")
	batch := flag.Int("batch", 5000, "rows per COPY batch")
	flag.Parse()
	if *path == "" {
		log.Fatal("❌ --file is required")
	}

	_ = godotenv.Load(".env.local")
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	in := os.Stdin
	if *path != "-" {
		f, err := os.Open(*path)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Database: %v", err)
	}
	defer conn.Close(ctx)

	total := 0
	err = readRows(in, cfg.SourceSRID, *batch, func(rows [][]any) error {
		if err := load(ctx, conn, rows); err != nil {
			return err
		}
		total += len(rows)
		fmt.Printf("  loaded %d geographies\n", total)
		return nil
	})
	if err != nil {
		log.Fatalf("❌ Load failed after %d rows: %v", total, err)
	}
	fmt.Printf("✓ Loaded %d source geographies\n", total)
}

// load copies one batch into a temp table and merges it by code.
func load(ctx context.Context, conn *pgx.Conn, rows [][]any) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_source_geographies"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeTemp); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return tx.Commit(ctx)
}

// readRows decodes one feature per line and hands rows to flush in batches.
// Blank lines are skipped.
func readRows(r io.Reader, srid, batch int, flush func([][]any) error) error {
	if batch < 1 {
		batch = 1
	}
	br := bufio.NewReader(r)
	rows := make([][]any, 0, batch)
	for line := 1; ; line++ {
		raw, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			row, rerr := rowOf(raw, srid)
			if rerr != nil {
				return fmt.Errorf("line %d: %w", line, rerr)
			}
			rows = append(rows, row)
			if len(rows) == batch {
				if ferr := flush(rows); ferr != nil {
					return ferr
				}
				rows = make([][]any, 0, batch)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		return flush(rows)
	}
	return nil
}

func rowOf(raw []byte, srid int) ([]any, error) {
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		return nil, err
	}
	code := f.Properties.MustString("code", "")
	if code == "" {
		// Statistics Canada files carry the id as a number under DAUID.
		switch v := f.Properties["DAUID"].(type) {
		case string:
			code = v
		case float64:
			code = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if _, err := strconv.ParseUint(code, 10, 64); err != nil {
		return nil, fmt.Errorf("code %q is not numeric", code)
	}
	mp, err := geo.ToMultiPolygon(f.Geometry)
	if err != nil {
		return nil, fmt.Errorf("code %s: %w", code, err)
	}
	wkb, err := ewkb.Marshal(mp, srid)
	if err != nil {
		return nil, err
	}
	return []any{
		code,
		f.Properties.MustString("dguid", f.Properties.MustString("DGUID", "")),
		f.Properties.MustString("province", f.Properties.MustString("PRUID", "")),
		f.Properties.MustFloat64("land_area", f.Properties.MustFloat64("LANDAREA", 0)),
		wkb,
	}, nil
}
