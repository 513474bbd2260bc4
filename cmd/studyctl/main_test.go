package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/store"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadSources(t *testing.T) {
	path := writeFile(t, "sources.ndjson",
		`{"type":"Feature","properties":{"code":"10010001"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`+"\n\n")

	gs, err := readSources(path)
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.Equal(t, "10010001", gs[0].Code)
	assert.IsType(t, orb.MultiPolygon{}, gs[0].Geom.Geometry)
}

func TestReadSourcesRequiresCode(t *testing.T) {
	path := writeFile(t, "sources.ndjson",
		`{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`)

	_, err := readSources(path)
	assert.ErrorContains(t, err, "sources.ndjson:1")
}

func TestReadFacilitiesProjects(t *testing.T) {
	path := writeFile(t, "stores.ndjson",
		`{"type":"Feature","properties":{"master_id":"m1","name":"A","rentable_sqft":52000},"geometry":{"type":"Point","coordinates":[0.009,0]}}`)

	fs, err := readFacilities(path)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, 52000.0, fs[0].RentableSqft)
	p, ok := fs[0].Geom.Point()
	require.True(t, ok)
	assert.InDelta(t, 1001.9, p[0], 1)
}

func TestPrintResultsOrdersByResidual(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	recs := []store.BoundaryAnalysisRecord{
		{BoundaryID: a, Demand: 10, Supply: 30, Residual: -20},
		{BoundaryID: b, Demand: 50, Supply: 10, Residual: 40},
	}
	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, recs, map[uuid.UUID]string{a: "A1", b: "B2"}, 0))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "B2")
	assert.Contains(t, lines[2], "A1")
}

func TestPrintResultsLimit(t *testing.T) {
	recs := []store.BoundaryAnalysisRecord{{BoundaryID: uuid.New()}, {BoundaryID: uuid.New()}}
	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, recs, nil, 1))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}
