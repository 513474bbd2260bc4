package studies_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/catalog"
	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/store/memory"
	"github.com/propsavant/demalytics/internal/studies"
)

const adminKey = "let-me-in"

type squareRings struct{}

func (squareRings) Footprints(_ context.Context, o orb.Point, rings []store.PerimeterRing) (map[uuid.UUID]orb.MultiPolygon, error) {
	out := make(map[uuid.UUID]orb.MultiPolygon, len(rings))
	for _, r := range rings {
		h := r.Extent * 50
		out[r.ID] = orb.MultiPolygon{{{{o[0] - h, o[1] - h}, {o[0] + h, o[1] - h}, {o[0] + h, o[1] + h}, {o[0] - h, o[1] + h}, {o[0] - h, o[1] - h}}}}
	}
	return out, nil
}

type flatValues float64

func (v flatValues) Values(_ context.Context, codes []string, ids []int64) ([]analysis.CodeValue, error) {
	var out []analysis.CodeValue
	for _, c := range codes {
		for _, id := range ids {
			out = append(out, analysis.CodeValue{Code: c, CharacteristicID: id, Value: float64(v)})
		}
	}
	return out, nil
}

type fakeExporter struct {
	id    string
	count int
}

func (e *fakeExporter) Export(_ context.Context, id, _ string, fs []*geojson.Feature) (string, error) {
	e.id, e.count = id, len(fs)
	return "job-7", nil
}

type env struct {
	srv      *httptest.Server
	store    *memory.Store
	exporter *fakeExporter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

// newEnvWith serves a store wrapped by wrap. The env keeps the unwrapped
// memory store for seeding.
func newEnvWith(t *testing.T, wrap func(*memory.Store) store.Store) *env {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	var served store.Store = s
	if wrap != nil {
		served = wrap(s)
	}
	cat, err := catalog.Load()
	require.NoError(t, err)
	require.NoError(t, cat.Seed(ctx, s))

	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)

	exp := &fakeExporter{}
	h := &studies.Handler{
		Store: served,
		Pipeline: &analysis.Pipeline{
			Store:      served,
			Rings:      squareRings{},
			Values:     flatValues(10),
			SourceSRID: geo.WorkingSRID,
			Defaults:   analysis.Options{DemandModel: cat.Defaults.DemandModel, SupplyModel: cat.Defaults.SupplyModel},
		},
		Exporter:               exp,
		DefaultCustomer:        cat.DefaultCustomerID(),
		DefaultCharacteristics: cat.Defaults.Characteristics,
		PublicMapKey:           "pk.public",
		AdminKeyHash:           string(hash),
	}
	srv := httptest.NewServer(h.SetupRoutes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: s, exporter: exp}
}

func (e *env) do(t *testing.T, method, path, body string, admin bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// A polygon of roughly 1 km around lon/lat (0.0045, 0.0045).
const studyBody = `{"name":"Downtown","geometry":{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[0.009,0],[0.009,0.009],[0,0.009],[0,0]]]}}}`

func (e *env) createStudy(t *testing.T) store.Study {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/studies", studyBody, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var st store.Study
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestConfigServesPublicKeyOnly(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/config", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg studies.ConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "pk.public", cfg.MapKey)
	assert.Equal(t, "CSSVS", cfg.DemandModel)
}

func TestListSupplyModels(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/supply-models", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ms []store.SupplyModel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ms))
	require.NotEmpty(t, ms)
	assert.Equal(t, "CSSVS10", ms[0].Name)
}

func TestCreateStudy(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)

	stored, err := e.store.Study(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, "Downtown", stored.Name)
	assert.Len(t, []int64(stored.CharacteristicIDs), 10)

	// Stored in metres, not degrees.
	b := stored.Geom.Geometry.Bound()
	assert.InDelta(t, 1001.9, b.Max[0], 1)
}

func TestCreateStudyRequiresAdminKey(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/studies", studyBody, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateStudyRejectsPoint(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/studies", `{"name":"x","geometry":{"type":"Point","coordinates":[0,0]}}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResultsBeforeProcessingConflict(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)
	resp := e.do(t, http.MethodGet, "/studies/"+st.ID.String()+"/boundaries.geojson", "", false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownStudyIsNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/studies/"+uuid.NewString()+"/process", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/studies/not-a-uuid", "", false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownModelReportsStage(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)
	resp := e.do(t, http.MethodPost, "/studies/"+st.ID.String()+"/process", `{"supply_model":"nope"}`, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Stage string `json:"stage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "facility_rings", body.Stage)
}

func TestProcessThenExport(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)
	ctx := context.Background()

	e.store.AddSourceGeographies(store.SourceGeography{
		Code: "35200001",
		Geom: geo.NewShape(orb.MultiPolygon{{{{0, 0}, {1000, 0}, {1000, 1000}, {0, 1000}, {0, 0}}}}),
	})
	require.NoError(t, e.store.UpsertFacilities(ctx, []store.Facility{
		{MasterID: "m1", Name: "Store A", RentableSqft: 40000, Geom: geo.NewShape(orb.Point{500, 500})},
	}))

	resp := e.do(t, http.MethodPost, "/studies/"+st.ID.String()+"/process", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report analysis.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.BoundariesCreated)
	assert.Equal(t, 1, report.AnalysisRecords)

	resp = e.do(t, http.MethodGet, "/studies/"+st.ID.String()+"/boundaries.geojson", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fc struct {
		Features []json.RawMessage `json:"features"`
		Metadata struct {
			MaxResidual  float64 `json:"max_residual"`
			FeatureCount int     `json:"feature_count"`
		} `json:"metadata"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fc))
	assert.Len(t, fc.Features, 1)
	assert.Equal(t, 1, fc.Metadata.FeatureCount)
	assert.Greater(t, fc.Metadata.MaxResidual, 0.0)

	resp = e.do(t, http.MethodGet, "/studies/"+st.ID.String()+"/stores.geojson", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stores struct {
		Metadata struct {
			MinSqft float64 `json:"min_sqft"`
			MaxSqft float64 `json:"max_sqft"`
		} `json:"metadata"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stores))
	assert.Equal(t, 40000.0, stores.Metadata.MinSqft)
	assert.Equal(t, 40000.0, stores.Metadata.MaxSqft)

	resp = e.do(t, http.MethodPost, "/studies/"+st.ID.String()+"/publish", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pub studies.PublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pub))
	assert.Equal(t, "job-7", pub.JobID)
	assert.Equal(t, studies.TilesetID(st.ID), e.exporter.id)
	assert.Equal(t, 1, e.exporter.count)
}

func TestProcessWhileBusy(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)
	unlock, err := e.store.LockStudy(context.Background(), st.ID)
	require.NoError(t, err)
	defer unlock()

	resp := e.do(t, http.MethodPost, "/studies/"+st.ID.String()+"/process", "", true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// duplicateDemand rejects every demand rebuild with a unique-key violation.
type duplicateDemand struct {
	*memory.Store
}

func (duplicateDemand) ReplaceDemand(context.Context, uuid.UUID, uuid.UUID, []store.DemandRecord) error {
	return store.ErrDuplicate
}

func TestInconsistentRebuildConflicts(t *testing.T) {
	e := newEnvWith(t, func(s *memory.Store) store.Store { return duplicateDemand{s} })
	st := e.createStudy(t)
	e.store.AddSourceGeographies(store.SourceGeography{
		Code: "35200001",
		Geom: geo.NewShape(orb.MultiPolygon{{{{0, 0}, {1000, 0}, {1000, 1000}, {0, 1000}, {0, 0}}}}),
	})

	resp := e.do(t, http.MethodPost, "/studies/"+st.ID.String()+"/process", "", true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Stage string `json:"stage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "demand", body.Stage)
}

func TestStoresWithoutFacilities(t *testing.T) {
	e := newEnv(t)
	st := e.createStudy(t)

	resp := e.do(t, http.MethodGet, "/studies/"+st.ID.String()+"/stores.geojson", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stores struct {
		Features []json.RawMessage `json:"features"`
		Metadata struct {
			MinSqft      float64 `json:"min_sqft"`
			MaxSqft      float64 `json:"max_sqft"`
			FeatureCount int     `json:"feature_count"`
		} `json:"metadata"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stores))
	assert.Empty(t, stores.Features)
	assert.Zero(t, stores.Metadata.FeatureCount)
	assert.Zero(t, stores.Metadata.MinSqft)
	assert.Equal(t, 1.0, stores.Metadata.MaxSqft)
}
