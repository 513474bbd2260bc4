package tiles

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

func square() orb.MultiPolygon {
	return orb.MultiPolygon{{{{0, 0}, {1000, 0}, {1000, 1000}, {0, 1000}, {0, 0}}}}
}

func TestAnalysisFeatures(t *testing.T) {
	b := store.Boundary{ID: uuid.New(), Code: "35200001", Geom: geo.NewShape(square())}
	recs := []store.BoundaryAnalysisRecord{
		{BoundaryID: b.ID, Demand: 85, Supply: 30000, Residual: -29915, ResidualGraphic: -0.029915},
		{BoundaryID: uuid.New(), Demand: 1},
	}

	feats := AnalysisFeatures(recs, []store.Boundary{b})
	require.Len(t, feats, 1)
	f := feats[0]
	assert.Equal(t, "35200001", f.Properties["code"])
	assert.Equal(t, -29915.0, f.Properties["residual"])

	// Reprojected to lon/lat: 1000 m is well under a degree.
	bound := f.Geometry.Bound()
	assert.Less(t, bound.Max[0], 0.01)
	assert.Less(t, bound.Max[1], 0.01)
}

func TestWriteNDJSON(t *testing.T) {
	fs := FacilityFeatures([]store.Facility{
		{ID: uuid.New(), Name: "A", RentableSqft: 50000, Geom: geo.NewShape(orb.Point{0, 0})},
		{ID: uuid.New(), Name: "B", RentableSqft: 100, Geom: geo.NewShape(orb.Point{10, 10})},
	})

	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(&buf, fs))

	sc := bufio.NewScanner(&buf)
	var names []string
	for sc.Scan() {
		f, err := geojson.UnmarshalFeature(sc.Bytes())
		require.NoError(t, err)
		names = append(names, f.Properties.MustString("name"))
	}
	assert.Equal(t, []string{"A", "B"}, names)
}

func TestExportFlow(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk.test", r.URL.Query().Get("access_token"))
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/tilesets/v1/sources/"):
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
			fmt.Fprint(w, `{"id":"mapbox://tileset-source/acme/study","files":1}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/publish"):
			fmt.Fprint(w, `{"message":"Processing acme.study","jobId":"job-1"}`)
		case r.Method == http.MethodPost:
			var body struct {
				Recipe Recipe `json:"recipe"`
				Name   string `json:"name"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "mapbox://tileset-source/acme/study", body.Recipe.Layers["study"].Source)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message":"Tileset acme.study already exists"}`)
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p, err := NewPublisher(srv.URL, "acme", "sk.test", nil)
	require.NoError(t, err)
	feats := []*geojson.Feature{geojson.NewFeature(orb.Point{1, 2})}
	job, err := p.Export(context.Background(), "study", "Study", feats)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job)
	assert.Equal(t, []string{
		"DELETE /tilesets/v1/sources/acme/study",
		"POST /tilesets/v1/sources/acme/study",
		"POST /tilesets/v1/acme.study",
		"PATCH /tilesets/v1/acme.study/recipe",
		"POST /tilesets/v1/acme.study/publish",
	}, calls)
}

func TestPublisherReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Not Authorized - Invalid Token"}`)
	}))
	defer srv.Close()

	p, err := NewPublisher(srv.URL, "acme", "bad", nil)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "study")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Not Authorized - Invalid Token", apiErr.Message)
}

func TestNewPublisherRequiresCredentials(t *testing.T) {
	_, err := NewPublisher("http://x", "", "token", nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestStageUploadsWithTemporaryCredentials(t *testing.T) {
	var mu sync.Mutex
	var put struct {
		path string
		body []byte
		auth string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/uploads/v1/acme/credentials":
			fmt.Fprint(w, `{"accessKeyId":"AKIA","secretAccessKey":"secret","sessionToken":"token","bucket":"staging-bucket","key":"acme/abc123","url":"https://staging-bucket.s3.amazonaws.com/acme/abc123"}`)
		case r.Method == http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			put.path, put.body, put.auth = r.URL.Path, data, r.Header.Get("Authorization")
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	s, err := NewStager(srv.URL, "acme", "sk.test", "", nil)
	require.NoError(t, err)
	s.Endpoint = srv.URL

	staged, err := s.Stage(context.Background(), "study.ndjson", []byte("{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "staging-bucket", staged.Bucket)
	assert.Equal(t, "acme/abc123", staged.Key)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/staging-bucket/acme/abc123", put.path)
	assert.Equal(t, "{}\n", string(put.body))
	assert.Contains(t, put.auth, "AKIA/")
}

func TestSplitS3URL(t *testing.T) {
	b, k := splitS3URL("s3://bucket/path/to/key", "")
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "path/to/key", k)

	b, k = splitS3URL("bucket", "fallback")
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "fallback", k)
}
