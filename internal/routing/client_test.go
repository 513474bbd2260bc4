package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

// isochroneServer answers with one small square per requested contour.
func isochroneServer(t *testing.T, calls *atomic.Int32, requested *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/isochrone/v1/mapbox/driving/"))
		assert.Equal(t, "secret", r.URL.Query().Get("access_token"))
		assert.Equal(t, "true", r.URL.Query().Get("polygons"))
		cm := r.URL.Query().Get("contours_minutes")
		if requested != nil {
			*requested = append(*requested, cm)
		}

		var feats []string
		for _, m := range strings.Split(cm, ",") {
			feats = append(feats, fmt.Sprintf(`{"type":"Feature","properties":{"contour":%s},"geometry":{"type":"Polygon","coordinates":[[[-79.4,43.6],[-79.3,43.6],[-79.3,43.7],[-79.4,43.7],[-79.4,43.6]]]}}`, m))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, strings.Join(feats, ","))
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(url, "driving", "secret", WithPacing(0), WithBackoff(time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("http://x", "driving", "")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestIsochronesChunksThresholds(t *testing.T) {
	var calls atomic.Int32
	var requested []string
	srv := isochroneServer(t, &calls, &requested)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Isochrones(context.Background(), orb.Point{-79.38, 43.65}, []int{30, 5, 10, 15, 20, 10})
	require.NoError(t, err)

	assert.Equal(t, []string{"5,10,15,20", "30"}, requested)
	require.Len(t, got, 5)
	for i, want := range []int{5, 10, 15, 20, 30} {
		assert.Equal(t, want, got[i].Minutes)
		assert.Len(t, got[i].Geometry, 1)
	}
}

func TestIsochronesAreCached(t *testing.T) {
	var calls atomic.Int32
	srv := isochroneServer(t, &calls, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	_, err := c.Isochrones(ctx, orb.Point{-79.38, 43.65}, []int{5, 10})
	require.NoError(t, err)
	_, err = c.Isochrones(ctx, orb.Point{-79.38, 43.65}, []int{10, 5})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"contour":5},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).Isochrones(context.Background(), orb.Point{0, 0}, []int{5})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
}

// stampServer records when each request arrives. The first failures requests
// are answered with 429.
func stampServer(t *testing.T, failures int, stamps *[]time.Time) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*stamps = append(*stamps, time.Now())
		n := len(*stamps)
		mu.Unlock()
		if n <= failures {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var feats []string
		for _, m := range strings.Split(r.URL.Query().Get("contours_minutes"), ",") {
			feats = append(feats, fmt.Sprintf(`{"type":"Feature","properties":{"contour":%s},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`, m))
		}
		fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, strings.Join(feats, ","))
	}))
}

func gaps(stamps []time.Time) []time.Duration {
	var out []time.Duration
	for i := 1; i < len(stamps); i++ {
		out = append(out, stamps[i].Sub(stamps[i-1]))
	}
	return out
}

func TestBatchesArePaced(t *testing.T) {
	var stamps []time.Time
	srv := stampServer(t, 0, &stamps)
	defer srv.Close()

	const pacing = 60 * time.Millisecond
	c, err := NewClient(srv.URL, "driving", "secret", WithPacing(pacing), WithBackoff(time.Millisecond))
	require.NoError(t, err)

	got, err := c.Isochrones(context.Background(), orb.Point{0, 0}, []int{5, 10, 15, 20, 30})
	require.NoError(t, err)
	require.Len(t, got, 5)

	require.Len(t, stamps, 2)
	// Small slack for clock granularity in the limiter.
	assert.GreaterOrEqual(t, gaps(stamps)[0], pacing-5*time.Millisecond)
}

func TestRateLimitBackoffDoubles(t *testing.T) {
	var stamps []time.Time
	srv := stampServer(t, 3, &stamps)
	defer srv.Close()

	const backoff = 20 * time.Millisecond
	c, err := NewClient(srv.URL, "driving", "secret", WithPacing(0), WithBackoff(backoff))
	require.NoError(t, err)

	_, err = c.Isochrones(context.Background(), orb.Point{0, 0}, []int{5})
	require.NoError(t, err)

	require.Len(t, stamps, 4)
	g := gaps(stamps)
	for i, d := range g {
		assert.GreaterOrEqual(t, d, backoff<<i, "retry %d", i+1)
	}
	assert.Greater(t, g[2], g[0]*2)
}

func TestRateLimitGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Isochrones(context.Background(), orb.Point{0, 0}, []int{5})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(MaxAttempts), calls.Load())
}

func TestOtherErrorsFailFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Coordinate is invalid"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Isochrones(context.Background(), orb.Point{0, 0}, []int{5})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "Coordinate is invalid", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFootprinterMatchesRingsByMinutes(t *testing.T) {
	var calls atomic.Int32
	srv := isochroneServer(t, &calls, nil)
	defer srv.Close()

	r5 := store.PerimeterRing{ID: uuid.New(), Label: "5", Extent: 5}
	r10 := store.PerimeterRing{ID: uuid.New(), Label: "10 min", Extent: 10}
	fp := &Footprinter{Client: newTestClient(t, srv.URL)}

	origin := geo.ToWorking(orb.Point{-79.38, 43.65}).(orb.Point)
	got, err := fp.Footprints(context.Background(), origin, []store.PerimeterRing{r10, r5})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Contours come back in the working system.
	b := got[r5.ID].Bound()
	assert.Less(t, b.Min[0], -8.8e6)
	assert.Greater(t, b.Min[1], 5.4e6)
}
