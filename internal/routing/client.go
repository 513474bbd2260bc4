// Package routing is the drive-time polygon collaborator. It wraps the Mapbox
// Isochrone API.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/logging"
)

const (
	// MaxContours is the most thresholds the API accepts per request.
	MaxContours = 4

	DefaultPacing  = 500 * time.Millisecond
	DefaultBackoff = time.Second
	MaxAttempts    = 5

	cacheSize = 4096
)

var (
	ErrMissingKey  = errors.New("routing: access token is required")
	ErrRateLimited = errors.New("routing: rate limited")
)

// APIError is a non-2xx response other than a rate limit.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("routing status %d", e.Status)
	}
	return fmt.Sprintf("routing status %d: %s", e.Status, e.Message)
}

// Contour is one isochrone polygon in WGS84.
type Contour struct {
	Minutes  int
	Geometry orb.MultiPolygon
}

// Client calls the isochrone endpoint. Batches are paced by a shared limiter
// so concurrent callers do not trip the API's rate limit.
type Client struct {
	baseURL    string
	profile    string
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
	cache      *lru.Cache
	log        *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithPacing sets the minimum delay between batch requests. Zero disables
// pacing.
func WithPacing(d time.Duration) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithBackoff sets the first retry delay after a 429.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// NewClient creates an isochrone client. The key is passed in by the caller;
// the client never reads the environment.
func NewClient(baseURL, profile, key string, opts ...Option) (*Client, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
		key:     key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(DefaultPacing), 1),
		backoff: DefaultBackoff,
		cache:   cache,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.OrNop(c.log)
	return c, nil
}

// Isochrones returns one contour per requested threshold around origin
// (lon/lat). Thresholds are requested in ascending batches of MaxContours.
func (c *Client) Isochrones(ctx context.Context, origin orb.Point, minutes []int) ([]Contour, error) {
	ms := normalise(minutes)
	if len(ms) == 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%s|%.6f,%.6f|%v", c.profile, origin[0], origin[1], ms)
	if v, ok := c.cache.Get(key); ok {
		return v.([]Contour), nil
	}

	var out []Contour
	for start := 0; start < len(ms); start += MaxContours {
		end := min(start+MaxContours, len(ms))
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		batch, err := c.fetch(ctx, origin, ms[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes < out[j].Minutes })
	c.cache.Add(key, out)
	return out, nil
}

func normalise(minutes []int) []int {
	seen := make(map[int]bool, len(minutes))
	out := make([]int, 0, len(minutes))
	for _, m := range minutes {
		if m > 0 && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Ints(out)
	return out
}

func (c *Client) endpoint(origin orb.Point, minutes []int) string {
	parts := make([]string, len(minutes))
	for i, m := range minutes {
		parts[i] = strconv.Itoa(m)
	}
	params := url.Values{}
	params.Set("contours_minutes", strings.Join(parts, ","))
	params.Set("polygons", "true")
	params.Set("access_token", c.key)
	coords := strconv.FormatFloat(origin[0], 'f', 6, 64) + "," + strconv.FormatFloat(origin[1], 'f', 6, 64)
	return fmt.Sprintf("%s/isochrone/v1/mapbox/%s/%s?%s", c.baseURL, c.profile, coords, params.Encode())
}

// fetch performs one batch request, retrying 429 responses with doubling
// backoff.
func (c *Client) fetch(ctx context.Context, origin orb.Point, minutes []int) ([]Contour, error) {
	fullURL := c.endpoint(origin, minutes)
	wait := c.backoff

	for attempt := 1; ; attempt++ {
		start := time.Now()
		logging.LogRequest(c.log, "routing", "GET", c.baseURL,
			zap.Ints("minutes", minutes), zap.Int("attempt", attempt))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logging.LogError(c.log, "routing", "fetch", err)
			return nil, fmt.Errorf("routing request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read routing response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= MaxAttempts {
				logging.LogError(c.log, "routing", "fetch", ErrRateLimited, zap.Int("attempts", attempt))
				return nil, fmt.Errorf("%w after %d attempts", ErrRateLimited, attempt)
			}
			c.log.Warn("routing rate limited; backing off",
				zap.Int("attempt", attempt), zap.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			wait *= 2
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			apiErr := &APIError{Status: resp.StatusCode, Message: messageOf(body)}
			logging.LogError(c.log, "routing", "fetch", apiErr)
			return nil, apiErr
		}

		contours, err := decodeContours(body)
		if err != nil {
			logging.LogError(c.log, "routing", "decode", err)
			return nil, err
		}
		logging.LogResponse(c.log, "routing", resp.StatusCode, time.Since(start), len(contours))
		return contours, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func messageOf(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	return payload.Message
}

func decodeContours(body []byte) ([]Contour, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode isochrones: %w", err)
	}
	out := make([]Contour, 0, len(fc.Features))
	for _, f := range fc.Features {
		raw, ok := f.Properties["contour"].(float64)
		if !ok {
			return nil, fmt.Errorf("decode isochrones: feature without contour property")
		}
		mp, err := geo.ToMultiPolygon(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("decode isochrones: contour %v: %w", raw, err)
		}
		out = append(out, Contour{Minutes: int(raw), Geometry: mp})
	}
	return out, nil
}
