package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/logging"
)

var ErrMissingCredentials = errors.New("tiles: username and secret key are required")

// APIError is a failed Tilesets API call.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.Status, e.Message)
}

// Recipe is a tileset recipe with one layer per source.
type Recipe struct {
	Version int              `json:"version"`
	Layers  map[string]Layer `json:"layers"`
}

type Layer struct {
	Source  string `json:"source"`
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
}

// SourceInfo is the Tilesets API answer to a source upload.
type SourceInfo struct {
	ID         string `json:"id"`
	Files      int    `json:"files"`
	SourceSize int64  `json:"source_size"`
	FileSize   int64  `json:"file_size"`
}

// Publisher talks to the Mapbox Tilesets API.
type Publisher struct {
	baseURL    string
	username   string
	token      string
	httpClient *http.Client
	log        *zap.Logger

	MinZoom int
	MaxZoom int
}

func NewPublisher(baseURL, username, token string, log *zap.Logger) (*Publisher, error) {
	if username == "" || token == "" {
		return nil, ErrMissingCredentials
	}
	return &Publisher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		token:    token,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		log:     logging.OrNop(log),
		MinZoom: 6,
		MaxZoom: 14,
	}, nil
}

func (p *Publisher) sourceURL(id string) string {
	return fmt.Sprintf("%s/tilesets/v1/sources/%s/%s?access_token=%s", p.baseURL, p.username, id, url.QueryEscape(p.token))
}

func (p *Publisher) tilesetURL(id, suffix string) string {
	return fmt.Sprintf("%s/tilesets/v1/%s.%s%s?access_token=%s", p.baseURL, p.username, id, suffix, url.QueryEscape(p.token))
}

// SourceRef is the recipe reference to an uploaded source.
func (p *Publisher) SourceRef(id string) string {
	return fmt.Sprintf("mapbox://tileset-source/%s/%s", p.username, id)
}

// UploadSource uploads line-delimited GeoJSON as a tileset source.
func (p *Publisher) UploadSource(ctx context.Context, id string, ndjson io.Reader) (*SourceInfo, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", id+".geojson.ld")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, ndjson); err != nil {
		return nil, fmt.Errorf("buffer source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var info SourceInfo
	if err := p.do(ctx, "upload source", http.MethodPost, p.sourceURL(id), mw.FormDataContentType(), &body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSource removes a source. A missing source is not an error.
func (p *Publisher) DeleteSource(ctx context.Context, id string) error {
	err := p.do(ctx, "delete source", http.MethodDelete, p.sourceURL(id), "", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateTileset creates a tileset from a recipe.
func (p *Publisher) CreateTileset(ctx context.Context, id, name string, recipe Recipe) error {
	payload, err := json.Marshal(map[string]any{"recipe": recipe, "name": name})
	if err != nil {
		return err
	}
	return p.do(ctx, "create tileset", http.MethodPost, p.tilesetURL(id, ""), "application/json", bytes.NewReader(payload), nil)
}

// UpdateRecipe replaces the recipe of an existing tileset.
func (p *Publisher) UpdateRecipe(ctx context.Context, id string, recipe Recipe) error {
	payload, err := json.Marshal(recipe)
	if err != nil {
		return err
	}
	return p.do(ctx, "update recipe", http.MethodPatch, p.tilesetURL(id, "/recipe"), "application/json", bytes.NewReader(payload), nil)
}

// Publish starts a tileset build and returns the job id.
func (p *Publisher) Publish(ctx context.Context, id string) (string, error) {
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := p.do(ctx, "publish tileset", http.MethodPost, p.tilesetURL(id, "/publish"), "", nil, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Export replaces the source named id with features, creates the tileset (or
// updates its recipe when it already exists) and publishes it.
func (p *Publisher) Export(ctx context.Context, id, name string, features []*geojson.Feature) (string, error) {
	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, features); err != nil {
		return "", err
	}
	if err := p.DeleteSource(ctx, id); err != nil {
		return "", err
	}
	if _, err := p.UploadSource(ctx, id, &buf); err != nil {
		return "", err
	}

	recipe := Recipe{
		Version: 1,
		Layers: map[string]Layer{
			id: {Source: p.SourceRef(id), MinZoom: p.MinZoom, MaxZoom: p.MaxZoom},
		},
	}
	err := p.CreateTileset(ctx, id, name, recipe)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest && strings.Contains(apiErr.Message, "already exists") {
		err = p.UpdateRecipe(ctx, id, recipe)
	}
	if err != nil {
		return "", err
	}

	job, err := p.Publish(ctx, id)
	if err != nil {
		return "", err
	}
	p.log.Info("tileset published",
		zap.String("tileset", p.username+"."+id),
		zap.Int("features", len(features)),
		zap.String("job", job))
	return job, nil
}

func (p *Publisher) do(ctx context.Context, op, method, fullURL, contentType string, body io.Reader, out any) error {
	start := time.Now()
	logging.LogRequest(p.log, "tiles", method, p.baseURL, zap.String("op", op))

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		logging.LogError(p.log, "tiles", op, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: messageOf(data)}
		logging.LogError(p.log, "tiles", op, apiErr)
		return apiErr
	}
	logging.LogResponse(p.log, "tiles", resp.StatusCode, time.Since(start), 1)
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func messageOf(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
