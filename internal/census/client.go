// Package census fetches demographic characteristic values from the
// Statistics Canada census profile SDMX service.
package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/logging"
)

const (
	// MaxGeographies is the most geography codes requested per call.
	MaxGeographies = 100

	acceptHeader = "application/vnd.sdmx.data+json;version=1.0.0-wd"
)

// Observation is one decoded series value.
type Observation struct {
	Frequency      string
	Geography      string
	Gender         string
	Characteristic string
	Statistic      string
	Value          float64
}

// Request selects the series to fetch. Empty Gender or Statistic fall back to
// the client defaults.
type Request struct {
	Geographies     []string
	Characteristics []int64
	Gender          string
	Statistic       string
}

// Client is an HTTP client for the SDMX data endpoint.
type Client struct {
	cfg        config.Census
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg config.Census, log *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: logging.OrNop(log),
	}
}

// Fetch returns every observation for the request, querying geographies in
// chunks of MaxGeographies.
func (c *Client) Fetch(ctx context.Context, req Request) ([]Observation, error) {
	if len(req.Geographies) == 0 || len(req.Characteristics) == 0 {
		return nil, nil
	}
	gender := firstNonEmpty(req.Gender, c.cfg.Gender)
	statistic := firstNonEmpty(req.Statistic, c.cfg.Statistic)

	chars := make([]string, len(req.Characteristics))
	for i, id := range req.Characteristics {
		chars[i] = strconv.FormatInt(id, 10)
	}

	var all []Observation
	for start := 0; start < len(req.Geographies); start += MaxGeographies {
		end := min(start+MaxGeographies, len(req.Geographies))
		// frequency.geography.gender.characteristic.statistic
		key := strings.Join([]string{
			c.cfg.Frequency,
			strings.Join(req.Geographies[start:end], "+"),
			gender,
			strings.Join(chars, "+"),
			statistic,
		}, ".")
		obs, err := c.fetchKey(ctx, key, end-start)
		if err != nil {
			return nil, err
		}
		all = append(all, obs...)
	}
	return all, nil
}

func (c *Client) fetchKey(ctx context.Context, key string, geographies int) ([]Observation, error) {
	fullURL := fmt.Sprintf("%s/data/%s/%s?detail=dataonly", c.cfg.BaseURL, c.cfg.FlowRef, key)

	start := time.Now()
	logging.LogRequest(c.log, "census", "GET", c.cfg.BaseURL, zap.Int("geographies", geographies))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logging.LogError(c.log, "census", "fetch", err)
		return nil, fmt.Errorf("census request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("census status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		logging.LogError(c.log, "census", "fetch", err)
		return nil, err
	}

	var msg message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		logging.LogError(c.log, "census", "decode", err)
		return nil, fmt.Errorf("decode census: %w", err)
	}
	obs, err := msg.observations()
	if err != nil {
		logging.LogError(c.log, "census", "decode", err)
		return nil, err
	}
	logging.LogResponse(c.log, "census", resp.StatusCode, time.Since(start), len(obs))
	return obs, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
