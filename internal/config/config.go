package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL environment variable is required")
	ErrMissingRoutingKey  = errors.New("MAPBOX_SECRET_KEY environment variable is required for ring generation")
	ErrMissingUsername    = errors.New("MAPBOX_USERNAME environment variable is required for tile publishing")
	ErrInvalidWorkers     = errors.New("ALLOCATION_WORKERS must be a positive integer")
)

const (
	DefaultPort              = "5050"
	DefaultRoutingBaseURL    = "https://api.mapbox.com"
	DefaultRoutingProfile    = "driving"
	DefaultCensusBaseURL     = "https://api.statcan.gc.ca/census-recensement/profile/sdmx/rest"
	DefaultCensusFlowRef     = "STC_CP,DF_DA"
	DefaultCensusFrequency   = "A5"
	DefaultCensusGender      = "1"
	DefaultCensusStatistic   = "1"
	DefaultGeographyPrefix   = "2021S0512"
	DefaultSourceSRID        = 3347
	DefaultAllocationWorkers = 4
)

// Routing configures the drive-time polygon collaborator.
type Routing struct {
	BaseURL string
	Profile string
	Key     string
}

// Census configures the demographic values collaborator.
type Census struct {
	BaseURL         string
	FlowRef         string
	Frequency       string
	Gender          string
	Statistic       string
	GeographyPrefix string
}

// Tiles configures result publication.
type Tiles struct {
	Username      string
	SecretKey     string
	StagingBucket string
	StagingRegion string
}

// Config holds every setting the server and tools read from the environment.
type Config struct {
	DatabaseURL string
	Port        string

	// Browser map token served to the frontend. Never the secret key.
	PublicMapKey string

	Routing Routing
	Census  Census
	Tiles   Tiles

	SourceSRID        int
	AllocationWorkers int

	AdminKeyHash   string
	AllowedOrigins []string
	LogLevel       string
}

// LoadFromEnv loads configuration from environment variables.
//
// Environment variables:
//   - DATABASE_URL: postgres connection string (required)
//   - PORT: HTTP port (default: 5050)
//   - MAPBOX_SECRET_KEY: server-side key for isochrones and tilesets
//   - MAPBOX_PUBLIC_KEY: browser token returned by /api/config
//   - MAPBOX_USERNAME: tileset owner
//   - ROUTING_BASE_URL, ROUTING_PROFILE (default: driving)
//   - CENSUS_BASE_URL, CENSUS_FLOW_REF, CENSUS_FREQUENCY, CENSUS_GENDER,
//     CENSUS_STATISTIC, CENSUS_GEOGRAPHY_PREFIX
//   - SOURCE_GEOGRAPHY_SRID (default: 3347)
//   - ALLOCATION_WORKERS (default: 4)
//   - ADMIN_KEY_HASH: bcrypt hash of the admin key
//   - ALLOWED_ORIGINS: comma separated CORS allow-list
//   - TILE_STAGING_BUCKET, TILE_STAGING_REGION
//   - LOG_LEVEL: debug, info, warn, error (default: info)
func LoadFromEnv() Config {
	secret := env("MAPBOX_SECRET_KEY", "")
	return Config{
		DatabaseURL:  env("DATABASE_URL", ""),
		Port:         env("PORT", DefaultPort),
		PublicMapKey: env("MAPBOX_PUBLIC_KEY", ""),
		Routing: Routing{
			BaseURL: strings.TrimRight(env("ROUTING_BASE_URL", DefaultRoutingBaseURL), "/"),
			Profile: env("ROUTING_PROFILE", DefaultRoutingProfile),
			Key:     secret,
		},
		Census: Census{
			BaseURL:         strings.TrimRight(env("CENSUS_BASE_URL", DefaultCensusBaseURL), "/"),
			FlowRef:         env("CENSUS_FLOW_REF", DefaultCensusFlowRef),
			Frequency:       env("CENSUS_FREQUENCY", DefaultCensusFrequency),
			Gender:          env("CENSUS_GENDER", DefaultCensusGender),
			Statistic:       env("CENSUS_STATISTIC", DefaultCensusStatistic),
			GeographyPrefix: env("CENSUS_GEOGRAPHY_PREFIX", DefaultGeographyPrefix),
		},
		Tiles: Tiles{
			Username:      env("MAPBOX_USERNAME", ""),
			SecretKey:     secret,
			StagingBucket: env("TILE_STAGING_BUCKET", ""),
			StagingRegion: env("TILE_STAGING_REGION", "us-east-1"),
		},
		SourceSRID:        envInt("SOURCE_GEOGRAPHY_SRID", DefaultSourceSRID),
		AllocationWorkers: envInt("ALLOCATION_WORKERS", DefaultAllocationWorkers),
		AdminKeyHash:      env("ADMIN_KEY_HASH", ""),
		AllowedOrigins:    splitList(os.Getenv("ALLOWED_ORIGINS")),
		LogLevel:          strings.ToLower(env("LOG_LEVEL", "info")),
	}
}

// Validate checks the settings every binary needs.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.AllocationWorkers < 1 {
		return ErrInvalidWorkers
	}
	return nil
}

// ValidateRouting checks the settings needed to generate ring footprints.
func (c Config) ValidateRouting() error {
	if c.Routing.Key == "" {
		return ErrMissingRoutingKey
	}
	return nil
}

// ValidateTiles checks the settings needed to publish tilesets.
func (c Config) ValidateTiles() error {
	if c.Tiles.SecretKey == "" {
		return ErrMissingRoutingKey
	}
	if c.Tiles.Username == "" {
		return ErrMissingUsername
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
