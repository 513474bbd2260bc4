package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/store/memory"
)

func TestBuildWithoutKeys(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := config.Config{SourceSRID: 3347, AllocationWorkers: 2}

	svc, err := Build(ctx, cfg, s, nil)
	require.NoError(t, err)
	assert.Nil(t, svc.Pipeline.Rings)
	assert.NotNil(t, svc.Pipeline.Values)
	assert.Nil(t, svc.Publisher)
	assert.Nil(t, svc.Stager)
	assert.Equal(t, "CSSVS", svc.Pipeline.Defaults.DemandModel)

	// The catalog is seeded.
	ms, err := s.SupplyModels(ctx)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestBuildWithKeys(t *testing.T) {
	cfg := config.Config{
		SourceSRID:        3347,
		AllocationWorkers: 2,
		Routing:           config.Routing{BaseURL: "http://localhost", Profile: "driving", Key: "sk.test"},
		Tiles:             config.Tiles{Username: "acme", SecretKey: "sk.test", StagingBucket: "archive"},
	}
	svc, err := Build(context.Background(), cfg, memory.New(), nil)
	require.NoError(t, err)
	assert.NotNil(t, svc.Pipeline.Rings)
	require.NotNil(t, svc.Publisher)
	require.NotNil(t, svc.Stager)
	assert.Equal(t, "archive", svc.Stager.ArchiveBucket)
}
