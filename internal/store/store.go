// Package store defines the records the engine reads and writes and the narrow
// persistence interfaces it depends on. Implementations live in the postgis and
// memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/propsavant/demalytics/internal/geo"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate key")
	ErrStudyBusy = errors.New("study is already being processed")
)

// AnnulusQuery selects the boundaries of a ring's exclusive annulus: those
// intersecting Current and not intersecting Previous. A nil StudyID searches
// every study's boundaries.
type AnnulusQuery struct {
	StudyID  uuid.UUID
	Current  orb.Geometry
	Previous orb.Geometry
}

type StudyStore interface {
	CreateStudy(ctx context.Context, s *Study) error
	Study(ctx context.Context, id uuid.UUID) (*Study, error)
	SetAnalyzedAt(ctx context.Context, id uuid.UUID, at *time.Time) error
}

type CatalogStore interface {
	Customers(ctx context.Context) ([]Customer, error)
	Customer(ctx context.Context, id uuid.UUID) (*Customer, error)
	// Characteristics returns the given ids, or every characteristic when ids
	// is empty.
	Characteristics(ctx context.Context, ids []int64) ([]Characteristic, error)
	DemandModels(ctx context.Context) ([]DemandModel, error)
	DemandModelByName(ctx context.Context, name string) (*DemandModel, error)
	SupplyModels(ctx context.Context) ([]SupplyModel, error)
	// SupplyModelByName returns the model with its weights and their rings.
	SupplyModelByName(ctx context.Context, name string) (*SupplyModel, error)
	Rings(ctx context.Context, perimeterSetID uuid.UUID) ([]PerimeterRing, error)
}

// CatalogWriter upserts reference data by primary key.
type CatalogWriter interface {
	UpsertCustomer(ctx context.Context, c *Customer) error
	UpsertCharacteristic(ctx context.Context, c *Characteristic) error
	UpsertPerimeterSet(ctx context.Context, s *PerimeterSet) error
	UpsertDemandModel(ctx context.Context, m *DemandModel) error
	UpsertSupplyModel(ctx context.Context, m *SupplyModel) error
}

type FacilityStore interface {
	// FacilitiesWithin returns facilities whose location intersects area.
	FacilitiesWithin(ctx context.Context, area orb.Geometry) ([]Facility, error)
	UpsertFacilities(ctx context.Context, fs []Facility) error
}

type FootprintStore interface {
	Footprints(ctx context.Context, kind OwnerKind, ownerIDs []uuid.UUID) ([]Footprint, error)
	// SaveFootprints replaces any footprint with the same (kind, owner, ring).
	SaveFootprints(ctx context.Context, fs []Footprint) error
}

type BoundaryStore interface {
	Boundaries(ctx context.Context, studyID uuid.UUID) ([]Boundary, error)
	BoundariesIntersecting(ctx context.Context, studyID uuid.UUID, area orb.Geometry) ([]Boundary, error)
	Annulus(ctx context.Context, q AnnulusQuery) ([]Boundary, error)
	CreateBoundaries(ctx context.Context, bs []Boundary) error
}

// SourceCatalog is the external geography catalog boundaries are cut from.
type SourceCatalog interface {
	// SourceGeographies returns catalog rows intersecting area, which must be
	// expressed in the catalog's own reference system.
	SourceGeographies(ctx context.Context, area orb.Geometry) ([]SourceGeography, error)
}

type ValueStore interface {
	ReplaceCharacteristicValues(ctx context.Context, studyID uuid.UUID, vs []CharacteristicValue) error
	CharacteristicValues(ctx context.Context, studyID uuid.UUID) ([]CharacteristicValue, error)
}

type DemandStore interface {
	ReplaceDemand(ctx context.Context, studyID, modelID uuid.UUID, rs []DemandRecord) error
	// DemandRecords returns the study's records for a model. A nil studyID
	// returns the records of every study.
	DemandRecords(ctx context.Context, studyID, modelID uuid.UUID) ([]DemandRecord, error)
}

type SupplyStore interface {
	ReplaceSupply(ctx context.Context, studyID, modelID uuid.UUID, cs []SupplyContribution, rs []SupplyRecord) error
	SupplyContributions(ctx context.Context, studyID, modelID uuid.UUID) ([]SupplyContribution, error)
	SupplyRecords(ctx context.Context, studyID, modelID uuid.UUID) ([]SupplyRecord, error)
}

type AnalysisStore interface {
	ReplaceAnalysis(ctx context.Context, studyID uuid.UUID, rs []BoundaryAnalysisRecord) error
	AnalysisRecords(ctx context.Context, studyID uuid.UUID) ([]BoundaryAnalysisRecord, error)
}

// StudyLocker serialises pipeline runs per study. LockStudy fails with
// ErrStudyBusy instead of waiting.
type StudyLocker interface {
	LockStudy(ctx context.Context, id uuid.UUID) (unlock func(), err error)
}

// UniverseStore is what the boundary universe builder needs.
type UniverseStore interface {
	StudyStore
	FacilityStore
	FootprintStore
	BoundaryStore
	SourceCatalog
	geo.Projector
}

// Store is the full persistence collaborator.
type Store interface {
	UniverseStore
	CatalogStore
	CatalogWriter
	ValueStore
	DemandStore
	SupplyStore
	AnalysisStore
	StudyLocker
}
