package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/propsavant/demalytics/internal/geo"
)

// Schema is the postgres schema every table lives in.
const Schema = "demalytics"

// Customer owns studies.
type Customer struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	Name      string    `gorm:"size:30;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Customer) TableName() string {
	return "demalytics.customers"
}

// Characteristic is a census attribute definition. Characteristics form a tree
// through ParentID.
type Characteristic struct {
	ID       int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Country  string `gorm:"size:2;not null;default:'CA'" json:"country"`
	Name     string `gorm:"not null" json:"name"`
	ParentID *int64 `gorm:"index" json:"parent_id,omitempty"`
}

func (Characteristic) TableName() string {
	return "demalytics.characteristics"
}

// Study is the polygon and metadata one pipeline run executes within.
type Study struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	CustomerID        uuid.UUID     `gorm:"type:uuid;not null;index" json:"customer_id"`
	Name              string        `gorm:"size:30;not null" json:"name"`
	Description       string        `json:"description"`
	Country           string        `gorm:"size:2;not null;default:'CA'" json:"country"`
	Type              string        `gorm:"size:2" json:"type"`
	CharacteristicIDs pq.Int64Array `gorm:"type:bigint[]" json:"characteristic_ids"`
	Geom              geo.Shape     `gorm:"type:geometry(MultiPolygon,3857);not null" json:"-"`
	AnalyzedAt        *time.Time    `json:"analyzed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (Study) TableName() string {
	return "demalytics.studies"
}

// Facility is a storage property. Its capacity is the rentable area.
type Facility struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	MasterID     string    `gorm:"uniqueIndex" json:"master_id"`
	StoreID      string    `json:"store_id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	City         string    `json:"city"`
	RentableSqft float64   `gorm:"not null;default:0" json:"rentable_sqft"`
	TotalSqft    float64   `json:"total_sqft"`
	StoreType    string    `json:"store_type"`
	Geom         geo.Shape `gorm:"type:geometry(Point,3857);not null" json:"-"`
}

func (Facility) TableName() string {
	return "demalytics.facilities"
}

// Capacity is the amount of supply the facility allocates.
func (f Facility) Capacity() float64 {
	return f.RentableSqft
}

// PerimeterSet is a named family of nested rings.
type PerimeterSet struct {
	ID    uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name  string          `gorm:"uniqueIndex;not null" json:"name"`
	Rings []PerimeterRing `gorm:"foreignKey:PerimeterSetID" json:"rings,omitempty"`
}

func (PerimeterSet) TableName() string {
	return "demalytics.perimeter_sets"
}

// PerimeterRing is one band of a set. Extent is the numeric reach parsed from
// the label and is the only ordering key.
type PerimeterRing struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PerimeterSetID uuid.UUID `gorm:"type:uuid;not null;index:idx_ring_label,unique" json:"perimeter_set_id"`
	Label          string    `gorm:"not null;index:idx_ring_label,unique" json:"label"`
	Extent         float64   `gorm:"not null" json:"extent"`
}

func (PerimeterRing) TableName() string {
	return "demalytics.perimeter_rings"
}

// OwnerKind says what a footprint is centred on.
type OwnerKind string

const (
	OwnerFacility OwnerKind = "facility"
	OwnerBoundary OwnerKind = "boundary"
)

// Footprint is the ring polygon centred on a facility or a boundary.
type Footprint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	OwnerKind OwnerKind `gorm:"size:10;not null;index:idx_footprint_owner,unique" json:"owner_kind"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null;index:idx_footprint_owner,unique" json:"owner_id"`
	RingID    uuid.UUID `gorm:"type:uuid;not null;index:idx_footprint_owner,unique" json:"ring_id"`
	Geom      geo.Shape `gorm:"type:geometry(MultiPolygon,3857);not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Footprint) TableName() string {
	return "demalytics.footprints"
}

// Term is coefficient times the product of sums of characteristic values. A
// term with factors [[42 43]] reads coefficient*(v42+v43); [[113] [1]] reads
// coefficient*v113*v1.
type Term struct {
	Coefficient float64   `json:"coefficient" yaml:"coefficient"`
	Factors     [][]int64 `json:"factors" yaml:"factors"`
}

// DemandModel is a named linear formula over characteristic values.
type DemandModel struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name  string    `gorm:"uniqueIndex;not null" json:"name"`
	Terms []Term    `gorm:"type:jsonb;serializer:json;not null" json:"terms"`
}

func (DemandModel) TableName() string {
	return "demalytics.demand_models"
}

// Characteristics lists every characteristic id the model reads.
func (m DemandModel) Characteristics() []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, t := range m.Terms {
		for _, f := range t.Factors {
			for _, id := range f {
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// SupplyModel is a named weighting over the rings of one perimeter set.
type SupplyModel struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string       `gorm:"uniqueIndex;not null" json:"name"`
	PerimeterSetID uuid.UUID    `gorm:"type:uuid;not null" json:"perimeter_set_id"`
	Weights        []RingWeight `gorm:"foreignKey:SupplyModelID" json:"weights,omitempty"`
}

func (SupplyModel) TableName() string {
	return "demalytics.supply_models"
}

// RingWeight is the share of capacity a supply model assigns to a ring.
type RingWeight struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	SupplyModelID uuid.UUID     `gorm:"type:uuid;not null;index:idx_ring_weight,unique" json:"supply_model_id"`
	RingID        uuid.UUID     `gorm:"type:uuid;not null;index:idx_ring_weight,unique" json:"ring_id"`
	Weight        float64       `gorm:"not null" json:"weight"`
	Ring          PerimeterRing `gorm:"foreignKey:RingID" json:"ring"`
}

func (RingWeight) TableName() string {
	return "demalytics.ring_weights"
}

// Boundary is a geographic unit materialised into a study's working set.
type Boundary struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID uuid.UUID `gorm:"type:uuid;not null;index:idx_boundary_code,unique" json:"study_id"`
	Code    string    `gorm:"not null;index:idx_boundary_code,unique" json:"code"`
	Geom    geo.Shape `gorm:"type:geometry(MultiPolygon,3857);not null" json:"-"`
}

func (Boundary) TableName() string {
	return "demalytics.boundaries"
}

// SourceGeography is a row of the external geography catalog, stored in its
// native reference system.
type SourceGeography struct {
	Code     string    `gorm:"primaryKey" json:"code"`
	DGUID    string    `gorm:"column:dguid" json:"dguid"`
	Province string    `gorm:"size:2" json:"province"`
	LandArea float64   `json:"land_area"`
	Geom     geo.Shape `gorm:"type:geometry(MultiPolygon,3347);not null" json:"-"`
}

func (SourceGeography) TableName() string {
	return "demalytics.source_geographies"
}

type CharacteristicValue struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID          uuid.UUID `gorm:"type:uuid;not null;index:idx_char_value,unique" json:"study_id"`
	BoundaryID       uuid.UUID `gorm:"type:uuid;not null;index:idx_char_value,unique" json:"boundary_id"`
	CharacteristicID int64     `gorm:"not null;index:idx_char_value,unique" json:"characteristic_id"`
	Value            float64   `gorm:"not null" json:"value"`
}

func (CharacteristicValue) TableName() string {
	return "demalytics.characteristic_values"
}

type DemandRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID       uuid.UUID `gorm:"type:uuid;not null;index:idx_demand,unique" json:"study_id"`
	BoundaryID    uuid.UUID `gorm:"type:uuid;not null;index:idx_demand,unique" json:"boundary_id"`
	DemandModelID uuid.UUID `gorm:"type:uuid;not null;index:idx_demand,unique" json:"demand_model_id"`
	Value         float64   `gorm:"not null" json:"value"`
}

func (DemandRecord) TableName() string {
	return "demalytics.demand_records"
}

// SupplyContribution is the capacity one facility ring assigns to one
// boundary.
type SupplyContribution struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID       uuid.UUID `gorm:"type:uuid;not null;index:idx_contribution_scope" json:"study_id"`
	SupplyModelID uuid.UUID `gorm:"type:uuid;not null;index:idx_contribution_scope" json:"supply_model_id"`
	FootprintID   uuid.UUID `gorm:"type:uuid;not null" json:"footprint_id"`
	BoundaryID    uuid.UUID `gorm:"type:uuid;not null" json:"boundary_id"`
	Value         float64   `gorm:"not null" json:"value"`
}

func (SupplyContribution) TableName() string {
	return "demalytics.supply_contributions"
}

type SupplyRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID       uuid.UUID `gorm:"type:uuid;not null;index:idx_supply,unique" json:"study_id"`
	BoundaryID    uuid.UUID `gorm:"type:uuid;not null;index:idx_supply,unique" json:"boundary_id"`
	SupplyModelID uuid.UUID `gorm:"type:uuid;not null;index:idx_supply,unique" json:"supply_model_id"`
	Value         float64   `gorm:"not null" json:"value"`
}

func (SupplyRecord) TableName() string {
	return "demalytics.supply_records"
}

// BoundaryAnalysisRecord is the published per-boundary result.
type BoundaryAnalysisRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	StudyID         uuid.UUID `gorm:"type:uuid;not null;index:idx_analysis,unique" json:"study_id"`
	BoundaryID      uuid.UUID `gorm:"type:uuid;not null;index:idx_analysis,unique" json:"boundary_id"`
	DemandModelID   uuid.UUID `gorm:"type:uuid;not null;index:idx_analysis,unique" json:"demand_model_id"`
	SupplyModelID   uuid.UUID `gorm:"type:uuid;not null;index:idx_analysis,unique" json:"supply_model_id"`
	Demand          float64   `gorm:"not null" json:"demand"`
	Supply          float64   `gorm:"not null" json:"supply"`
	Residual        float64   `gorm:"not null" json:"residual"`
	ResidualGraphic float64   `gorm:"not null" json:"residualgraphic"`
}

func (BoundaryAnalysisRecord) TableName() string {
	return "demalytics.boundary_analysis"
}

// Models lists every record type in migration order.
func Models() []any {
	return []any{
		&Customer{},
		&Characteristic{},
		&Study{},
		&Facility{},
		&PerimeterSet{},
		&PerimeterRing{},
		&Footprint{},
		&DemandModel{},
		&SupplyModel{},
		&RingWeight{},
		&Boundary{},
		&SourceGeography{},
		&CharacteristicValue{},
		&DemandRecord{},
		&SupplyContribution{},
		&SupplyRecord{},
		&BoundaryAnalysisRecord{},
	}
}
