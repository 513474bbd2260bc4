// Package postgis implements the store on PostgreSQL with PostGIS spatial
// predicates.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propsavant/demalytics/internal/catalog/names"
	"github.com/propsavant/demalytics/internal/db"
	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

const batchSize = 500

// Store is the PostGIS-backed store.
type Store struct {
	db         *gorm.DB
	sourceSRID int
}

var _ store.Store = (*Store)(nil)

// New wraps an open connection. sourceSRID is the reference system of the
// source geography catalog.
func New(d *gorm.DB, sourceSRID int) *Store {
	return &Store{db: d, sourceSRID: sourceSRID}
}

// Migrate creates extensions, the schema, every table and the spatial indexes.
func (s *Store) Migrate(ctx context.Context) error {
	d := s.db.WithContext(ctx)
	if err := db.EnsureExtensions(d); err != nil {
		return err
	}
	if err := db.EnsureSchema(d, store.Schema); err != nil {
		return fmt.Errorf("ensure schema %s: %w", store.Schema, err)
	}
	if err := d.AutoMigrate(store.Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	for _, table := range []string{"studies", "facilities", "footprints", "boundaries", "source_geographies"} {
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_geom ON %s.%s USING GIST (geom)`, table, store.Schema, table)
		if err := d.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create spatial index on %s: %w", table, err)
		}
	}
	return nil
}

// geomArg renders g as a PostGIS geometry literal argument.
func geomArg(g orb.Geometry, srid int) (any, error) {
	return geo.Shape{Geometry: g, SRID: srid}.Value()
}

const geomExpr = "ST_GeomFromEWKB(decode(?, 'hex'))"

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", op, store.ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Transform reprojects g with ST_Transform.
func (s *Store) Transform(ctx context.Context, g orb.Geometry, from, to int) (orb.Geometry, error) {
	if g == nil || from == to {
		return g, nil
	}
	arg, err := geomArg(g, from)
	if err != nil {
		return nil, err
	}
	var out geo.Shape
	err = s.db.WithContext(ctx).
		Raw(`SELECT ST_AsEWKB(ST_Transform(`+geomExpr+`, ?::int))`, arg, to).
		Row().Scan(&out)
	if err != nil {
		return nil, wrap("transform", err)
	}
	return out.Geometry, nil
}

// ---- studies ----

func (s *Store) CreateStudy(ctx context.Context, st *store.Study) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	return wrap("create study", s.db.WithContext(ctx).Create(st).Error)
}

func (s *Store) Study(ctx context.Context, id uuid.UUID) (*store.Study, error) {
	var st store.Study
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, wrap("load study", err)
	}
	return &st, nil
}

func (s *Store) SetAnalyzedAt(ctx context.Context, id uuid.UUID, at *time.Time) error {
	res := s.db.WithContext(ctx).Model(&store.Study{}).Where("id = ?", id).Update("analyzed_at", at)
	if res.Error != nil {
		return wrap("set analyzed_at", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set analyzed_at: %w", store.ErrNotFound)
	}
	return nil
}

// ---- catalog ----

func (s *Store) Customers(ctx context.Context) ([]store.Customer, error) {
	var out []store.Customer
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, wrap("list customers", err)
}

func (s *Store) Customer(ctx context.Context, id uuid.UUID) (*store.Customer, error) {
	var c store.Customer
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, wrap("load customer", err)
	}
	return &c, nil
}

func (s *Store) Characteristics(ctx context.Context, ids []int64) ([]store.Characteristic, error) {
	q := s.db.WithContext(ctx).Order("id")
	if len(ids) > 0 {
		q = q.Where("id = ANY(?)", pq.Array(ids))
	}
	var out []store.Characteristic
	return out, wrap("list characteristics", q.Find(&out).Error)
}

func (s *Store) DemandModels(ctx context.Context) ([]store.DemandModel, error) {
	var out []store.DemandModel
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, wrap("list demand models", err)
}

func (s *Store) DemandModelByName(ctx context.Context, name string) (*store.DemandModel, error) {
	all, err := s.DemandModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if names.Equal(all[i].Name, name) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("demand model %q: %w", name, store.ErrNotFound)
}

func (s *Store) SupplyModels(ctx context.Context) ([]store.SupplyModel, error) {
	var out []store.SupplyModel
	err := s.db.WithContext(ctx).Preload("Weights.Ring").Order("name").Find(&out).Error
	return out, wrap("list supply models", err)
}

func (s *Store) SupplyModelByName(ctx context.Context, name string) (*store.SupplyModel, error) {
	all, err := s.SupplyModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if names.Equal(all[i].Name, name) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("supply model %q: %w", name, store.ErrNotFound)
}

func (s *Store) Rings(ctx context.Context, setID uuid.UUID) ([]store.PerimeterRing, error) {
	var out []store.PerimeterRing
	err := s.db.WithContext(ctx).Where("perimeter_set_id = ?", setID).Order("extent").Find(&out).Error
	return out, wrap("list rings", err)
}

func upsert(d *gorm.DB) *gorm.DB {
	return d.Clauses(clause.OnConflict{UpdateAll: true}).Omit(clause.Associations)
}

func (s *Store) UpsertCustomer(ctx context.Context, c *store.Customer) error {
	return wrap("upsert customer", upsert(s.db.WithContext(ctx)).Create(c).Error)
}

func (s *Store) UpsertCharacteristic(ctx context.Context, c *store.Characteristic) error {
	return wrap("upsert characteristic", upsert(s.db.WithContext(ctx)).Create(c).Error)
}

func (s *Store) UpsertPerimeterSet(ctx context.Context, ps *store.PerimeterSet) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx).Create(ps).Error; err != nil {
			return wrap("upsert perimeter set", err)
		}
		for i := range ps.Rings {
			ps.Rings[i].PerimeterSetID = ps.ID
			if err := upsert(tx).Create(&ps.Rings[i]).Error; err != nil {
				return wrap("upsert ring "+ps.Rings[i].Label, err)
			}
		}
		return nil
	})
}

func (s *Store) UpsertDemandModel(ctx context.Context, m *store.DemandModel) error {
	return wrap("upsert demand model", upsert(s.db.WithContext(ctx)).Create(m).Error)
}

func (s *Store) UpsertSupplyModel(ctx context.Context, m *store.SupplyModel) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx).Create(m).Error; err != nil {
			return wrap("upsert supply model", err)
		}
		for i := range m.Weights {
			m.Weights[i].SupplyModelID = m.ID
			if err := upsert(tx).Create(&m.Weights[i]).Error; err != nil {
				return wrap("upsert ring weight", err)
			}
		}
		return nil
	})
}

// ---- facilities and footprints ----

func (s *Store) FacilitiesWithin(ctx context.Context, area orb.Geometry) ([]store.Facility, error) {
	arg, err := geomArg(area, geo.WorkingSRID)
	if err != nil {
		return nil, err
	}
	var out []store.Facility
	err = s.db.WithContext(ctx).
		Where("ST_Intersects(geom, "+geomExpr+")", arg).
		Order("id").
		Find(&out).Error
	return out, wrap("facilities within", err)
}

func (s *Store) UpsertFacilities(ctx context.Context, fs []store.Facility) error {
	if len(fs) == 0 {
		return nil
	}
	for i := range fs {
		if fs[i].ID == uuid.Nil {
			fs[i].ID = uuid.New()
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "master_id"}}, UpdateAll: true}).
		CreateInBatches(fs, batchSize).Error
	return wrap("upsert facilities", err)
}

func (s *Store) Footprints(ctx context.Context, kind store.OwnerKind, ownerIDs []uuid.UUID) ([]store.Footprint, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	var out []store.Footprint
	err := s.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ANY(?::uuid[])", kind, pq.Array(uuidStrings(ownerIDs))).
		Order("id").
		Find(&out).Error
	return out, wrap("list footprints", err)
}

func (s *Store) SaveFootprints(ctx context.Context, fs []store.Footprint) error {
	if len(fs) == 0 {
		return nil
	}
	for i := range fs {
		if fs[i].ID == uuid.Nil {
			fs[i].ID = uuid.New()
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}, {Name: "ring_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"geom", "created_at"}),
		}).
		CreateInBatches(fs, batchSize).Error
	return wrap("save footprints", err)
}

// ---- boundaries ----

func (s *Store) Boundaries(ctx context.Context, studyID uuid.UUID) ([]store.Boundary, error) {
	var out []store.Boundary
	err := s.db.WithContext(ctx).Where("study_id = ?", studyID).Order("code").Find(&out).Error
	return out, wrap("list boundaries", err)
}

func (s *Store) BoundariesIntersecting(ctx context.Context, studyID uuid.UUID, area orb.Geometry) ([]store.Boundary, error) {
	return s.Annulus(ctx, store.AnnulusQuery{StudyID: studyID, Current: area})
}

func (s *Store) Annulus(ctx context.Context, q store.AnnulusQuery) ([]store.Boundary, error) {
	cur, err := geomArg(q.Current, geo.WorkingSRID)
	if err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx).Where("ST_Intersects(geom, "+geomExpr+")", cur)
	if q.StudyID != uuid.Nil {
		tx = tx.Where("study_id = ?", q.StudyID)
	}
	if q.Previous != nil {
		prev, err := geomArg(q.Previous, geo.WorkingSRID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("NOT ST_Intersects(geom, "+geomExpr+")", prev)
	}
	var out []store.Boundary
	return out, wrap("annulus boundaries", tx.Order("code, study_id").Find(&out).Error)
}

func (s *Store) CreateBoundaries(ctx context.Context, bs []store.Boundary) error {
	if len(bs) == 0 {
		return nil
	}
	for i := range bs {
		if bs[i].ID == uuid.Nil {
			bs[i].ID = uuid.New()
		}
	}
	return wrap("create boundaries", s.db.WithContext(ctx).CreateInBatches(bs, batchSize).Error)
}

func (s *Store) SourceGeographies(ctx context.Context, area orb.Geometry) ([]store.SourceGeography, error) {
	arg, err := geomArg(area, s.sourceSRID)
	if err != nil {
		return nil, err
	}
	var out []store.SourceGeography
	err = s.db.WithContext(ctx).
		Where("ST_Intersects(geom, "+geomExpr+")", arg).
		Order("code").
		Find(&out).Error
	return out, wrap("source geographies", err)
}

// ---- derived records ----

// replace deletes the scope and bulk-inserts rows in one transaction.
func replace[T any](ctx context.Context, d *gorm.DB, op string, scope func(*gorm.DB) *gorm.DB, rows []T) error {
	return d.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var zero T
		if err := scope(tx).Delete(&zero).Error; err != nil {
			return wrap(op+": delete", err)
		}
		if len(rows) == 0 {
			return nil
		}
		return wrap(op+": insert", tx.CreateInBatches(rows, batchSize).Error)
	})
}

func (s *Store) ReplaceCharacteristicValues(ctx context.Context, studyID uuid.UUID, vs []store.CharacteristicValue) error {
	for i := range vs {
		vs[i].StudyID = studyID
	}
	return replace(ctx, s.db, "replace characteristic values", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("study_id = ?", studyID)
	}, vs)
}

func (s *Store) CharacteristicValues(ctx context.Context, studyID uuid.UUID) ([]store.CharacteristicValue, error) {
	var out []store.CharacteristicValue
	err := s.db.WithContext(ctx).Where("study_id = ?", studyID).Find(&out).Error
	return out, wrap("list characteristic values", err)
}

func (s *Store) ReplaceDemand(ctx context.Context, studyID, modelID uuid.UUID, rs []store.DemandRecord) error {
	for i := range rs {
		rs[i].StudyID, rs[i].DemandModelID = studyID, modelID
	}
	return replace(ctx, s.db, "replace demand", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("study_id = ? AND demand_model_id = ?", studyID, modelID)
	}, rs)
}

func (s *Store) DemandRecords(ctx context.Context, studyID, modelID uuid.UUID) ([]store.DemandRecord, error) {
	q := s.db.WithContext(ctx).Where("demand_model_id = ?", modelID)
	if studyID != uuid.Nil {
		q = q.Where("study_id = ?", studyID)
	}
	var out []store.DemandRecord
	return out, wrap("list demand", q.Find(&out).Error)
}

func (s *Store) ReplaceSupply(ctx context.Context, studyID, modelID uuid.UUID, cs []store.SupplyContribution, rs []store.SupplyRecord) error {
	for i := range cs {
		cs[i].StudyID, cs[i].SupplyModelID = studyID, modelID
	}
	for i := range rs {
		rs[i].StudyID, rs[i].SupplyModelID = studyID, modelID
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func(d *gorm.DB) *gorm.DB {
			return d.Where("study_id = ? AND supply_model_id = ?", studyID, modelID)
		}
		if err := scope(tx).Delete(&store.SupplyContribution{}).Error; err != nil {
			return wrap("replace supply: delete contributions", err)
		}
		if err := scope(tx).Delete(&store.SupplyRecord{}).Error; err != nil {
			return wrap("replace supply: delete records", err)
		}
		if len(cs) > 0 {
			if err := tx.CreateInBatches(cs, batchSize).Error; err != nil {
				return wrap("replace supply: insert contributions", err)
			}
		}
		if len(rs) > 0 {
			if err := tx.CreateInBatches(rs, batchSize).Error; err != nil {
				return wrap("replace supply: insert records", err)
			}
		}
		return nil
	})
}

func (s *Store) SupplyContributions(ctx context.Context, studyID, modelID uuid.UUID) ([]store.SupplyContribution, error) {
	var out []store.SupplyContribution
	err := s.db.WithContext(ctx).Where("study_id = ? AND supply_model_id = ?", studyID, modelID).Find(&out).Error
	return out, wrap("list supply contributions", err)
}

func (s *Store) SupplyRecords(ctx context.Context, studyID, modelID uuid.UUID) ([]store.SupplyRecord, error) {
	q := s.db.WithContext(ctx).Where("supply_model_id = ?", modelID)
	if studyID != uuid.Nil {
		q = q.Where("study_id = ?", studyID)
	}
	var out []store.SupplyRecord
	return out, wrap("list supply", q.Find(&out).Error)
}

func (s *Store) ReplaceAnalysis(ctx context.Context, studyID uuid.UUID, rs []store.BoundaryAnalysisRecord) error {
	for i := range rs {
		rs[i].StudyID = studyID
	}
	return replace(ctx, s.db, "replace analysis", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("study_id = ?", studyID)
	}, rs)
}

func (s *Store) AnalysisRecords(ctx context.Context, studyID uuid.UUID) ([]store.BoundaryAnalysisRecord, error) {
	var out []store.BoundaryAnalysisRecord
	err := s.db.WithContext(ctx).Where("study_id = ?", studyID).Find(&out).Error
	return out, wrap("list analysis", err)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
