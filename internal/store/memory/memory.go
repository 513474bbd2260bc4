// Package memory is an in-process store used by tests and dry runs. Spatial
// predicates are evaluated with the geo package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/propsavant/demalytics/internal/catalog/names"
	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	geo.Planar

	mu sync.RWMutex

	customers       map[uuid.UUID]store.Customer
	characteristics map[int64]store.Characteristic
	studies         map[uuid.UUID]store.Study
	facilities      map[uuid.UUID]store.Facility
	sets            map[uuid.UUID]store.PerimeterSet
	rings           map[uuid.UUID]store.PerimeterRing
	footprints      map[uuid.UUID]store.Footprint
	demandModels    map[uuid.UUID]store.DemandModel
	supplyModels    map[uuid.UUID]store.SupplyModel
	boundaries      map[uuid.UUID]store.Boundary
	sources         map[string]store.SourceGeography
	values          map[uuid.UUID][]store.CharacteristicValue
	demand          map[scopeKey][]store.DemandRecord
	contributions   map[scopeKey][]store.SupplyContribution
	supply          map[scopeKey][]store.SupplyRecord
	analysis        map[uuid.UUID][]store.BoundaryAnalysisRecord

	lockMu sync.Mutex
	locked map[uuid.UUID]bool
}

type scopeKey struct {
	study uuid.UUID
	model uuid.UUID
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		customers:       make(map[uuid.UUID]store.Customer),
		characteristics: make(map[int64]store.Characteristic),
		studies:         make(map[uuid.UUID]store.Study),
		facilities:      make(map[uuid.UUID]store.Facility),
		sets:            make(map[uuid.UUID]store.PerimeterSet),
		rings:           make(map[uuid.UUID]store.PerimeterRing),
		footprints:      make(map[uuid.UUID]store.Footprint),
		demandModels:    make(map[uuid.UUID]store.DemandModel),
		supplyModels:    make(map[uuid.UUID]store.SupplyModel),
		boundaries:      make(map[uuid.UUID]store.Boundary),
		sources:         make(map[string]store.SourceGeography),
		values:          make(map[uuid.UUID][]store.CharacteristicValue),
		demand:          make(map[scopeKey][]store.DemandRecord),
		contributions:   make(map[scopeKey][]store.SupplyContribution),
		supply:          make(map[scopeKey][]store.SupplyRecord),
		analysis:        make(map[uuid.UUID][]store.BoundaryAnalysisRecord),
		locked:          make(map[uuid.UUID]bool),
	}
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

// ---- studies ----

func (s *Store) CreateStudy(_ context.Context, st *store.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = newID(st.ID)
	if _, ok := s.studies[st.ID]; ok {
		return fmt.Errorf("study %s: %w", st.ID, store.ErrDuplicate)
	}
	now := time.Now()
	st.CreatedAt, st.UpdatedAt = now, now
	s.studies[st.ID] = *st
	return nil
}

func (s *Store) Study(_ context.Context, id uuid.UUID) (*store.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.studies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) SetAnalyzedAt(_ context.Context, id uuid.UUID, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return store.ErrNotFound
	}
	st.AnalyzedAt = at
	st.UpdatedAt = time.Now()
	s.studies[id] = st
	return nil
}

// ---- catalog ----

func (s *Store) Customers(context.Context) ([]store.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Customer(_ context.Context, id uuid.UUID) (*store.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) Characteristics(_ context.Context, ids []int64) ([]store.Characteristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Characteristic
	if len(ids) == 0 {
		for _, c := range s.characteristics {
			out = append(out, c)
		}
	} else {
		for _, id := range ids {
			if c, ok := s.characteristics[id]; ok {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DemandModels(context.Context) ([]store.DemandModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.DemandModel, 0, len(s.demandModels))
	for _, m := range s.demandModels {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DemandModelByName(_ context.Context, name string) (*store.DemandModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := names.Canonical(name)
	for _, m := range s.demandModels {
		if names.Canonical(m.Name) == want {
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SupplyModels(context.Context) ([]store.SupplyModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SupplyModel, 0, len(s.supplyModels))
	for _, m := range s.supplyModels {
		out = append(out, s.withRings(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SupplyModelByName(_ context.Context, name string) (*store.SupplyModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := names.Canonical(name)
	for _, m := range s.supplyModels {
		if names.Canonical(m.Name) == want {
			m = s.withRings(m)
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) withRings(m store.SupplyModel) store.SupplyModel {
	ws := make([]store.RingWeight, len(m.Weights))
	copy(ws, m.Weights)
	for i := range ws {
		ws[i].Ring = s.rings[ws[i].RingID]
	}
	m.Weights = ws
	return m
}

func (s *Store) Rings(_ context.Context, setID uuid.UUID) ([]store.PerimeterRing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PerimeterRing
	for _, r := range s.rings {
		if r.PerimeterSetID == setID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extent < out[j].Extent })
	return out, nil
}

func (s *Store) UpsertCustomer(_ context.Context, c *store.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = newID(c.ID)
	s.customers[c.ID] = *c
	return nil
}

func (s *Store) UpsertCharacteristic(_ context.Context, c *store.Characteristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characteristics[c.ID] = *c
	return nil
}

func (s *Store) UpsertPerimeterSet(_ context.Context, ps *store.PerimeterSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps.ID = newID(ps.ID)
	for i := range ps.Rings {
		ps.Rings[i].ID = newID(ps.Rings[i].ID)
		ps.Rings[i].PerimeterSetID = ps.ID
		s.rings[ps.Rings[i].ID] = ps.Rings[i]
	}
	set := *ps
	set.Rings = nil
	s.sets[ps.ID] = set
	return nil
}

func (s *Store) UpsertDemandModel(_ context.Context, m *store.DemandModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = newID(m.ID)
	s.demandModels[m.ID] = *m
	return nil
}

func (s *Store) UpsertSupplyModel(_ context.Context, m *store.SupplyModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = newID(m.ID)
	for i := range m.Weights {
		m.Weights[i].ID = newID(m.Weights[i].ID)
		m.Weights[i].SupplyModelID = m.ID
	}
	s.supplyModels[m.ID] = *m
	return nil
}

// ---- facilities and footprints ----

func (s *Store) FacilitiesWithin(_ context.Context, area orb.Geometry) ([]store.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Facility
	for _, f := range s.facilities {
		if geo.Intersects(f.Geom.Geometry, area) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) UpsertFacilities(_ context.Context, fs []store.Facility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range fs {
		fs[i].ID = newID(fs[i].ID)
		s.facilities[fs[i].ID] = fs[i]
	}
	return nil
}

func (s *Store) Footprints(_ context.Context, kind store.OwnerKind, ownerIDs []uuid.UUID) ([]store.Footprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[uuid.UUID]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		want[id] = true
	}
	var out []store.Footprint
	for _, f := range s.footprints {
		if f.OwnerKind == kind && want[f.OwnerID] {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) SaveFootprints(_ context.Context, fs []store.Footprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range fs {
		for id, existing := range s.footprints {
			if existing.OwnerKind == fs[i].OwnerKind && existing.OwnerID == fs[i].OwnerID && existing.RingID == fs[i].RingID {
				delete(s.footprints, id)
			}
		}
		fs[i].ID = newID(fs[i].ID)
		fs[i].CreatedAt = time.Now()
		s.footprints[fs[i].ID] = fs[i]
	}
	return nil
}

// ---- boundaries ----

func (s *Store) Boundaries(_ context.Context, studyID uuid.UUID) ([]store.Boundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterBoundaries(studyID, func(store.Boundary) bool { return true }), nil
}

func (s *Store) BoundariesIntersecting(_ context.Context, studyID uuid.UUID, area orb.Geometry) ([]store.Boundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterBoundaries(studyID, func(b store.Boundary) bool {
		return geo.Intersects(b.Geom.Geometry, area)
	}), nil
}

func (s *Store) Annulus(_ context.Context, q store.AnnulusQuery) ([]store.Boundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterBoundaries(q.StudyID, func(b store.Boundary) bool {
		if !geo.Intersects(b.Geom.Geometry, q.Current) {
			return false
		}
		return q.Previous == nil || !geo.Intersects(b.Geom.Geometry, q.Previous)
	}), nil
}

func (s *Store) filterBoundaries(studyID uuid.UUID, keep func(store.Boundary) bool) []store.Boundary {
	var out []store.Boundary
	for _, b := range s.boundaries {
		if studyID != uuid.Nil && b.StudyID != studyID {
			continue
		}
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].StudyID.String() < out[j].StudyID.String()
	})
	return out
}

func (s *Store) CreateBoundaries(_ context.Context, bs []store.Boundary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bs {
		for _, existing := range s.boundaries {
			if existing.StudyID == b.StudyID && existing.Code == b.Code {
				return fmt.Errorf("boundary %s: %w", b.Code, store.ErrDuplicate)
			}
		}
	}
	for i := range bs {
		bs[i].ID = newID(bs[i].ID)
		s.boundaries[bs[i].ID] = bs[i]
	}
	return nil
}

// AddSourceGeographies loads catalog rows.
func (s *Store) AddSourceGeographies(gs ...store.SourceGeography) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range gs {
		s.sources[g.Code] = g
	}
}

func (s *Store) SourceGeographies(_ context.Context, area orb.Geometry) ([]store.SourceGeography, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.SourceGeography
	for _, g := range s.sources {
		if geo.Intersects(g.Geom.Geometry, area) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ---- derived records ----

func (s *Store) ReplaceCharacteristicValues(_ context.Context, studyID uuid.UUID, vs []store.CharacteristicValue) error {
	type key struct {
		b uuid.UUID
		c int64
	}
	seen := make(map[key]bool, len(vs))
	for _, v := range vs {
		k := key{v.BoundaryID, v.CharacteristicID}
		if seen[k] {
			return fmt.Errorf("characteristic value %d for %s: %w", v.CharacteristicID, v.BoundaryID, store.ErrDuplicate)
		}
		seen[k] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CharacteristicValue, len(vs))
	for i, v := range vs {
		v.ID = newID(v.ID)
		v.StudyID = studyID
		out[i] = v
	}
	s.values[studyID] = out
	return nil
}

func (s *Store) CharacteristicValues(_ context.Context, studyID uuid.UUID) ([]store.CharacteristicValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.CharacteristicValue(nil), s.values[studyID]...), nil
}

func (s *Store) ReplaceDemand(_ context.Context, studyID, modelID uuid.UUID, rs []store.DemandRecord) error {
	if err := uniqueBoundaries(rs, func(r store.DemandRecord) uuid.UUID { return r.BoundaryID }); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.DemandRecord, len(rs))
	for i, r := range rs {
		r.ID = newID(r.ID)
		r.StudyID, r.DemandModelID = studyID, modelID
		out[i] = r
	}
	s.demand[scopeKey{studyID, modelID}] = out
	return nil
}

func (s *Store) DemandRecords(_ context.Context, studyID, modelID uuid.UUID) ([]store.DemandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if studyID != uuid.Nil {
		return append([]store.DemandRecord(nil), s.demand[scopeKey{studyID, modelID}]...), nil
	}
	var out []store.DemandRecord
	for k, rs := range s.demand {
		if k.model == modelID {
			out = append(out, rs...)
		}
	}
	return out, nil
}

func (s *Store) ReplaceSupply(_ context.Context, studyID, modelID uuid.UUID, cs []store.SupplyContribution, rs []store.SupplyRecord) error {
	if err := uniqueBoundaries(rs, func(r store.SupplyRecord) uuid.UUID { return r.BoundaryID }); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey{studyID, modelID}
	outC := make([]store.SupplyContribution, len(cs))
	for i, c := range cs {
		c.ID = newID(c.ID)
		c.StudyID, c.SupplyModelID = studyID, modelID
		outC[i] = c
	}
	outR := make([]store.SupplyRecord, len(rs))
	for i, r := range rs {
		r.ID = newID(r.ID)
		r.StudyID, r.SupplyModelID = studyID, modelID
		outR[i] = r
	}
	s.contributions[k] = outC
	s.supply[k] = outR
	return nil
}

func (s *Store) SupplyContributions(_ context.Context, studyID, modelID uuid.UUID) ([]store.SupplyContribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.SupplyContribution(nil), s.contributions[scopeKey{studyID, modelID}]...), nil
}

func (s *Store) SupplyRecords(_ context.Context, studyID, modelID uuid.UUID) ([]store.SupplyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if studyID != uuid.Nil {
		return append([]store.SupplyRecord(nil), s.supply[scopeKey{studyID, modelID}]...), nil
	}
	var out []store.SupplyRecord
	for k, rs := range s.supply {
		if k.model == modelID {
			out = append(out, rs...)
		}
	}
	return out, nil
}

func (s *Store) ReplaceAnalysis(_ context.Context, studyID uuid.UUID, rs []store.BoundaryAnalysisRecord) error {
	type key struct{ b, d, s uuid.UUID }
	seen := make(map[key]bool, len(rs))
	for _, r := range rs {
		k := key{r.BoundaryID, r.DemandModelID, r.SupplyModelID}
		if seen[k] {
			return fmt.Errorf("analysis for %s: %w", r.BoundaryID, store.ErrDuplicate)
		}
		seen[k] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.BoundaryAnalysisRecord, len(rs))
	for i, r := range rs {
		r.ID = newID(r.ID)
		r.StudyID = studyID
		out[i] = r
	}
	s.analysis[studyID] = out
	return nil
}

func (s *Store) AnalysisRecords(_ context.Context, studyID uuid.UUID) ([]store.BoundaryAnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.BoundaryAnalysisRecord(nil), s.analysis[studyID]...), nil
}

// ---- locking ----

func (s *Store) LockStudy(_ context.Context, id uuid.UUID) (func(), error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locked[id] {
		return nil, store.ErrStudyBusy
	}
	s.locked[id] = true
	return func() {
		s.lockMu.Lock()
		delete(s.locked, id)
		s.lockMu.Unlock()
	}, nil
}

func uniqueBoundaries[T any](rs []T, key func(T) uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(rs))
	for _, r := range rs {
		id := key(r)
		if seen[id] {
			return fmt.Errorf("boundary %s: %w", id, store.ErrDuplicate)
		}
		seen[id] = true
	}
	return nil
}
