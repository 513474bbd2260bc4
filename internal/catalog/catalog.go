// Package catalog holds the reference data the engine is driven by: demand
// formulas, ring families, supply weightings and census characteristics. It is
// kept as data in catalog.yaml so new models need no code.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/propsavant/demalytics/internal/catalog/names"
	"github.com/propsavant/demalytics/internal/store"
)

//go:embed catalog.yaml
var embedded []byte

var ErrInvalid = errors.New("invalid catalog")

type CustomerSpec struct {
	Name string `yaml:"name"`
}

type CharacteristicSpec struct {
	ID      int64  `yaml:"id"`
	Country string `yaml:"country"`
	Name    string `yaml:"name"`
	Parent  *int64 `yaml:"parent"`
}

type PerimeterSetSpec struct {
	Name  string   `yaml:"name"`
	Rings []string `yaml:"rings"`
}

type DemandModelSpec struct {
	Name  string       `yaml:"name"`
	Terms []store.Term `yaml:"terms"`
}

type SupplyModelSpec struct {
	Name         string             `yaml:"name"`
	PerimeterSet string             `yaml:"perimeter_set"`
	Weights      map[string]float64 `yaml:"weights"`
}

// Defaults names what a new study and a pipeline run use unless told
// otherwise.
type Defaults struct {
	Characteristics []int64 `yaml:"characteristics"`
	DemandModel     string  `yaml:"demand_model"`
	SupplyModel     string  `yaml:"supply_model"`
	RingModel       string  `yaml:"ring_model"`
}

type Catalog struct {
	Customers       []CustomerSpec       `yaml:"customers"`
	Characteristics []CharacteristicSpec `yaml:"characteristics"`
	PerimeterSets   []PerimeterSetSpec   `yaml:"perimeter_sets"`
	DemandModels    []DemandModelSpec    `yaml:"demand_models"`
	SupplyModels    []SupplyModelSpec    `yaml:"supply_models"`
	Defaults        Defaults             `yaml:"defaults"`
}

// Load parses and validates the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

// Parse reads a catalog document and validates it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names are unique, ring labels carry an extent, weights name
// existing rings, formulas reference known characteristics and the
// characteristic hierarchy is acyclic.
func (c *Catalog) Validate() error {
	known := make(map[int64]bool, len(c.Characteristics))
	for _, ch := range c.Characteristics {
		if known[ch.ID] {
			return fmt.Errorf("%w: characteristic %d declared twice", ErrInvalid, ch.ID)
		}
		known[ch.ID] = true
	}
	if err := CheckAcyclic(c.characteristicRecords()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	sets := make(map[string]map[string]bool)
	for _, s := range c.PerimeterSets {
		key := names.Canonical(s.Name)
		if _, dup := sets[key]; dup {
			return fmt.Errorf("%w: perimeter set %q declared twice", ErrInvalid, s.Name)
		}
		labels := make(map[string]bool, len(s.Rings))
		for _, l := range s.Rings {
			if _, err := ParseExtent(l); err != nil {
				return fmt.Errorf("%w: set %q: %w", ErrInvalid, s.Name, err)
			}
			labels[names.Canonical(l)] = true
		}
		sets[key] = labels
	}

	demand := make(map[string]bool)
	for _, m := range c.DemandModels {
		key := names.Canonical(m.Name)
		if demand[key] {
			return fmt.Errorf("%w: demand model %q declared twice", ErrInvalid, m.Name)
		}
		demand[key] = true
		if len(m.Terms) == 0 {
			return fmt.Errorf("%w: demand model %q has no terms", ErrInvalid, m.Name)
		}
		for _, id := range (store.DemandModel{Terms: m.Terms}).Characteristics() {
			if !known[id] {
				return fmt.Errorf("%w: demand model %q references unknown characteristic %d", ErrInvalid, m.Name, id)
			}
		}
	}

	supply := make(map[string]bool)
	for _, m := range c.SupplyModels {
		key := names.Canonical(m.Name)
		if supply[key] {
			return fmt.Errorf("%w: supply model %q declared twice", ErrInvalid, m.Name)
		}
		supply[key] = true
		labels, ok := sets[names.Canonical(m.PerimeterSet)]
		if !ok {
			return fmt.Errorf("%w: supply model %q uses unknown perimeter set %q", ErrInvalid, m.Name, m.PerimeterSet)
		}
		for l := range m.Weights {
			if !labels[names.Canonical(l)] {
				return fmt.Errorf("%w: supply model %q weights unknown ring %q", ErrInvalid, m.Name, l)
			}
		}
	}

	d := c.Defaults
	if d.DemandModel != "" && !demand[names.Canonical(d.DemandModel)] {
		return fmt.Errorf("%w: default demand model %q not declared", ErrInvalid, d.DemandModel)
	}
	for _, name := range []string{d.SupplyModel, d.RingModel} {
		if name != "" && !supply[names.Canonical(name)] {
			return fmt.Errorf("%w: default supply model %q not declared", ErrInvalid, name)
		}
	}
	for _, id := range d.Characteristics {
		if !known[id] {
			return fmt.Errorf("%w: default characteristic %d not declared", ErrInvalid, id)
		}
	}
	return nil
}

func (c *Catalog) characteristicRecords() []store.Characteristic {
	out := make([]store.Characteristic, 0, len(c.Characteristics))
	for _, ch := range c.Characteristics {
		country := ch.Country
		if country == "" {
			country = "CA"
		}
		out = append(out, store.Characteristic{ID: ch.ID, Country: country, Name: ch.Name, ParentID: ch.Parent})
	}
	return out
}

// PerimeterSet builds the record for a declared set with rings sorted by
// extent.
func (c *Catalog) PerimeterSet(name string) (*store.PerimeterSet, error) {
	for _, s := range c.PerimeterSets {
		if !names.Equal(s.Name, name) {
			continue
		}
		set := &store.PerimeterSet{ID: ModelID("perimeter_set", s.Name), Name: s.Name}
		for _, l := range s.Rings {
			ext, err := ParseExtent(l)
			if err != nil {
				return nil, err
			}
			set.Rings = append(set.Rings, store.PerimeterRing{
				ID:             RingID(s.Name, l),
				PerimeterSetID: set.ID,
				Label:          l,
				Extent:         ext,
			})
		}
		SortRings(set.Rings)
		return set, nil
	}
	return nil, fmt.Errorf("perimeter set %q: %w", name, store.ErrNotFound)
}

// DemandModel builds the record for a declared demand model.
func (c *Catalog) DemandModel(name string) (*store.DemandModel, error) {
	for _, m := range c.DemandModels {
		if names.Equal(m.Name, name) {
			return &store.DemandModel{ID: ModelID("demand_model", m.Name), Name: m.Name, Terms: m.Terms}, nil
		}
	}
	return nil, fmt.Errorf("demand model %q: %w", name, store.ErrNotFound)
}

// SupplyModel builds the record for a declared supply model, weights ordered
// by ring extent.
func (c *Catalog) SupplyModel(name string) (*store.SupplyModel, error) {
	for _, m := range c.SupplyModels {
		if !names.Equal(m.Name, name) {
			continue
		}
		set, err := c.PerimeterSet(m.PerimeterSet)
		if err != nil {
			return nil, err
		}
		out := &store.SupplyModel{ID: ModelID("supply_model", m.Name), Name: m.Name, PerimeterSetID: set.ID}
		for _, r := range set.Rings {
			w, ok := lookupWeight(m.Weights, r.Label)
			if !ok {
				continue
			}
			out.Weights = append(out.Weights, store.RingWeight{
				ID:            WeightID(m.Name, r.Label),
				SupplyModelID: out.ID,
				RingID:        r.ID,
				Weight:        w,
				Ring:          r,
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("supply model %q: %w", name, store.ErrNotFound)
}

func lookupWeight(ws map[string]float64, label string) (float64, bool) {
	for l, w := range ws {
		if names.Equal(l, label) {
			return w, true
		}
	}
	return 0, false
}

// Seed upserts every catalog entry. Ids are deterministic so seeding twice
// converges.
func (c *Catalog) Seed(ctx context.Context, w store.CatalogWriter) error {
	for _, cu := range c.Customers {
		rec := store.Customer{ID: ModelID("customer", cu.Name), Name: cu.Name}
		if err := w.UpsertCustomer(ctx, &rec); err != nil {
			return fmt.Errorf("seed customer %q: %w", cu.Name, err)
		}
	}

	// Parents first so foreign keys resolve.
	chars := c.characteristicRecords()
	sort.SliceStable(chars, func(i, j int) bool {
		return (chars[i].ParentID == nil) && (chars[j].ParentID != nil)
	})
	for i := range chars {
		if err := w.UpsertCharacteristic(ctx, &chars[i]); err != nil {
			return fmt.Errorf("seed characteristic %d: %w", chars[i].ID, err)
		}
	}

	for _, s := range c.PerimeterSets {
		set, err := c.PerimeterSet(s.Name)
		if err != nil {
			return err
		}
		if err := w.UpsertPerimeterSet(ctx, set); err != nil {
			return fmt.Errorf("seed perimeter set %q: %w", s.Name, err)
		}
	}
	for _, m := range c.DemandModels {
		rec, err := c.DemandModel(m.Name)
		if err != nil {
			return err
		}
		if err := w.UpsertDemandModel(ctx, rec); err != nil {
			return fmt.Errorf("seed demand model %q: %w", m.Name, err)
		}
	}
	for _, m := range c.SupplyModels {
		rec, err := c.SupplyModel(m.Name)
		if err != nil {
			return err
		}
		if err := w.UpsertSupplyModel(ctx, rec); err != nil {
			return fmt.Errorf("seed supply model %q: %w", m.Name, err)
		}
	}
	return nil
}

// DefaultCustomerID is the id of the first declared customer.
func (c *Catalog) DefaultCustomerID() uuid.UUID {
	if len(c.Customers) == 0 {
		return uuid.Nil
	}
	return ModelID("customer", c.Customers[0].Name)
}
