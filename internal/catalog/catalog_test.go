package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/store/memory"
)

func TestLoadEmbedded(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	dm, err := c.DemandModel("cssvs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{42, 43, 44, 45, 48, 46, 47, 49, 113, 1}, dm.Characteristics())
	assert.Equal(t, ModelID("demand_model", "CSSVS"), dm.ID)

	set, err := c.PerimeterSet("ISO")
	require.NoError(t, err)
	var labels []string
	for _, r := range set.Rings {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{"5", "10", "15", "20", "30"}, labels)

	sm, err := c.SupplyModel("CSSVS10")
	require.NoError(t, err)
	require.Len(t, sm.Weights, 4)
	assert.Equal(t, "5", sm.Weights[0].Ring.Label)
	assert.InDelta(t, 0.4, sm.Weights[0].Weight, 1e-12)
	assert.Equal(t, "20", sm.Weights[3].Ring.Label)

	assert.Equal(t, []int64{1, 113, 42, 43, 44, 45, 46, 47, 48, 49}, c.Defaults.Characteristics)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"cycle", `
characteristics:
  - {id: 1, name: a, parent: 2}
  - {id: 2, name: b, parent: 1}
`},
		{"unknown characteristic", `
characteristics:
  - {id: 1, name: a}
demand_models:
  - name: M
    terms:
      - {coefficient: 1, factors: [[7]]}
`},
		{"bad ring label", `
perimeter_sets:
  - name: ISO
    rings: ["five"]
`},
		{"weight on unknown ring", `
perimeter_sets:
  - name: ISO
    rings: ["5"]
supply_models:
  - name: S
    perimeter_set: ISO
    weights: {"10": 1}
`},
		{"duplicate model", `
characteristics:
  - {id: 1, name: a}
demand_models:
  - {name: M, terms: [{coefficient: 1, factors: [[1]]}]}
  - {name: m, terms: [{coefficient: 1, factors: [[1]]}]}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestTreeInsertRejectsCycles(t *testing.T) {
	tr := NewTree()
	p := func(v int64) *int64 { return &v }

	require.NoError(t, tr.Insert(41, nil))
	require.NoError(t, tr.Insert(42, p(41)))
	require.NoError(t, tr.Insert(420, p(42)))
	assert.Equal(t, []int64{42, 41}, tr.Ancestors(420))

	assert.ErrorIs(t, tr.Insert(41, p(420)), ErrCycle)
	assert.ErrorIs(t, tr.Insert(7, p(7)), ErrCycle)
	// The rejected insert leaves the tree unchanged.
	assert.Empty(t, tr.Ancestors(41))
}

func TestParseExtent(t *testing.T) {
	tests := []struct {
		label string
		want  float64
		err   bool
	}{
		{"5", 5, false},
		{" 10 min", 10, false},
		{"12.5min", 12.5, false},
		{"min", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseExtent(tt.label)
		if tt.err {
			assert.ErrorIs(t, err, ErrBadExtent, tt.label)
			continue
		}
		require.NoError(t, err, tt.label)
		assert.Equal(t, tt.want, got)
	}
}

func TestSortRingsIsNumeric(t *testing.T) {
	rs := []store.PerimeterRing{
		{Label: "10", Extent: 10},
		{Label: "15", Extent: 15},
		{Label: "20", Extent: 20},
		{Label: "5", Extent: 5},
	}
	SortRings(rs)
	assert.Equal(t, "5", rs[0].Label)
	assert.Equal(t, "20", rs[3].Label)
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := Load()
	require.NoError(t, err)

	s := memory.New()
	require.NoError(t, c.Seed(ctx, s))
	require.NoError(t, c.Seed(ctx, s))

	customers, err := s.Customers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, c.DefaultCustomerID(), customers[0].ID)

	sm, err := s.SupplyModelByName(ctx, "cssvs10")
	require.NoError(t, err)
	assert.Len(t, sm.Weights, 4)

	rings, err := s.Rings(ctx, sm.PerimeterSetID)
	require.NoError(t, err)
	assert.Len(t, rings, 5)

	chars, err := s.Characteristics(ctx, nil)
	require.NoError(t, err)
	assert.NoError(t, CheckAcyclic(chars))
}
