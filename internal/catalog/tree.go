package catalog

import (
	"errors"
	"fmt"

	"github.com/propsavant/demalytics/internal/store"
)

var ErrCycle = errors.New("characteristic hierarchy cycle")

// Tree is an id-indexed parent table. Inserts that would close a cycle are
// rejected, so the table is acyclic by construction.
type Tree struct {
	parent map[int64]int64
}

func NewTree() *Tree {
	return &Tree{parent: make(map[int64]int64)}
}

// Insert records id under parent (nil for a root). It fails if parent's
// ancestor chain already contains id.
func (t *Tree) Insert(id int64, parent *int64) error {
	if parent == nil {
		delete(t.parent, id)
		return nil
	}
	for cur, ok := *parent, true; ok; cur, ok = t.parent[cur] {
		if cur == id {
			return fmt.Errorf("%w: %d -> %d", ErrCycle, id, *parent)
		}
	}
	t.parent[id] = *parent
	return nil
}

// Ancestors returns id's parent chain, nearest first.
func (t *Tree) Ancestors(id int64) []int64 {
	var out []int64
	for cur, ok := t.parent[id]; ok; cur, ok = t.parent[cur] {
		out = append(out, cur)
	}
	return out
}

// CheckAcyclic inserts every characteristic into a fresh tree.
func CheckAcyclic(cs []store.Characteristic) error {
	t := NewTree()
	for _, c := range cs {
		if err := t.Insert(c.ID, c.ParentID); err != nil {
			return err
		}
	}
	return nil
}
