package ext4

import (
	"github.com/ironpark/skiplist"
)

// extentMap is the per-handle cache of extents already pulled off the
// tree, keyed by the first logical block each extent covers. Insertion
// orders strictly on that key; queries resolve a bare block number by
// floor lookup plus a containment check, since the covering extent's
// key is usually below the queried block.
type extentMap struct {
	list skiplist.SkipList[uint32, *Extent]
}

func newExtentMap() *extentMap {
	return &extentMap{
		list: skiplist.New[uint32, *Extent](skiplist.NumberComparator),
	}
}

// find returns the cached extent covering block, if any.
func (m *extentMap) find(block uint32) (*Extent, bool) {
	elem := m.list.Find(block)

	// Find gives the first entry keyed >= block; the covering extent is
	// that entry only on exact key match, otherwise its predecessor.
	switch {
	case elem == nil:
		elem = m.list.Back()
	case elem.Key() != block:
		elem = elem.Prev()
	}

	if elem == nil || !elem.Value.covers(block) {
		return nil, false
	}

	return elem.Value, true
}

// insert adds e unless an extent with the same starting block is
// already cached; re-insertion is a no-op.
func (m *extentMap) insert(e *Extent) {
	if elem := m.list.Find(e.Block); elem != nil && elem.Key() == e.Block {
		return
	}

	m.list.Set(e.Block, e)
}

func (m *extentMap) len() int {
	return m.list.Len()
}

// drain empties the map entry by entry. Handles call it on close.
func (m *extentMap) drain() {
	for elem := m.list.Front(); elem != nil; elem = m.list.Front() {
		m.list.Remove(elem.Key())
	}
}
