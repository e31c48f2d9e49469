package ext4

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	extentHeaderMagic = 0xF30A

	// The tree is a shallow B+-tree; anything deeper is corruption.
	extentTreeMaxDepth = 5

	extentHeaderSize = 12
	extentEntrySize  = 12
)

// extentHeader prefixes every extent-tree node, including the root
// embedded in i_data.
type extentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// extentIndex is an interior-node entry pointing at the next level.
type extentIndex struct {
	Block  uint32
	LeafLo uint32
	LeafHi uint16
	Unused uint16
}

func (ix *extentIndex) leaf() uint64 {
	return uint64(ix.LeafHi)<<32 | uint64(ix.LeafLo)
}

// Extent is a leaf entry: a contiguous run of Len blocks mapping
// logical block Block onwards to the 48-bit physical start.
type Extent struct {
	Block   uint32
	Len     uint16
	StartHi uint16
	StartLo uint32
}

func (e *Extent) start() uint64 {
	return uint64(e.StartHi)<<32 | uint64(e.StartLo)
}

func (e *Extent) covers(block uint32) bool {
	return block >= e.Block && uint64(block) < uint64(e.Block)+uint64(e.Len)
}

func (h *extentHeader) valid(nodeBytes uint32) bool {
	if h.Magic != extentHeaderMagic {
		return false
	}

	if h.Depth > extentTreeMaxDepth {
		return false
	}

	if h.Entries > h.Max {
		return false
	}

	// The entries must fit the node that claims to hold them.
	if extentHeaderSize+uint32(h.Entries)*extentEntrySize > nodeBytes {
		return false
	}

	return true
}

// decodeExtentNode splits an extent-tree node into its header and raw
// entry bytes. node is either the 60-byte i_data region or one block.
func decodeExtentNode(node []byte) (extentHeader, []byte, error) {
	var hdr extentHeader

	if err := binary.Read(bytes.NewReader(node), binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, errors.Wrap(ErrVolumeCorrupted, "decoding extent header")
	}

	if !hdr.valid(uint32(len(node))) {
		return hdr, nil, errors.Wrap(ErrVolumeCorrupted, "invalid extent header")
	}

	return hdr, node[extentHeaderSize:], nil
}

func decodeExtentIndexes(entries []byte, n uint16) []extentIndex {
	out := make([]extentIndex, n)
	for i := range out {
		b := entries[i*extentEntrySize:]
		out[i] = extentIndex{
			Block:  binary.LittleEndian.Uint32(b),
			LeafLo: binary.LittleEndian.Uint32(b[4:]),
			LeafHi: binary.LittleEndian.Uint16(b[8:]),
		}
	}

	return out
}

func decodeExtents(entries []byte, n uint16) []Extent {
	out := make([]Extent, n)
	for i := range out {
		b := entries[i*extentEntrySize:]
		out[i] = Extent{
			Block:   binary.LittleEndian.Uint32(b),
			Len:     binary.LittleEndian.Uint16(b[4:]),
			StartHi: binary.LittleEndian.Uint16(b[6:]),
			StartLo: binary.LittleEndian.Uint32(b[8:]),
		}
	}

	return out
}

// searchExtentKeys returns the index of the last entry whose key is <=
// block. With no such entry it returns 0 - the first entry - which the
// caller must range-check; ok is false only for an empty node.
func searchExtentKeys(n int, key func(int) uint32, block uint32) (int, bool) {
	if n == 0 {
		return 0, false
	}

	lo, hi := 0, n-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if block < key(mid) {
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}

	if lo == 0 {
		return 0, true
	}

	return lo - 1, true
}

// readExtentTreeBlock fetches one extent-tree node block, consulting
// the partition's leaf cache first. Tree nodes are immutable on a
// read-only mount, so cached copies never go stale.
func (p *Partition) readExtentTreeBlock(block uint64) ([]byte, error) {
	if p.leafCache != nil {
		if buf, ok := p.leafCache.Get(block); ok {
			return buf, nil
		}
	}

	buf := make([]byte, p.blockSize)
	if err := p.readBlocks(buf, block, 1); err != nil {
		return nil, err
	}

	if p.leafCache != nil {
		p.leafCache.Add(block, buf)
	}

	return buf, nil
}

// getExtent resolves the extent covering logicalBlock for f, consulting
// the handle's extent map before walking the on-disk tree. Holes yield
// ErrNoMapping. Every leaf entry visited on a tree walk is cached.
func (p *Partition) getExtent(f *File, logicalBlock uint64) (Extent, error) {
	extentRequests.Inc()

	// ext4 logical block numbers are 32-bit.
	if logicalBlock > math.MaxUint32 {
		return Extent{}, errors.Wrapf(ErrNoMapping, "logical block %d", logicalBlock)
	}

	block := uint32(logicalBlock)

	if e, ok := f.extents.find(block); ok {
		extentCacheHits.Inc()
		return *e, nil
	}

	if !f.inode.usesExtents() {
		return Extent{}, errors.Wrapf(ErrVolumeCorrupted, "inode %d is not extent-mapped", f.inodeNum)
	}

	hdr, entries, err := decodeExtentNode(f.inode.Block[:])
	if err != nil {
		return Extent{}, err
	}

	for hdr.Depth != 0 {
		// Interior node: every entry is an index. Entries are sorted by
		// logical block, so binary search picks the child to descend.
		indexes := decodeExtentIndexes(entries, hdr.Entries)

		i, ok := searchExtentKeys(len(indexes), func(i int) uint32 { return indexes[i].Block }, block)
		if !ok {
			return Extent{}, errors.Wrapf(ErrVolumeCorrupted, "empty interior extent node for inode %d", f.inodeNum)
		}

		node, err := p.readExtentTreeBlock(indexes[i].leaf())
		if err != nil {
			return Extent{}, err
		}

		hdr, entries, err = decodeExtentNode(node)
		if err != nil {
			return Extent{}, err
		}
	}

	leaves := decodeExtents(entries, hdr.Entries)

	// Cache the whole leaf: access is usually sequential and the
	// allocator keeps extent counts small.
	f.cacheExtents(leaves)

	i, ok := searchExtentKeys(len(leaves), func(i int) uint32 { return leaves[i].Block }, block)
	if !ok {
		return Extent{}, errors.Wrapf(ErrNoMapping, "block %d", block)
	}

	if !leaves[i].covers(block) {
		// A gap between extents encodes a hole.
		return Extent{}, errors.Wrapf(ErrNoMapping, "block %d", block)
	}

	return leaves[i], nil
}

// cacheExtents inserts a run of leaf entries into the handle's map.
func (f *File) cacheExtents(leaves []Extent) {
	for i := range leaves {
		e := leaves[i]
		f.extents.insert(&e)
	}
}
