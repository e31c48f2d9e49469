package ext4

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Descriptor field offsets. The checksum sits at the end of the 32-byte
// prefix; 64-bit volumes extend the record to DescSize bytes.
const (
	bgBlockBitmapLo = 0x0
	bgInodeBitmapLo = 0x4
	bgInodeTableLo  = 0x8
	bgFreeBlocksLo  = 0xC
	bgFreeInodesLo  = 0xE
	bgUsedDirsLo    = 0x10
	bgChecksum      = 0x1E
	bgBlockBitmapHi = 0x20
	bgInodeBitmapHi = 0x24
	bgInodeTableHi  = 0x28
	bgFreeBlocksHi  = 0x2C
	bgFreeInodesHi  = 0x2E
	bgUsedDirsHi    = 0x30
)

// BlockGroupDesc is one decoded group descriptor. Locations are full
// 64-bit block numbers; the high halves are zero on 32-bit volumes.
type BlockGroupDesc struct {
	BlockBitmap uint64
	InodeBitmap uint64
	InodeTable  uint64
	FreeBlocks  uint32
	FreeInodes  uint32
	UsedDirs    uint32
	Checksum    uint16

	raw []byte
}

// loadBlockGroupTable reads the primary descriptor table and verifies
// every entry's checksum.
func (p *Partition) loadBlockGroupTable() error {
	tableBytes := p.numBlockGroups * uint64(p.descSize)

	blocks := tableBytes / uint64(p.blockSize)
	if tableBytes%uint64(p.blockSize) != 0 {
		blocks++
	}

	// The primary table sits in the block right after the superblock's.
	start := uint64(1)
	if p.blockSize == 1024 {
		start = 2
	}

	gdt := make([]byte, blocks*uint64(p.blockSize))

	if err := p.readBlocks(gdt, start, blocks); err != nil {
		return err
	}

	p.gdt = gdt

	for group := uint64(0); group < p.numBlockGroups; group++ {
		desc, err := p.blockGroupDesc(uint32(group))
		if err != nil {
			return err
		}

		if !p.verifyBlockGroupDescChecksum(desc, uint32(group)) {
			p.log.Info("block group descriptor has an invalid checksum", "group", group)
			return errors.Wrapf(ErrVolumeCorrupted, "descriptor checksum for group %d", group)
		}
	}

	return nil
}

// blockGroupDesc decodes the group-th descriptor. Descriptors are
// DescSize bytes each, not a fixed-width array.
func (p *Partition) blockGroupDesc(group uint32) (*BlockGroupDesc, error) {
	off := uint64(group) * uint64(p.descSize)
	if uint64(group) >= p.numBlockGroups || off+uint64(p.descSize) > uint64(len(p.gdt)) {
		return nil, errors.Wrapf(ErrVolumeCorrupted, "block group %d out of range", group)
	}

	raw := p.gdt[off : off+uint64(p.descSize)]

	desc := &BlockGroupDesc{
		BlockBitmap: uint64(binary.LittleEndian.Uint32(raw[bgBlockBitmapLo:])),
		InodeBitmap: uint64(binary.LittleEndian.Uint32(raw[bgInodeBitmapLo:])),
		InodeTable:  uint64(binary.LittleEndian.Uint32(raw[bgInodeTableLo:])),
		FreeBlocks:  uint32(binary.LittleEndian.Uint16(raw[bgFreeBlocksLo:])),
		FreeInodes:  uint32(binary.LittleEndian.Uint16(raw[bgFreeInodesLo:])),
		UsedDirs:    uint32(binary.LittleEndian.Uint16(raw[bgUsedDirsLo:])),
		Checksum:    binary.LittleEndian.Uint16(raw[bgChecksum:]),
		raw:         raw,
	}

	if p.is64Bit() && p.descSize >= descSize64Bit {
		desc.BlockBitmap |= uint64(binary.LittleEndian.Uint32(raw[bgBlockBitmapHi:])) << 32
		desc.InodeBitmap |= uint64(binary.LittleEndian.Uint32(raw[bgInodeBitmapHi:])) << 32
		desc.InodeTable |= uint64(binary.LittleEndian.Uint32(raw[bgInodeTableHi:])) << 32
		desc.FreeBlocks |= uint32(binary.LittleEndian.Uint16(raw[bgFreeBlocksHi:])) << 16
		desc.FreeInodes |= uint32(binary.LittleEndian.Uint16(raw[bgFreeInodesHi:])) << 16
		desc.UsedDirs |= uint32(binary.LittleEndian.Uint16(raw[bgUsedDirsHi:])) << 16
	}

	return desc, nil
}

// calculateBlockGroupDescChecksum computes the expected descriptor
// checksum for the active scheme. The descriptor is checksummed with
// its bg_checksum field replaced by zeros.
func (p *Partition) calculateBlockGroupDescChecksum(desc *BlockGroupDesc, group uint32) uint16 {
	var zero [2]byte

	switch {
	case p.hasMetadataCsum():
		crc := p.metaChecksum32(group, p.seed)
		crc = p.metaChecksum(desc.raw[:bgChecksum], crc)
		crc = p.metaChecksum(zero[:], crc)

		if uint32(len(desc.raw)) > bgChecksum+2 {
			crc = p.metaChecksum(desc.raw[bgChecksum+2:], crc)
		}

		return uint16(crc)
	case p.hasGdtCsum():
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], group)

		crc := crc16Update(0, p.sb.UUID[:])
		crc = crc16Update(crc, le[:])
		crc = crc16Update(crc, desc.raw[:bgChecksum])
		crc = crc16Update(crc, zero[:])

		if uint32(len(desc.raw)) > bgChecksum+2 {
			crc = crc16Update(crc, desc.raw[bgChecksum+2:])
		}

		return crc
	default:
		return 0
	}
}

func (p *Partition) verifyBlockGroupDescChecksum(desc *BlockGroupDesc, group uint32) bool {
	if !p.hasMetadataCsum() && !p.hasGdtCsum() {
		return true
	}

	return desc.Checksum == p.calculateBlockGroupDescChecksum(desc, group)
}
