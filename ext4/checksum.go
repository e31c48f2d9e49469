package ext4

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"

	"github.com/sigurn/crc16"
)

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
	crc16Table  = crc16.MakeTable(crc16.CRC16_ARC)
)

// metaChecksum folds buf into a running metadata checksum. It returns 0
// when metadata_csum is off, which callers read as "do not verify".
//
// The on-disk convention is ~crc32c(buf, ~init), where crc32c is the
// standard Castagnoli CRC with its own pre/post inversion (crc32.Update).
// The outer inversions cancel that pair, leaving the raw CRC register
// chained from init, so one call's result seeds the next.
func (p *Partition) metaChecksum(buf []byte, init uint32) uint32 {
	if !p.hasMetadataCsum() {
		return 0
	}

	return ^crc32.Update(^init, crc32cTable, buf)
}

// metaChecksum32 folds a little-endian uint32 into the chain. Group and
// inode numbers enter the checksum this way.
func (p *Partition) metaChecksum32(v uint32, init uint32) uint32 {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], v)

	return p.metaChecksum(le[:], init)
}

// crc16Update folds buf into a running CRC16 (the older gdt_csum
// scheme; CRC-16/ARC parameters, no inversion). crc is a finished
// CRC-16/ARC value, so one call's result seeds the next.
func crc16Update(crc uint16, buf []byte) uint16 {
	// The library keeps its running register bit-reversed until Complete.
	return crc16.Complete(crc16.Update(bits.Reverse16(crc), buf, crc16Table), crc16Table)
}
