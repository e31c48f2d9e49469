package ext4

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const rootInodeNr = 2

// Inode mode type nibble.
const (
	inoTypeFifo     = 0x1000
	inoTypeCharDev  = 0x2000
	inoTypeDir      = 0x4000
	inoTypeBlockDev = 0x6000
	inoTypeRegular  = 0x8000
	inoTypeSymlink  = 0xA000
	inoTypeUnixSock = 0xC000

	inoTypeMask = 0xF000
)

// Inode flags.
const (
	inoFlagHugeFile = 0x40000
	inoFlagExtents  = 0x80000
)

// Byte offsets inside the on-disk inode record used by the checksum
// pipeline and field-presence tests.
const (
	inodeChecksumLoOff = 0x7C
	inodeReservedOff   = 0x7E
	inodeExtraIsizeOff = 0x80
	inodeChecksumHiOff = 0x82
	inodeCtimeExtraOff = 0x84
	inodeMtimeExtraOff = 0x88
	inodeAtimeExtraOff = 0x8C
	inodeCrtimeOff     = 0x90
	inodeCrtimeExtraOff = 0x94

	// inodeRecordSize is the size of the canonical on-disk record with
	// every extended field; buffers are at least this big so the
	// extended accessors never index out of range.
	inodeRecordSize = 160
)

// inodeCore is the 128-byte record every revision carries.
type inodeCore struct {
	Mode        uint16
	UID         uint16
	SizeLo      uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	BlocksLo    uint32
	Flags       uint32
	Version     uint32
	Block       [60]byte
	Generation  uint32
	FileACLLo   uint32
	SizeHigh    uint32
	ObsoFaddr   uint32
	BlocksHigh  uint16
	FileACLHigh uint16
	UIDHigh     uint16
	GIDHigh     uint16
	ChecksumLo  uint16
	Reserved    uint16
}

// inodeExtra is the extended tail; how much of it is meaningful is
// governed by ExtraIsize.
type inodeExtra struct {
	ExtraIsize  uint16
	ChecksumHi  uint16
	CtimeExtra  uint32
	MtimeExtra  uint32
	AtimeExtra  uint32
	Crtime      uint32
	CrtimeExtra uint32
	VersionHi   uint32
	ProjID      uint32
}

// Inode is a decoded inode plus the raw record bytes it came from.
// Handles own their inode image exclusively.
type Inode struct {
	inodeCore
	extra inodeExtra

	raw []byte
}

// Size returns the file size composed from both halves.
func (ino *Inode) Size() uint64 {
	return uint64(ino.SizeHigh)<<32 | uint64(ino.SizeLo)
}

func (ino *Inode) fileType() uint16 {
	return ino.Mode & inoTypeMask
}

func (ino *Inode) isDir() bool {
	return ino.fileType() == inoTypeDir
}

func (ino *Inode) isRegular() bool {
	return ino.fileType() == inoTypeRegular
}

func (ino *Inode) usesExtents() bool {
	return ino.Flags&inoFlagExtents != 0
}

// hasField reports whether the extended field ending at off+size is
// actually stored in this inode record.
func (ino *Inode) hasField(off, size uint32) bool {
	return uint32(ino.extra.ExtraIsize)+goodOldInodeSize >= off+size
}

const extraTimestampMask = 1<<2 - 1

// decodeTime splits a timestamp and its extra-precision half into a
// wall-clock time. The low 2 extra bits extend the epoch past 32-bit
// seconds; the upper 30 bits are nanoseconds.
func decodeTime(seconds uint32, extra uint32, hasExtra bool) time.Time {
	epoch := int64(seconds)
	nanos := int64(0)

	if hasExtra {
		epoch |= int64(extra&extraTimestampMask) << 32
		nanos = int64(extra >> 2)
	}

	return time.Unix(epoch, nanos).UTC()
}

func (ino *Inode) accessTime() time.Time {
	return decodeTime(ino.Atime, ino.extra.AtimeExtra, ino.hasField(inodeAtimeExtraOff, 4))
}

func (ino *Inode) modificationTime() time.Time {
	return decodeTime(ino.Mtime, ino.extra.MtimeExtra, ino.hasField(inodeMtimeExtraOff, 4))
}

// creationTime returns the zero time when the record is too small to
// carry a crtime.
func (ino *Inode) creationTime() time.Time {
	if !ino.hasField(inodeCrtimeOff, 4) {
		return time.Time{}
	}

	return decodeTime(ino.extra.Crtime, ino.extra.CrtimeExtra, ino.hasField(inodeCrtimeExtraOff, 4))
}

// physicalSpace returns the bytes of storage backing the inode. Under
// HUGE_FILE the block count gains a high half, and with the huge-file
// inode flag each unit is a filesystem block instead of 512 bytes.
func (ino *Inode) physicalSpace(p *Partition) uint64 {
	blocks := uint64(ino.BlocksLo)

	if p.hasRoCompat(RoCompatHugeFile) {
		blocks |= uint64(ino.BlocksHigh) << 32

		if ino.Flags&inoFlagHugeFile != 0 {
			return blocks * uint64(p.blockSize)
		}
	}

	return blocks * 512
}

// readInode fetches inode number inodeNum from its group's inode table
// and verifies its checksum.
func (p *Partition) readInode(inodeNum uint32) (*Inode, error) {
	if inodeNum < 1 {
		return nil, errors.Wrap(ErrVolumeCorrupted, "inode number 0")
	}

	idx := uint64(inodeNum - 1)
	group := idx / uint64(p.sb.InodesPerGroup)
	offInGroup := idx % uint64(p.sb.InodesPerGroup)

	if group >= p.numBlockGroups {
		return nil, errors.Wrapf(ErrVolumeCorrupted, "inode %d maps to block group %d of %d", inodeNum, group, p.numBlockGroups)
	}

	desc, err := p.blockGroupDesc(uint32(group))
	if err != nil {
		return nil, err
	}

	bufLen := p.inodeSize
	if bufLen < inodeRecordSize {
		bufLen = inodeRecordSize
	}

	raw := make([]byte, bufLen)

	off := p.blockToByteOffset(desc.InodeTable) + int64(offInGroup*uint64(p.inodeSize))

	if err := p.diskRead(raw[:p.inodeSize], off); err != nil {
		p.log.Error("error reading inode",
			"inode", inodeNum,
			"group", group,
			"table-start", desc.InodeTable,
			"error", err,
		)
		return nil, err
	}

	ino, err := decodeInode(raw, p.inodeSize)
	if err != nil {
		return nil, err
	}

	if !p.checkInodeChecksum(ino, inodeNum) {
		p.log.Error("inode has invalid checksum",
			"inode", inodeNum,
			"calculated", p.calculateInodeChecksum(ino, inodeNum),
		)
		return nil, errors.Wrapf(ErrVolumeCorrupted, "inode %d checksum", inodeNum)
	}

	return ino, nil
}

func decodeInode(raw []byte, inodeSize uint32) (*Inode, error) {
	ino := &Inode{raw: raw}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ino.inodeCore); err != nil {
		return nil, errors.Wrap(ErrVolumeCorrupted, "decoding inode")
	}

	if inodeSize > goodOldInodeSize {
		r := bytes.NewReader(raw[goodOldInodeSize:])
		if err := binary.Read(r, binary.LittleEndian, &ino.extra); err != nil {
			return nil, errors.Wrap(ErrVolumeCorrupted, "decoding extended inode")
		}
	}

	return ino, nil
}

// calculateInodeChecksum runs the metadata checksum pipeline over the
// inode record: the inode number and generation seed the chain, then
// the record is folded with each stored checksum field replaced by
// zeros.
func (p *Partition) calculateInodeChecksum(ino *Inode, inodeNum uint32) uint32 {
	var zero [2]byte

	hasHi := ino.hasField(inodeChecksumHiOff, 2)

	crc := p.metaChecksum32(inodeNum, p.seed)
	crc = p.metaChecksum32(ino.Generation, crc)
	crc = p.metaChecksum(ino.raw[:inodeChecksumLoOff], crc)
	crc = p.metaChecksum(zero[:], crc)

	if hasHi {
		crc = p.metaChecksum(ino.raw[inodeReservedOff:inodeChecksumHiOff], crc)
		crc = p.metaChecksum(zero[:], crc)
		crc = p.metaChecksum(ino.raw[inodeCtimeExtraOff:p.inodeSize], crc)
	} else {
		crc = p.metaChecksum(ino.raw[inodeReservedOff:p.inodeSize], crc)
	}

	return crc
}

func (p *Partition) checkInodeChecksum(ino *Inode, inodeNum uint32) bool {
	if !p.hasMetadataCsum() {
		return true
	}

	csum := p.calculateInodeChecksum(ino, inodeNum)
	stored := uint32(ino.ChecksumLo)

	if ino.hasField(inodeChecksumHiOff, 2) {
		stored |= uint32(ino.extra.ChecksumHi) << 16
	} else {
		csum &= 0xFFFF
	}

	return csum == stored
}
