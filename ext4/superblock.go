package ext4

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// SuperblockOffset is the absolute byte offset of the superblock.
	SuperblockOffset = 1024
	superblockSize   = 1024

	superblockMagic = 0xEF53

	goodOldRev = 0
	dynamicRev = 1

	goodOldInodeSize = 128

	// State bit: the filesystem was cleanly unmounted. We refuse dirty
	// filesystems rather than risk replaying nothing over a torn write.
	stateUnmounted = 1

	checksumTypeCRC32c = 1

	oldDescSize   = 32
	descSize64Bit = 64

	// sbChecksumOffset is where s_checksum lives; the superblock
	// checksum covers everything before it.
	sbChecksumOffset = 0x3FC
)

type (
	// CompatFeature bits don't affect read correctness either way.
	CompatFeature uint32
	// IncompatFeature bits make the volume unreadable when unknown.
	IncompatFeature uint32
	// RoCompatFeature bits may be ignored when mounting read-only.
	RoCompatFeature uint32
)

const (
	IncompatFiletype IncompatFeature = 0x2
	IncompatExtents  IncompatFeature = 0x40
	Incompat64Bit    IncompatFeature = 0x80
	IncompatMMP      IncompatFeature = 0x100
	IncompatFlexBg   IncompatFeature = 0x200
	IncompatCsumSeed IncompatFeature = 0x2000
	IncompatDirdata  IncompatFeature = 0x1000
	IncompatLargedir IncompatFeature = 0x4000000

	RoCompatSparseSuper  RoCompatFeature = 0x1
	RoCompatLargeFile    RoCompatFeature = 0x2
	RoCompatHugeFile     RoCompatFeature = 0x8
	RoCompatGdtCsum      RoCompatFeature = 0x10
	RoCompatDirNlink     RoCompatFeature = 0x20
	RoCompatExtraIsize   RoCompatFeature = 0x40
	RoCompatMetadataCsum RoCompatFeature = 0x400
)

const supportedIncompat = Incompat64Bit | IncompatDirdata | IncompatFlexBg |
	IncompatFiletype | IncompatExtents | IncompatLargedir | IncompatMMP

const supportedRoCompat = RoCompatDirNlink | RoCompatExtraIsize |
	RoCompatHugeFile | RoCompatLargeFile | RoCompatGdtCsum |
	RoCompatMetadataCsum | RoCompatSparseSuper

// Superblock is the in-memory image of the on-disk superblock. The
// layout is bit-exact and little-endian; binary.Read consumes all 1024
// bytes.
type Superblock struct {
	InodesCount          uint32
	BlocksCountLo        uint32
	RBlocksCountLo       uint32
	FreeBlocksCountLo    uint32
	FreeInodesCount      uint32
	FirstDataBlock       uint32
	LogBlockSize         uint32
	LogClusterSize       uint32
	BlocksPerGroup       uint32
	ClustersPerGroup     uint32
	InodesPerGroup       uint32
	Mtime                uint32
	Wtime                uint32
	MntCount             uint16
	MaxMntCount          uint16
	Magic                uint16
	State                uint16
	Errors               uint16
	MinorRevLevel        uint16
	LastCheck            uint32
	CheckInterval        uint32
	CreatorOS            uint32
	RevLevel             uint32
	DefResuid            uint16
	DefResgid            uint16
	FirstIno             uint32
	InodeSize            uint16
	BlockGroupNr         uint16
	FeatureCompat        CompatFeature
	FeatureIncompat      IncompatFeature
	FeatureRoCompat      RoCompatFeature
	UUID                 [16]byte
	VolumeName           [16]byte
	LastMounted          [64]byte
	AlgorithmUsageBitmap uint32
	PreallocBlocks       uint8
	PreallocDirBlocks    uint8
	ReservedGdtBlocks    uint16
	JournalUUID          [16]byte
	JournalInum          uint32
	JournalDev           uint32
	LastOrphan           uint32
	HashSeed             [4]uint32
	DefHashVersion       uint8
	JournalBackupType    uint8
	DescSize             uint16
	DefaultMountOpts     uint32
	FirstMetaBg          uint32
	MkfsTime             uint32
	JournalBlocks        [17]uint32
	BlocksCountHi        uint32
	RBlocksCountHi       uint32
	FreeBlocksCountHi    uint32
	MinExtraIsize        uint16
	WantExtraIsize       uint16
	Flags                uint32
	RaidStride           uint16
	MmpInterval          uint16
	MmpBlock             uint64
	RaidStripeWidth      uint32
	LogGroupsPerFlex     uint8
	ChecksumType         uint8
	ReservedPad          uint16
	KbytesWritten        uint64
	SnapshotInum         uint32
	SnapshotID           uint32
	SnapshotRBlocksCount uint64
	SnapshotList         uint32
	ErrorCount           uint32
	FirstErrorTime       uint32
	FirstErrorIno        uint32
	FirstErrorBlock      uint64
	FirstErrorFunc       [32]byte
	FirstErrorLine       uint32
	LastErrorTime        uint32
	LastErrorIno         uint32
	LastErrorLine        uint32
	LastErrorBlock       uint64
	LastErrorFunc        [32]byte
	MountOpts            [64]byte
	UsrQuotaInum         uint32
	GrpQuotaInum         uint32
	OverheadClusters     uint32
	BackupBgs            [2]uint32
	EncryptAlgos         [4]byte
	EncryptPwSalt        [16]byte
	LpfIno               uint32
	PrjQuotaInum         uint32
	ChecksumSeed         uint32
	WtimeHi              uint8
	MtimeHi              uint8
	MkfsTimeHi           uint8
	LastcheckHi          uint8
	FirstErrorTimeHi     uint8
	LastErrorTimeHi      uint8
	FirstErrorErrcode    uint8
	LastErrorErrcode     uint8
	EncodingVal          uint16
	EncodingFlags        uint16
	OrphanFileInum       uint32
	Reserved             [94]uint32
	Checksum             uint32
}

func (sb *Superblock) validate() bool {
	if sb.Magic != superblockMagic {
		return false
	}

	if sb.RevLevel != dynamicRev && sb.RevLevel != goodOldRev {
		return false
	}

	if sb.State&stateUnmounted == 0 {
		return false
	}

	return true
}

func (p *Partition) superblockChecksum() uint32 {
	return p.metaChecksum(p.sbRaw[:sbChecksumOffset], ^uint32(0))
}

// openSuperblock reads and validates the superblock, derives the mount
// geometry and feature state, loads the descriptor table, and opens the
// root inode.
func (p *Partition) openSuperblock() error {
	if err := p.diskRead(p.sbRaw[:], SuperblockOffset); err != nil {
		return err
	}

	if err := binary.Read(bytes.NewReader(p.sbRaw[:]), binary.LittleEndian, &p.sb); err != nil {
		return errors.Wrap(ErrVolumeCorrupted, "decoding superblock")
	}

	sb := &p.sb

	if !sb.validate() {
		return errors.Wrap(ErrVolumeCorrupted, "superblock failed validation")
	}

	if sb.RevLevel == dynamicRev {
		p.featuresCompat = sb.FeatureCompat
		p.featuresIncompat = sb.FeatureIncompat
		p.featuresRoCompat = sb.FeatureRoCompat
		p.inodeSize = uint32(sb.InodeSize)
	} else {
		p.featuresCompat = 0
		p.featuresIncompat = 0
		p.featuresRoCompat = 0
		p.inodeSize = goodOldInodeSize
	}

	// Unknown incompat bits mean we cannot interpret the volume at all.
	if unknown := p.featuresIncompat &^ supportedIncompat; unknown != 0 {
		p.log.Info("unsupported incompat features", "bits", uint32(unknown))
		return errors.Wrapf(ErrUnsupported, "incompat features %#x", uint32(unknown))
	}

	if p.hasMetadataCsum() && sb.ChecksumType != checksumTypeCRC32c {
		return errors.Wrapf(ErrUnsupported, "checksum type %d", sb.ChecksumType)
	}

	if p.featuresIncompat&IncompatCsumSeed != 0 {
		p.seed = sb.ChecksumSeed
	} else {
		p.seed = p.metaChecksum(sb.UUID[:], ^uint32(0))
	}

	if unknown := p.featuresRoCompat &^ supportedRoCompat; unknown != 0 {
		p.log.Info("unsupported ro_compat features, mounting read-only", "bits", uint32(unknown))
		p.readOnly = true
	}

	p.blockSize = 1024 << sb.LogBlockSize

	// A block group always spans one block-bitmap block's worth of blocks.
	if sb.BlocksPerGroup != 8*p.blockSize {
		return errors.Wrapf(ErrUnsupported, "blocks per group %d with block size %d", sb.BlocksPerGroup, p.blockSize)
	}

	p.numBlocks = p.composeBlockNr(sb.BlocksCountLo, sb.BlocksCountHi)
	p.numBlockGroups = p.numBlocks / uint64(sb.BlocksPerGroup)

	p.log.Debug("volume geometry",
		"blocks", p.numBlocks,
		"block-groups", p.numBlockGroups,
		"block-size", p.blockSize,
		"read-only", p.readOnly,
	)

	if p.is64Bit() {
		p.descSize = uint32(sb.DescSize)
	} else {
		p.descSize = oldDescSize
	}

	if p.is64Bit() && p.descSize < descSize64Bit {
		return errors.Wrapf(ErrVolumeCorrupted, "descriptor size %d on a 64-bit volume", p.descSize)
	}

	if p.hasMetadataCsum() && sb.Checksum != p.superblockChecksum() {
		p.log.Error("bad superblock checksum", "calculated", p.superblockChecksum(), "stored", sb.Checksum)
		return errors.Wrap(ErrVolumeCorrupted, "superblock checksum mismatch")
	}

	if err := p.loadBlockGroupTable(); err != nil {
		return err
	}

	root, err := p.openRoot()
	if err != nil {
		return err
	}

	p.root = root

	return nil
}

func (p *Partition) is64Bit() bool {
	return p.featuresIncompat&Incompat64Bit != 0
}

func (p *Partition) hasMetadataCsum() bool {
	return p.featuresRoCompat&RoCompatMetadataCsum != 0
}

// hasGdtCsum tests the gdt_csum ro_compat bit. The two checksum schemes
// are mutually exclusive on real volumes; metadata_csum wins when both
// are present.
func (p *Partition) hasGdtCsum() bool {
	return p.featuresRoCompat&RoCompatGdtCsum != 0
}

func (p *Partition) hasRoCompat(f RoCompatFeature) bool {
	return p.featuresRoCompat&f != 0
}

// composeBlockNr builds a block number from its on-disk halves. The
// high half only exists on 64-bit volumes.
func (p *Partition) composeBlockNr(lo, hi uint32) uint64 {
	if p.is64Bit() {
		return uint64(hi)<<32 | uint64(lo)
	}

	return uint64(lo)
}
