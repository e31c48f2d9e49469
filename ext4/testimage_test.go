package ext4

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// The test volume: 1 KiB blocks, a single block group, inode table at
// block 16, root directory payload at block 32.
const (
	testBlockSize      = 1024
	testBlocksPerGroup = 8 * testBlockSize
	testNumBlocks      = testBlocksPerGroup
	testInodesPerGroup = 32
	testGdtBlock       = 2
	testInodeTable     = 16
	testRootDirBlock   = 32
)

var testUUID = [16]byte{
	0x3a, 0x5e, 0x1d, 0x09, 0x47, 0xc2, 0x4f, 0x11,
	0x8b, 0x30, 0x66, 0x0f, 0xd4, 0xab, 0x21, 0x77,
}

type readRange struct {
	off int64
	len int
}

// testDevice is an in-memory volume that records every read issued
// against it.
type testDevice struct {
	data  []byte
	reads []readRange
}

func (d *testDevice) ReadAt(p []byte, off int64) (int, error) {
	d.reads = append(d.reads, readRange{off: off, len: len(p)})

	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}

	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

// readsTouching returns the recorded reads overlapping [off, off+n).
func (d *testDevice) readsTouching(off int64, n int64) []readRange {
	var out []readRange

	for _, r := range d.reads {
		if r.off < off+n && r.off+int64(r.len) > off {
			out = append(out, r)
		}
	}

	return out
}

func testLog(t *testing.T) *slog.Logger {
	t.Helper()

	out := io.Discard
	if os.Getenv("EXTFS_TEST_DEBUG") != "" {
		out = io.Writer(os.Stderr)
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// imgBuilder assembles a synthetic volume. With csum set it stamps
// metadata_csum checksums using the same pipelines the driver verifies
// with.
type imgBuilder struct {
	t   *testing.T
	dev *testDevice

	inodeSize uint32
	csum      bool

	sb Superblock

	// ckp is a throwaway partition carrying just enough state to run
	// the checksum pipelines while building.
	ckp *Partition
}

type imgOption func(*imgBuilder)

func withMetadataCsum() imgOption {
	return func(b *imgBuilder) {
		b.csum = true
		b.inodeSize = 256
	}
}

func newImage(t *testing.T, opts ...imgOption) *imgBuilder {
	t.Helper()

	b := &imgBuilder{
		t:         t,
		dev:       &testDevice{data: make([]byte, testNumBlocks*testBlockSize)},
		inodeSize: goodOldInodeSize,
	}

	for _, o := range opts {
		o(b)
	}

	b.sb = Superblock{
		InodesCount:       testInodesPerGroup,
		BlocksCountLo:     testNumBlocks,
		FreeBlocksCountLo: 512,
		FirstDataBlock:    1,
		LogBlockSize:      0,
		BlocksPerGroup:    testBlocksPerGroup,
		InodesPerGroup:    testInodesPerGroup,
		Magic:             superblockMagic,
		State:             stateUnmounted,
		RevLevel:          dynamicRev,
		FirstIno:          11,
		InodeSize:         uint16(b.inodeSize),
		FeatureIncompat:   IncompatFiletype | IncompatExtents,
		UUID:              testUUID,
	}
	copy(b.sb.VolumeName[:], "testvol")

	if b.csum {
		b.sb.FeatureRoCompat = RoCompatMetadataCsum
		b.sb.ChecksumType = checksumTypeCRC32c
	}

	b.ckp = &Partition{
		log:              testLog(t),
		featuresRoCompat: b.sb.FeatureRoCompat,
		inodeSize:        b.inodeSize,
		blockSize:        testBlockSize,
		sb:               b.sb,
	}
	b.ckp.seed = b.ckp.metaChecksum(testUUID[:], ^uint32(0))

	b.writeSuperblock()
	b.writeGroupDesc()
	b.writeRootDir(nil)

	return b
}

func (b *imgBuilder) writeSuperblock() {
	var buf bytes.Buffer

	require.NoError(b.t, binary.Write(&buf, binary.LittleEndian, &b.sb))
	require.Equal(b.t, superblockSize, buf.Len())

	raw := buf.Bytes()

	if b.csum {
		csum := b.ckp.metaChecksum(raw[:sbChecksumOffset], ^uint32(0))
		binary.LittleEndian.PutUint32(raw[sbChecksumOffset:], csum)
	}

	copy(b.dev.data[SuperblockOffset:], raw)
}

// mutateSuperblock rewrites a field and restamps the checksum.
func (b *imgBuilder) mutateSuperblock(mutate func(*Superblock)) {
	mutate(&b.sb)
	b.writeSuperblock()
}

func (b *imgBuilder) writeGroupDesc() {
	raw := make([]byte, oldDescSize)

	binary.LittleEndian.PutUint32(raw[bgBlockBitmapLo:], 8)
	binary.LittleEndian.PutUint32(raw[bgInodeBitmapLo:], 9)
	binary.LittleEndian.PutUint32(raw[bgInodeTableLo:], testInodeTable)
	binary.LittleEndian.PutUint16(raw[bgFreeBlocksLo:], 512)
	binary.LittleEndian.PutUint16(raw[bgFreeInodesLo:], 20)
	binary.LittleEndian.PutUint16(raw[bgUsedDirsLo:], 1)

	if b.csum {
		desc := &BlockGroupDesc{raw: raw}
		binary.LittleEndian.PutUint16(raw[bgChecksum:], b.ckp.calculateBlockGroupDescChecksum(desc, 0))
	}

	copy(b.dev.data[testGdtBlock*testBlockSize:], raw)
}

// extentNode serializes an extent-tree node with the given depth into
// out, which must hold header plus entries.
func extentNode(out []byte, depth uint16, maxEntries uint16, entries ...any) {
	binary.LittleEndian.PutUint16(out[0:], extentHeaderMagic)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(entries)))
	binary.LittleEndian.PutUint16(out[4:], maxEntries)
	binary.LittleEndian.PutUint16(out[6:], depth)

	for i, entry := range entries {
		b := out[extentHeaderSize+i*extentEntrySize:]

		switch e := entry.(type) {
		case Extent:
			binary.LittleEndian.PutUint32(b, e.Block)
			binary.LittleEndian.PutUint16(b[4:], e.Len)
			binary.LittleEndian.PutUint16(b[6:], e.StartHi)
			binary.LittleEndian.PutUint32(b[8:], e.StartLo)
		case extentIndex:
			binary.LittleEndian.PutUint32(b, e.Block)
			binary.LittleEndian.PutUint32(b[4:], e.LeafLo)
			binary.LittleEndian.PutUint16(b[8:], e.LeafHi)
		default:
			panic("unknown extent node entry")
		}
	}
}

// inodeSpec describes an inode to serialize.
type inodeSpec struct {
	mode    uint16
	size    uint64
	flags   uint32
	links   uint16
	blocks  uint32
	mtime   uint32
	data    [60]byte
}

func (b *imgBuilder) writeInode(num uint32, spec inodeSpec) {
	raw := make([]byte, b.inodeSize)

	core := inodeCore{
		Mode:       spec.mode,
		SizeLo:     uint32(spec.size),
		SizeHigh:   uint32(spec.size >> 32),
		Mtime:      spec.mtime,
		LinksCount: spec.links,
		BlocksLo:   spec.blocks,
		Flags:      spec.flags,
		Block:      spec.data,
	}

	var buf bytes.Buffer
	require.NoError(b.t, binary.Write(&buf, binary.LittleEndian, &core))
	require.Equal(b.t, goodOldInodeSize, buf.Len())
	copy(raw, buf.Bytes())

	if b.inodeSize > goodOldInodeSize {
		// Extended record: enough extra bytes for the hi checksum and
		// the extra-precision timestamps.
		binary.LittleEndian.PutUint16(raw[inodeExtraIsizeOff:], 32)
	}

	if b.csum {
		b.stampInodeChecksum(raw, num)
	}

	off := testInodeTable*testBlockSize + (num-1)*b.inodeSize
	copy(b.dev.data[off:], raw)
}

func (b *imgBuilder) stampInodeChecksum(raw []byte, num uint32) {
	ino, err := decodeInode(raw, b.inodeSize)
	require.NoError(b.t, err)

	csum := b.ckp.calculateInodeChecksum(ino, num)

	binary.LittleEndian.PutUint16(raw[inodeChecksumLoOff:], uint16(csum))

	if ino.hasField(inodeChecksumHiOff, 2) {
		binary.LittleEndian.PutUint16(raw[inodeChecksumHiOff:], uint16(csum>>16))
	}
}

// singleExtentData builds a depth-0 root node mapping the given extents.
func singleExtentData(extents ...Extent) [60]byte {
	var data [60]byte

	entries := make([]any, len(extents))
	for i, e := range extents {
		entries[i] = e
	}

	extentNode(data[:], 0, 4, entries...)

	return data
}

type direntSpec struct {
	inode    uint32
	name     string
	fileType uint8

	// recLen overrides the natural record length when nonzero.
	recLen uint16
}

// writeDirBlock packs records into one block; the final record is
// stretched to the block boundary.
func (b *imgBuilder) writeDirBlock(block uint32, entries []direntSpec) {
	buf := make([]byte, testBlockSize)
	pos := 0

	for i, e := range entries {
		recLen := (direntFixedLen + len(e.name) + 3) &^ 3
		if e.recLen != 0 {
			recLen = int(e.recLen)
		}

		if i == len(entries)-1 {
			recLen = testBlockSize - pos
		}

		binary.LittleEndian.PutUint32(buf[pos:], e.inode)
		binary.LittleEndian.PutUint16(buf[pos+4:], uint16(recLen))
		buf[pos+6] = uint8(len(e.name))
		buf[pos+7] = e.fileType
		copy(buf[pos+direntFixedLen:], e.name)

		pos += recLen
	}

	copy(b.dev.data[block*testBlockSize:], buf)
}

// writeRootDir installs the root inode (one directory block) holding
// ".", "..", and the given entries.
func (b *imgBuilder) writeRootDir(entries []direntSpec) {
	all := append([]direntSpec{
		{inode: rootInodeNr, name: ".", fileType: FileTypeDir},
		{inode: rootInodeNr, name: "..", fileType: FileTypeDir},
	}, entries...)

	b.writeDirBlock(testRootDirBlock, all)

	b.writeInode(rootInodeNr, inodeSpec{
		mode:  inoTypeDir | 0o755,
		size:  testBlockSize,
		flags: inoFlagExtents,
		links: 2,
		data:  singleExtentData(Extent{Block: 0, Len: 1, StartLo: testRootDirBlock}),
	})
}

// fillBlocks lays content down at the given block.
func (b *imgBuilder) fillBlocks(start uint32, content []byte) {
	copy(b.dev.data[start*testBlockSize:], content)
}

func (b *imgBuilder) mount(opts ...Option) *Partition {
	b.t.Helper()

	opts = append([]Option{WithLogger(testLog(b.t))}, opts...)

	p, err := Mount(b.dev, opts...)
	require.NoError(b.t, err)

	b.t.Cleanup(func() { _ = p.Unmount() })

	return p
}
