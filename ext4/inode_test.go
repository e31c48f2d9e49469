package ext4

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadInode(t *testing.T) {
	t.Run("reads the root inode", func(t *testing.T) {
		b := newImage(t)
		p := b.mount()

		ino, err := p.readInode(rootInodeNr)
		require.NoError(t, err)

		require.True(t, ino.isDir())
		require.Equal(t, uint64(testBlockSize), ino.Size())
		require.True(t, ino.usesExtents())
	})

	t.Run("rejects an inode beyond the last group", func(t *testing.T) {
		b := newImage(t)
		p := b.mount()

		// One group of testInodesPerGroup inodes; the next group does
		// not exist.
		_, err := p.readInode(testInodesPerGroup + 1)
		require.ErrorIs(t, err, ErrVolumeCorrupted)
	})

	t.Run("rejects inode zero", func(t *testing.T) {
		b := newImage(t)
		p := b.mount()

		_, err := p.readInode(0)
		require.ErrorIs(t, err, ErrVolumeCorrupted)
	})

	t.Run("verifies the inode checksum", func(t *testing.T) {
		b := newImage(t, withMetadataCsum())
		p := b.mount()

		ino, err := p.readInode(rootInodeNr)
		require.NoError(t, err)
		require.True(t, p.checkInodeChecksum(ino, rootInodeNr))

		// Corrupt the stored mode without restamping.
		off := testInodeTable*testBlockSize + (rootInodeNr-1)*b.inodeSize
		b.dev.data[off] ^= 0x40

		_, err = p.readInode(rootInodeNr)
		require.ErrorIs(t, err, ErrVolumeCorrupted)
	})

	t.Run("checksum covers the inode number", func(t *testing.T) {
		b := newImage(t, withMetadataCsum())
		p := b.mount()

		ino, err := p.readInode(rootInodeNr)
		require.NoError(t, err)

		require.NotEqual(t,
			p.calculateInodeChecksum(ino, rootInodeNr),
			p.calculateInodeChecksum(ino, rootInodeNr+1),
		)
	})
}

func TestInodeFields(t *testing.T) {
	t.Run("composes the size from both halves", func(t *testing.T) {
		ino := &Inode{}
		ino.SizeLo = 0x10
		ino.SizeHigh = 0x2

		require.Equal(t, uint64(0x2_0000_0010), ino.Size())
	})

	t.Run("field presence follows i_extra_isize", func(t *testing.T) {
		ino := &Inode{}
		require.False(t, ino.hasField(inodeChecksumHiOff, 2))

		ino.extra.ExtraIsize = 32
		require.True(t, ino.hasField(inodeChecksumHiOff, 2))
		require.True(t, ino.hasField(inodeCrtimeExtraOff, 4))

		ino.extra.ExtraIsize = 4
		require.True(t, ino.hasField(inodeChecksumHiOff, 2))
		require.False(t, ino.hasField(inodeCtimeExtraOff, 4))
	})

	t.Run("decodes extra-precision timestamps", func(t *testing.T) {
		// extra = nanoseconds<<2 | epoch-extension bits
		got := decodeTime(100, 500<<2|1, true)
		want := time.Unix(1<<32+100, 500).UTC()

		require.Equal(t, want, got)

		// Without the extra half only the 32-bit seconds count.
		require.Equal(t, time.Unix(100, 0).UTC(), decodeTime(100, 500<<2|1, false))
	})

	t.Run("physical space scales with huge-file flags", func(t *testing.T) {
		p := &Partition{blockSize: 4096, featuresRoCompat: RoCompatHugeFile}

		ino := &Inode{}
		ino.BlocksLo = 16
		require.Equal(t, uint64(16*512), ino.physicalSpace(p))

		ino.Flags = inoFlagHugeFile
		require.Equal(t, uint64(16*4096), ino.physicalSpace(p))

		// Without the ro_compat bit the high half is ignored.
		ino.BlocksHigh = 1
		require.Equal(t, uint64(16*512), ino.physicalSpace(&Partition{blockSize: 4096}))
	})
}
