package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockGroupTable(t *testing.T) {
	t.Run("decodes descriptor fields", func(t *testing.T) {
		b := newImage(t)
		p := b.mount()

		desc, err := p.blockGroupDesc(0)
		require.NoError(t, err)

		require.Equal(t, uint64(8), desc.BlockBitmap)
		require.Equal(t, uint64(9), desc.InodeBitmap)
		require.Equal(t, uint64(testInodeTable), desc.InodeTable)
		require.Equal(t, uint32(512), desc.FreeBlocks)
		require.Equal(t, uint32(1), desc.UsedDirs)
	})

	t.Run("rejects an out-of-range group", func(t *testing.T) {
		b := newImage(t)
		p := b.mount()

		_, err := p.blockGroupDesc(uint32(p.numBlockGroups))
		require.ErrorIs(t, err, ErrVolumeCorrupted)
	})

	t.Run("detects a corrupted descriptor", func(t *testing.T) {
		b := newImage(t, withMetadataCsum())

		// Flip one bit in bg_inode_table_lo without restamping.
		b.dev.data[testGdtBlock*testBlockSize+bgInodeTableLo] ^= 0x01

		_, err := Mount(b.dev, WithLogger(testLog(t)))
		require.ErrorIs(t, err, ErrVolumeCorrupted)
	})

	t.Run("accepts a restamped descriptor", func(t *testing.T) {
		b := newImage(t, withMetadataCsum())
		p := b.mount()

		desc, err := p.blockGroupDesc(0)
		require.NoError(t, err)
		require.True(t, p.verifyBlockGroupDescChecksum(desc, 0))
	})

	t.Run("verifies the gdt_csum scheme", func(t *testing.T) {
		raw := make([]byte, oldDescSize)
		binary.LittleEndian.PutUint32(raw[bgInodeTableLo:], testInodeTable)

		p := &Partition{
			log:              testLog(t),
			featuresRoCompat: RoCompatGdtCsum,
			sb:               Superblock{UUID: testUUID},
		}

		desc := &BlockGroupDesc{raw: raw}
		csum := p.calculateBlockGroupDescChecksum(desc, 0)
		require.NotZero(t, csum)

		binary.LittleEndian.PutUint16(raw[bgChecksum:], csum)
		desc.Checksum = csum
		require.True(t, p.verifyBlockGroupDescChecksum(desc, 0))

		// The group number is part of the checksum input.
		require.False(t, p.verifyBlockGroupDescChecksum(desc, 1))
	})
}
