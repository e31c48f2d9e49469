package ext4

import (
	"github.com/pkg/errors"
)

// readAt copies file data into dst starting at byte offset off,
// composing extents into a byte stream and zero-filling holes. It
// returns the number of bytes produced, which is short only when off+
// len(dst) passes end-of-file. No device read is issued for holes or
// unwritten extents.
func (p *Partition) readAt(f *File, dst []byte, off uint64) (int, error) {
	size := f.inode.Size()

	if off > size {
		return 0, errors.Wrapf(ErrDeviceError, "read at %d beyond size %d", off, size)
	}

	remaining := uint64(len(dst))
	if remaining > size-off {
		remaining = size - off
	}

	seek := off
	read := 0

	for remaining != 0 {
		block := seek / uint64(p.blockSize)
		blockOff := seek % uint64(p.blockSize)

		extent, err := p.getExtent(f, block)
		if err != nil && !errors.Is(err, ErrNoMapping) {
			return read, err
		}

		var n uint64

		// The high bit of ee_len marks an unwritten extent: its blocks are
		// allocated but read as zeros, like a hole.
		if errors.Is(err, ErrNoMapping) || extent.Len > 0x8000 {
			// Hole: produce zeros to the end of the block.
			n = uint64(p.blockSize) - blockOff
			if n > remaining {
				n = remaining
			}

			clear(dst[read : read+int(n)])
		} else {
			extentStart := extent.start() * uint64(p.blockSize)
			extentLen := uint64(extent.Len) * uint64(p.blockSize)
			extentLogical := uint64(extent.Block) * uint64(p.blockSize)

			extentOff := seek - extentLogical

			n = extentLen - extentOff
			if n > remaining {
				n = remaining
			}

			if err := p.diskRead(dst[read:read+int(n)], int64(extentStart+extentOff)); err != nil {
				return read, err
			}
		}

		remaining -= n
		seek += n
		read += int(n)
	}

	return read, nil
}
