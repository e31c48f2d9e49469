package ext4

import (
	"io"

	"github.com/pkg/errors"
)

// BlockDevice is the read primitive the driver consumes. Offsets are
// absolute byte offsets from the start of the volume. Implementations
// must return consistent bytes for repeated reads of the same range;
// the driver never writes.
type BlockDevice interface {
	io.ReaderAt
}

// diskRead fills buf from the device at the given byte offset. Short
// reads and device failures surface as ErrDeviceError.
func (p *Partition) diskRead(buf []byte, off int64) error {
	n, err := p.dev.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		deviceReadErrors.Inc()
		return errors.Wrapf(ErrDeviceError, "reading %d bytes at %d: %v", len(buf), off, err)
	}

	deviceReads.Inc()
	deviceReadBytes.Add(float64(len(buf)))

	return nil
}

// readBlocks reads count filesystem blocks starting at block number
// start into buf, which must be count*BlockSize long.
func (p *Partition) readBlocks(buf []byte, start uint64, count uint64) error {
	if uint64(len(buf)) != count*uint64(p.blockSize) {
		return errors.Wrapf(ErrDeviceError, "block read buffer %d does not hold %d blocks", len(buf), count)
	}

	return p.diskRead(buf, int64(start*uint64(p.blockSize)))
}

func (p *Partition) blockToByteOffset(block uint64) int64 {
	return int64(block * uint64(p.blockSize))
}
