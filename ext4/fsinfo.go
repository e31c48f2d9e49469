package ext4

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"miren.dev/extfs/pkg/units"
)

// FileInfo describes one file or directory.
type FileInfo struct {
	Name         string
	Size         units.Bytes
	PhysicalSize units.Bytes
	AccessTime   time.Time
	ModTime      time.Time
	CreateTime   time.Time
	Dir          bool
}

// VolumeInfo describes the mounted volume.
type VolumeInfo struct {
	Label      string
	UUID       uuid.UUID
	BlockSize  uint32
	VolumeSize units.Bytes
	FreeSpace  units.Bytes
	ReadOnly   bool
}

// Stat returns the handle's file information.
func (f *File) Stat() (*FileInfo, error) {
	ino := f.inode

	return &FileInfo{
		Name:         f.Name(),
		Size:         units.Bytes(ino.Size()),
		PhysicalSize: units.Bytes(ino.physicalSpace(f.p)),
		AccessTime:   ino.accessTime(),
		ModTime:      ino.modificationTime(),
		CreateTime:   ino.creationTime(),
		Dir:          ino.isDir(),
	}, nil
}

// label returns the volume label. Only DYNAMIC-revision superblocks
// carry one.
func (p *Partition) label() string {
	if p.sb.RevLevel != dynamicRev {
		return ""
	}

	name := p.sb.VolumeName[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return string(name)
}

// VolumeInfo returns volume geometry and usage.
func (p *Partition) VolumeInfo() (*VolumeInfo, error) {
	free := p.composeBlockNr(p.sb.FreeBlocksCountLo, p.sb.FreeBlocksCountHi)

	return &VolumeInfo{
		Label:      p.label(),
		UUID:       uuid.UUID(p.sb.UUID),
		BlockSize:  p.blockSize,
		VolumeSize: units.Bytes(p.numBlocks * uint64(p.blockSize)),
		FreeSpace:  units.Bytes(free * uint64(p.blockSize)),
		ReadOnly:   p.readOnly,
	}, nil
}
