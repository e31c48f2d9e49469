package ext4

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const defaultLeafCacheSize = 64

// Partition is one mounted volume. It is immutable after Mount except
// for the unmounting flag; all handles opened from it share it.
type Partition struct {
	log *slog.Logger
	dev BlockDevice

	sb    Superblock
	sbRaw [superblockSize]byte

	featuresCompat   CompatFeature
	featuresIncompat IncompatFeature
	featuresRoCompat RoCompatFeature

	inodeSize      uint32
	blockSize      uint32
	readOnly       bool
	numBlocks      uint64
	numBlockGroups uint64
	descSize       uint32
	seed           uint32

	// gdt holds the raw descriptor table; descriptors are variable
	// size, so entries are sliced out by byte offset.
	gdt []byte

	leafCache *lru.Cache[uint64, []byte]

	root       *File
	unmounting bool
}

// Option configures a mount.
type Option func(*Partition)

// WithLogger sets the logger the partition and its handles use.
func WithLogger(log *slog.Logger) Option {
	return func(p *Partition) {
		p.log = log
	}
}

// WithLeafCacheSize sets how many extent-tree leaf blocks the partition
// keeps cached. Zero disables the cache.
func WithLeafCacheSize(n int) Option {
	return func(p *Partition) {
		if n == 0 {
			p.leafCache = nil
			return
		}

		cache, err := lru.New[uint64, []byte](n)
		if err == nil {
			p.leafCache = cache
		}
	}
}

// Mount opens the volume on dev: it validates the superblock, loads and
// verifies the group-descriptor table, and opens the root directory.
// The device must present the whole volume starting at byte 0.
func Mount(dev BlockDevice, opts ...Option) (*Partition, error) {
	p := &Partition{
		log: slog.Default().With("module", "extfs"),
		dev: dev,
	}

	cache, err := lru.New[uint64, []byte](defaultLeafCacheSize)
	if err != nil {
		return nil, err
	}

	p.leafCache = cache

	for _, o := range opts {
		o(p)
	}

	if err := p.openSuperblock(); err != nil {
		return nil, err
	}

	p.log.Debug("mounted", "label", p.label(), "inode-size", p.inodeSize)

	return p, nil
}

// Unmount tears the partition down, closing the root handle. The
// partition must not be used afterwards.
func (p *Partition) Unmount() error {
	p.unmounting = true

	if p.root != nil {
		if err := p.root.Close(); err != nil {
			return err
		}

		p.root = nil
	}

	p.gdt = nil

	if p.leafCache != nil {
		p.leafCache.Purge()
	}

	return nil
}

// Root returns the partition-owned root handle. Closing it is a no-op
// while the partition is mounted.
func (p *Partition) Root() *File {
	return p.root
}

// OpenVolume opens an independently closeable handle on the root
// directory.
func (p *Partition) OpenVolume() (*File, error) {
	if p.root == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "partition is not mounted")
	}

	return p.root.duplicate()
}

// Open resolves pathname against the root directory.
func (p *Partition) Open(pathname string, mode OpenMode) (*File, error) {
	if p.root == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "partition is not mounted")
	}

	return p.root.Open(pathname, mode)
}

// BlockSize returns the filesystem block size in bytes.
func (p *Partition) BlockSize() uint32 {
	return p.blockSize
}

// ReadOnly reports whether unknown ro_compat features forced the mount
// read-only. This driver never writes either way.
func (p *Partition) ReadOnly() bool {
	return p.readOnly
}

func (p *Partition) openRoot() (*File, error) {
	ino, err := p.readInode(rootInodeNr)
	if err != nil {
		p.log.Error("could not open root inode", "error", err)
		return nil, err
	}

	return &File{
		p:        p,
		inodeNum: rootInodeNr,
		inode:    ino,
		name:     []uint16{pathSeparator},
		extents:  newExtentMap(),
	}, nil
}
