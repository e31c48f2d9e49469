package ext4

import (
	"math"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// OpenMode selects how a handle is opened. Read is required; Create
// always fails on a read-only driver.
type OpenMode uint32

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenCreate
)

const pathSeparator = '\\'

// Owner permission bits checked on open. The firmware environment has
// no user identity, so group/other bits are not modeled.
const (
	permReadOwner  = 0400
	permWriteOwner = 0200
)

// File is an open handle: a file or directory plus its private cursor
// and extent cache. A handle exclusively owns its inode image, name,
// and extent map; the root handle is owned by the Partition.
type File struct {
	p *Partition

	inodeNum uint32
	inode    *Inode
	name     []uint16
	pos      uint64
	mode     OpenMode
	extents  *extentMap
}

// Name returns the handle's name as a string.
func (f *File) Name() string {
	return string(utf16.Decode(f.name))
}

// Size returns the file size in bytes.
func (f *File) Size() uint64 {
	return f.inode.Size()
}

// IsDir reports whether the handle is a directory.
func (f *File) IsDir() bool {
	return f.inode.isDir()
}

// openable reports whether the handle may be handed out: only regular
// files and directories are supported.
func (f *File) openable() bool {
	return f.inode.isRegular() || f.inode.isDir()
}

func (f *File) applyPermissions(mode OpenMode) bool {
	var needed uint16

	if mode&OpenRead != 0 {
		needed |= permReadOwner
	}

	if mode&OpenWrite != 0 {
		needed |= permWriteOwner
	}

	if f.inode.Mode&needed != needed {
		return false
	}

	f.mode = mode

	return true
}

func isPathSeparator(r rune) bool {
	return r == pathSeparator || r == '/'
}

// splitPath breaks pathname into UTF-16 segments, dropping empty ones.
// absolute reports a leading separator.
func splitPath(pathname string) (segments [][]uint16, absolute bool, err error) {
	runes := []rune(pathname)

	if len(runes) > 0 && isPathSeparator(runes[0]) {
		absolute = true
		runes = runes[1:]
	}

	start := 0
	flush := func(end int) error {
		if end == start {
			return nil
		}

		seg := utf16.Encode(runes[start:end])
		if len(seg) > NameMax {
			return errors.Wrapf(ErrBufferTooSmall, "path segment of %d code units", len(seg))
		}

		segments = append(segments, seg)
		return nil
	}

	for i, r := range runes {
		if isPathSeparator(r) {
			if err := flush(i); err != nil {
				return nil, false, err
			}
			start = i + 1
		}
	}

	if err := flush(len(runes)); err != nil {
		return nil, false, err
	}

	return segments, absolute, nil
}

// Open resolves pathname relative to f, or from the partition root when
// pathname starts with a separator, and returns a new handle opened
// with mode.
func (f *File) Open(pathname string, mode OpenMode) (*File, error) {
	p := f.p

	if mode&OpenRead == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "open requires read mode")
	}

	if mode&OpenCreate != 0 {
		return nil, errors.Wrap(ErrUnsupported, "create on a read-only driver")
	}

	segments, absolute, err := splitPath(pathname)
	if err != nil {
		return nil, err
	}

	current := f
	if absolute {
		current = p.root
	}

	level := 0

	closeCurrent := func() {
		if level != 0 {
			current.Close()
		}
	}

	for _, segment := range segments {
		if !current.inode.isDir() {
			closeCurrent()
			return nil, errors.Wrapf(ErrInvalidParameter, "%q is not a directory", current.Name())
		}

		child, err := current.openChild(segment)
		if err != nil {
			closeCurrent()
			return nil, err
		}

		if !child.openable() {
			child.Close()
			closeCurrent()
			return nil, errors.Wrapf(ErrAccessDenied, "%q is not a file or directory", child.Name())
		}

		closeCurrent()

		current = child
		level++
	}

	if level == 0 {
		// No segment consumed: hand back an independently closeable
		// copy of the base.
		current, err = current.duplicate()
		if err != nil {
			return nil, err
		}
	}

	if !current.applyPermissions(mode) {
		current.Close()
		return nil, errors.Wrapf(ErrAccessDenied, "mode %#x exceeds permissions", mode)
	}

	return current, nil
}

// openChild resolves one name inside the directory f.
func (f *File) openChild(name []uint16) (*File, error) {
	entry, err := f.p.retrieveDirent(f, name)
	if err != nil {
		return nil, err
	}

	// A component resolving to its own directory is refused; this
	// blocks ".." on the root.
	if entry.Inode == f.inodeNum {
		return nil, errors.Wrap(ErrNotFound, "entry resolves to its own directory")
	}

	return f.p.openDirent(entry)
}

// openDirent opens a handle for a directory record.
func (p *Partition) openDirent(entry *DirEntry) (*File, error) {
	name, ok := entry.utf16Name()
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "entry name is not decodable")
	}

	ino, err := p.readInode(entry.Inode)
	if err != nil {
		return nil, err
	}

	return &File{
		p:        p,
		inodeNum: entry.Inode,
		inode:    ino,
		name:     name,
		extents:  newExtentMap(),
	}, nil
}

// duplicate returns a handle on the same inode with a fresh position
// and extent map.
func (f *File) duplicate() (*File, error) {
	raw := make([]byte, len(f.inode.raw))
	copy(raw, f.inode.raw)

	ino, err := decodeInode(raw, f.p.inodeSize)
	if err != nil {
		return nil, err
	}

	name := make([]uint16, len(f.name))
	copy(name, f.name)

	return &File{
		p:        f.p,
		inodeNum: f.inodeNum,
		inode:    ino,
		name:     name,
		extents:  newExtentMap(),
	}, nil
}

// Close releases the handle. Closing the partition-owned root while the
// partition is mounted is a successful no-op.
func (f *File) Close() error {
	if f == f.p.root && !f.p.unmounting {
		return nil
	}

	f.p.log.Debug("closed file", "inode", f.inodeNum)

	if f.extents != nil {
		f.extents.drain()
		f.extents = nil
	}

	f.inode = nil
	f.name = nil

	return nil
}

// Delete closes the handle. Nothing is removed on a read-only driver,
// which the error reports.
func (f *File) Delete() error {
	f.Close()
	return errors.Wrap(ErrDeleteFailed, "volume is read-only")
}

// Read copies file data from the current position into dst and
// advances the position. It returns 0 at end-of-file.
func (f *File) Read(dst []byte) (int, error) {
	if !f.inode.isRegular() {
		return 0, errors.Wrap(ErrInvalidParameter, "read on a non-regular file")
	}

	// A seek may have parked the position past end-of-file; such reads
	// produce no bytes rather than failing.
	if f.pos > f.inode.Size() {
		return 0, nil
	}

	n, err := f.p.readAt(f, dst, f.pos)
	if err != nil {
		return n, err
	}

	f.pos += uint64(n)

	return n, nil
}

// ReadAt copies file data from the given offset without moving the
// handle position.
func (f *File) ReadAt(dst []byte, off uint64) (int, error) {
	if !f.inode.isRegular() {
		return 0, errors.Wrap(ErrInvalidParameter, "read on a non-regular file")
	}

	return f.p.readAt(f, dst, off)
}

// Write always fails: without write mode it is an access violation,
// with it the volume is still write-protected.
func (f *File) Write([]byte) (int, error) {
	if f.mode&OpenWrite == 0 {
		return 0, errors.Wrap(ErrAccessDenied, "handle not opened for writing")
	}

	return 0, errors.Wrap(ErrWriteProtected, "driver is read-only")
}

// GetPosition returns the handle position. Directories do not expose
// one.
func (f *File) GetPosition() (uint64, error) {
	if f.inode.isDir() {
		return 0, errors.Wrap(ErrUnsupported, "position of a directory")
	}

	return f.pos, nil
}

// SetPosition seeks the handle. Directories only accept 0, which
// resets enumeration. math.MaxUint64 seeks to end-of-file; positions
// beyond it are retained and read as end-of-file.
func (f *File) SetPosition(pos uint64) error {
	if f.inode.isDir() && pos != 0 {
		return errors.Wrap(ErrUnsupported, "directory seek to nonzero position")
	}

	if pos == math.MaxUint64 {
		pos = f.inode.Size()
	}

	f.pos = pos

	return nil
}
