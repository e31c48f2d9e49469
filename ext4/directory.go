package ext4

import (
	"encoding/binary"
	"io"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pkg/errors"
	"miren.dev/extfs/pkg/collate"
)

const (
	// NameMax is the longest directory-entry name, in bytes on disk and
	// in UTF-16 code units for lookups.
	NameMax = 255

	// direntFixedLen is the record prefix before the name bytes.
	direntFixedLen = 8
)

// Directory-entry file types (FILETYPE incompat feature).
const (
	FileTypeUnknown  = 0
	FileTypeRegular  = 1
	FileTypeDir      = 2
	FileTypeCharDev  = 3
	FileTypeBlockDev = 4
	FileTypeFifo     = 5
	FileTypeSocket   = 6
	FileTypeSymlink  = 7
)

// DirEntry is one linear directory record. Name bytes are raw; modern
// systems store UTF-8 but nothing enforces it.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8

	name [NameMax]byte
}

// Name returns the raw name bytes.
func (d *DirEntry) Name() []byte {
	return d.name[:d.NameLen]
}

func decodeDirentHeader(b []byte) DirEntry {
	return DirEntry{
		Inode:    binary.LittleEndian.Uint32(b),
		RecLen:   binary.LittleEndian.Uint16(b[4:]),
		NameLen:  b[6],
		FileType: b[7],
	}
}

// valid checks the record's structural invariants: the declared length
// covers the prefix plus the name, and keeps 4-byte alignment.
func (d *DirEntry) valid() bool {
	if d.RecLen < uint16(d.NameLen)+direntFixedLen {
		return false
	}

	if d.RecLen%4 != 0 {
		return false
	}

	return true
}

// utf16Name decodes the entry name as UTF-8 into UTF-16 code units.
// Names on disk are byte-opaque; an invalid sequence makes the entry
// unmatchable rather than faulting the scan.
func (d *DirEntry) utf16Name() ([]uint16, bool) {
	raw := d.name[:d.NameLen]

	if !utf8.Valid(raw) {
		return nil, false
	}

	return utf16.Encode([]rune(string(raw))), true
}

// checkDirectorySize enforces the directory-inode precondition: the
// payload packs whole blocks, so its size must be block-aligned.
func (p *Partition) checkDirectorySize(dir *File) (uint64, error) {
	size := dir.inode.Size()

	if size%uint64(p.blockSize) != 0 {
		return 0, errors.Wrapf(ErrVolumeCorrupted, "directory inode %d size %d not block aligned", dir.inodeNum, size)
	}

	return size, nil
}

// retrieveDirent scans dir for a record matching name case-
// insensitively, one block at a time.
func (p *Partition) retrieveDirent(dir *File, name []uint16) (*DirEntry, error) {
	size, err := p.checkDirectorySize(dir)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, p.blockSize)

	for off := uint64(0); off < size; off += uint64(p.blockSize) {
		if _, err := p.readAt(dir, buf, off); err != nil {
			return nil, err
		}

		pos := uint32(0)

		for pos < p.blockSize {
			remaining := p.blockSize - pos

			if remaining < direntFixedLen {
				return nil, errors.Wrapf(ErrVolumeCorrupted, "truncated dirent at %d", off+uint64(pos))
			}

			entry := decodeDirentHeader(buf[pos:])

			if uint32(entry.NameLen) > remaining || uint32(entry.RecLen) > remaining {
				return nil, errors.Wrapf(ErrVolumeCorrupted, "dirent at %d overruns its block", off+uint64(pos))
			}

			if !entry.valid() {
				return nil, errors.Wrapf(ErrVolumeCorrupted, "invalid dirent at %d", off+uint64(pos))
			}

			// inode 0 marks an unused slot.
			if entry.Inode == 0 {
				pos += uint32(entry.RecLen)
				continue
			}

			copy(entry.name[:], buf[pos+direntFixedLen:pos+direntFixedLen+uint32(entry.NameLen)])

			// Undecodable names can never match; skip them.
			entryName, ok := entry.utf16Name()
			if !ok {
				pos += uint32(entry.RecLen)
				continue
			}

			if len(entryName) == len(name) && collate.EqualFold(entryName, name) {
				return &entry, nil
			}

			pos += uint32(entry.RecLen)
		}
	}

	return nil, errors.Wrap(ErrNotFound, "no matching directory entry")
}

// ReadDir returns the next entry of the directory, skipping unused
// slots and the "." and ".." records, and advances the handle position
// past the returned record. io.EOF signals the end of the directory.
func (f *File) ReadDir() (*FileInfo, error) {
	p := f.p

	if !f.inode.isDir() {
		return nil, errors.Wrap(ErrInvalidParameter, "not a directory")
	}

	if _, err := p.checkDirectorySize(f); err != nil {
		return nil, err
	}

	var buf [direntFixedLen + NameMax]byte

	for {
		n, err := p.readAt(f, buf[:], f.pos)
		if err != nil {
			return nil, err
		}

		if n == 0 {
			return nil, io.EOF
		}

		if n < direntFixedLen {
			return nil, errors.Wrap(ErrVolumeCorrupted, "truncated dirent at end of directory")
		}

		entry := decodeDirentHeader(buf[:])

		if !entry.valid() {
			return nil, errors.Wrapf(ErrVolumeCorrupted, "invalid dirent at %d", f.pos)
		}

		if entry.Inode == 0 {
			f.pos += uint64(entry.RecLen)
			continue
		}

		copy(entry.name[:], buf[direntFixedLen:direntFixedLen+int(entry.NameLen)])

		name := entry.Name()
		if string(name) == "." || string(name) == ".." {
			f.pos += uint64(entry.RecLen)
			continue
		}

		child, err := p.openDirent(&entry)
		if err != nil {
			return nil, err
		}

		info, err := child.Stat()

		if cerr := child.Close(); err == nil && cerr != nil {
			err = cerr
		}

		if err != nil {
			return nil, err
		}

		f.pos += uint64(entry.RecLen)

		return info, nil
	}
}
