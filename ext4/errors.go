package ext4

import "errors"

// Every failure surfaced by this package wraps exactly one of these
// sentinels; callers classify with errors.Is.
var (
	// ErrUnsupported is returned when the filesystem carries a feature
	// this driver cannot safely interpret, or when an operation needs
	// write support.
	ErrUnsupported = errors.New("ext4: unsupported")

	// ErrVolumeCorrupted is returned on any structural or checksum
	// inconsistency in the on-disk metadata.
	ErrVolumeCorrupted = errors.New("ext4: volume corrupted")

	// ErrNotFound is returned when a path component does not resolve.
	ErrNotFound = errors.New("ext4: not found")

	// ErrNoMapping is returned by GetExtent when the logical block has
	// no backing extent. The read path consumes it internally to emit
	// zeros for holes.
	ErrNoMapping = errors.New("ext4: no mapping")

	// ErrInvalidParameter is returned when a path segment is resolved
	// against a non-directory handle.
	ErrInvalidParameter = errors.New("ext4: invalid parameter")

	// ErrAccessDenied is returned when the requested open mode exceeds
	// the inode permission bits, or the target is neither a regular
	// file nor a directory.
	ErrAccessDenied = errors.New("ext4: access denied")

	// ErrBufferTooSmall is returned for path segments longer than
	// NameMax code units.
	ErrBufferTooSmall = errors.New("ext4: buffer too small")

	// ErrDeviceError wraps failures of the underlying block device,
	// and flags reads starting beyond end-of-file.
	ErrDeviceError = errors.New("ext4: device error")

	// ErrWriteProtected is returned by Write: the driver is read-only.
	ErrWriteProtected = errors.New("ext4: write protected")

	// ErrDeleteFailed is returned by Delete, which closes the handle
	// but cannot remove anything on a read-only driver.
	ErrDeleteFailed = errors.New("ext4: delete failed")
)
