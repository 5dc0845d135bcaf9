// Package disk is the storage backend the log writes through: numbered
// partition files addressed by byte offset, plus the block disk that
// holds the master record.
package disk

import (
	"errors"

	gdisk "github.com/tchajed/goose/machine/disk"
)

var ErrNotExist = errors.New("disk: file does not exist")

// File is one partition file.
type File interface {
	// ReadAt fills b from offset off; a short read past the end of the
	// file returns the bytes read and io.EOF.
	ReadAt(b []byte, off int64) (int, error)

	// WriteAt writes all of b at offset off, growing the file if needed.
	WriteAt(b []byte, off int64) (int, error)

	// Truncate cuts the file to size bytes.
	Truncate(size int64) error

	// Sync makes every completed WriteAt and Truncate durable.
	Sync() error

	// Size reports the current length of the file in bytes.
	Size() (int64, error)

	Close() error
}

// Backend names and manages the files of one log directory.
type Backend interface {
	// Open opens name, creating it when create is set. Opening a missing
	// file without create fails with ErrNotExist.
	Open(name string, create bool) (File, error)

	// Remove deletes name durably; removing a missing file is not an error.
	Remove(name string) error

	Exists(name string) bool

	// List returns the names of all files in the backend.
	List() ([]string, error)

	// MasterDisk opens the block disk holding the master record, creating
	// it with numBlocks blocks on first use.
	MasterDisk(name string, numBlocks uint64) (gdisk.Disk, error)

	Close() error
}
