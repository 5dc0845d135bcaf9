package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-wal/util"
)

const lockName = "LOCK"

var _ Backend = (*FileBackend)(nil)
var _ File = (*fileFile)(nil)

// FileBackend stores the log in a directory of the local file system.
type FileBackend struct {
	dir    string
	dirfd  int
	lockfd int
}

// NewFileBackend opens dir, creating it if needed, and takes an exclusive
// lock on it so that two processes never append to the same log.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dirfd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("open log dir %s: %w", dir, err)
	}
	lockfd, err := unix.Open(filepath.Join(dir, lockName), unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		unix.Close(dirfd)
		return nil, err
	}
	if err := unix.Flock(lockfd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(lockfd)
		unix.Close(dirfd)
		return nil, fmt.Errorf("log dir %s is in use: %w", dir, err)
	}
	return &FileBackend{dir: dir, dirfd: dirfd, lockfd: lockfd}, nil
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name)
}

func (b *FileBackend) Open(name string, create bool) (File, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(b.path(name), flags, 0o644)
	if err == unix.ENOENT {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if create {
		// make the new directory entry durable
		if err := unix.Fsync(b.dirfd); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	util.DPrintf(3, "disk: open %s\n", name)
	return &fileFile{fd: fd, name: name}, nil
}

func (b *FileBackend) Remove(name string) error {
	err := unix.Unlink(b.path(name))
	if err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	util.DPrintf(3, "disk: remove %s\n", name)
	return unix.Fsync(b.dirfd)
}

func (b *FileBackend) Exists(name string) bool {
	var st unix.Stat_t
	return unix.Stat(b.path(name), &st) == nil
}

func (b *FileBackend) List() ([]string, error) {
	dents, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dents))
	for _, d := range dents {
		if d.Type().IsRegular() && d.Name() != lockName {
			names = append(names, d.Name())
		}
	}
	return names, nil
}

func (b *FileBackend) MasterDisk(name string, numBlocks uint64) (gdisk.Disk, error) {
	d, err := gdisk.NewFileDisk(b.path(name), numBlocks)
	if err != nil {
		return nil, fmt.Errorf("open master %s: %w", name, err)
	}
	return d, nil
}

func (b *FileBackend) Close() error {
	unix.Flock(b.lockfd, unix.LOCK_UN)
	unix.Close(b.lockfd)
	return unix.Close(b.dirfd)
}

type fileFile struct {
	fd   int
	name string
}

func (f *fileFile) ReadAt(buf []byte, off int64) (int, error) {
	var n int
	for n < len(buf) {
		m, err := unix.Pread(f.fd, buf[n:], off+int64(n))
		if err != nil {
			return n, fmt.Errorf("read %s at %d: %w", f.name, off, err)
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

func (f *fileFile) WriteAt(buf []byte, off int64) (int, error) {
	var n int
	for n < len(buf) {
		m, err := unix.Pwrite(f.fd, buf[n:], off+int64(n))
		if err != nil {
			return n, fmt.Errorf("write %s at %d: %w", f.name, off, err)
		}
		n += m
	}
	return n, nil
}

func (f *fileFile) Truncate(size int64) error {
	return unix.Ftruncate(f.fd, size)
}

func (f *fileFile) Sync() error {
	// NOTE: on macOS this flushes to the drive without a barrier; a full
	// barrier needs fcntl F_FULLFSYNC.
	return unix.Fsync(f.fd)
}

func (f *fileFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

func (f *fileFile) Close() error {
	return unix.Close(f.fd)
}
