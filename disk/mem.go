package disk

import (
	"fmt"
	"io"
	"sort"
	"sync"

	gdisk "github.com/tchajed/goose/machine/disk"
)

var _ Backend = (*MemBackend)(nil)

// MemBackend keeps files in memory. It separates written from synced
// bytes so tests can simulate a crash with Crash.
type MemBackend struct {
	mu      sync.Mutex
	files   map[string]*memFile
	masters map[string]gdisk.Disk
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		files:   make(map[string]*memFile),
		masters: make(map[string]gdisk.Disk),
	}
}

type memFile struct {
	mu      sync.Mutex
	data    []byte
	durable []byte
}

type memHandle struct {
	f *memFile
}

func (b *MemBackend) Open(name string, create bool) (File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[name]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		f = &memFile{}
		b.files[name] = f
	}
	return memHandle{f: f}, nil
}

func (b *MemBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, name)
	return nil
}

func (b *MemBackend) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[name]
	return ok
}

func (b *MemBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for n := range b.files {
		names = append(names, n)
	}
	for n := range b.masters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// MasterDisk hands out the same in-memory disk for a name across calls,
// so a reopened log sees the master written by the previous one.
func (b *MemBackend) MasterDisk(name string, numBlocks uint64) (gdisk.Disk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.masters[name]
	if !ok {
		d = gdisk.NewMemDisk(numBlocks)
		b.masters[name] = d
	}
	return d, nil
}

func (b *MemBackend) Close() error {
	return nil
}

// Crash discards every write that was not followed by a Sync.
func (b *MemBackend) Crash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.files {
		f.mu.Lock()
		f.data = append([]byte(nil), f.durable...)
		f.mu.Unlock()
	}
}

func (h memHandle) ReadAt(buf []byte, off int64) (int, error) {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(buf, f.data[off:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (h memHandle) WriteAt(buf []byte, off int64) (int, error) {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], buf)
	return len(buf), nil
}

func (h memHandle) Truncate(size int64) error {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

func (h memHandle) Sync() error {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durable = append(f.durable[:0], f.data...)
	return nil
}

func (h memHandle) Size() (int64, error) {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (h memHandle) Close() error {
	return nil
}
