// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"
	u "github.com/mmp/zbk/util"
	"sort"
	"strings"
	"sync"
	"time"
)

type memFile struct {
	data     []byte
	modified time.Time
}

type memory struct {
	mu     sync.Mutex
	files  map[string]memFile
	tmp    map[string]struct{}
	nextId int
	locked bool
	// Modification times are kept strictly increasing so that the order
	// in which files were written is always recoverable from them.
	last time.Time
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns a FileStorage that keeps all of the repository's files
// in RAM. It's really only useful for testing of code built on top of
// FileStorage, where we may want to save the trouble of saving a bunch of
// stuff to disk.
func NewMemory() FileStorage {
	return &memory{
		files: make(map[string]memFile),
		tmp:   make(map[string]struct{}),
	}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) now() time.Time {
	t := time.Now()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}

func (m *memory) CreateFile(name string) (AtomicFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextId++
	tmp := fmt.Sprintf("%s/mem-%d", TmpDir, m.nextId)
	m.tmp[tmp] = struct{}{}
	return &memAtomicFile{m: m, name: name, tmp: tmp}, nil
}

type memAtomicFile struct {
	m    *memory
	name string
	tmp  string
	buf  []byte
	done bool
}

func (f *memAtomicFile) Name() string {
	return f.name
}

func (f *memAtomicFile) Write(b []byte) (int, error) {
	if f.done {
		return 0, u.Errorf(u.ErrState, "%s: write after commit or abort", f.name)
	}
	f.buf = append(f.buf, b...)
	return len(b), nil
}

func (f *memAtomicFile) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	delete(f.m.tmp, f.tmp)
	f.m.files[f.name] = memFile{data: f.buf, modified: f.m.now()}
	return nil
}

func (f *memAtomicFile) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	delete(f.m.tmp, f.tmp)
	return nil
}

func (m *memory) ReadFile(name string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil, u.Errorf(u.ErrNotFound, "%s: no such file", name)
	}
	if length == 0 {
		return dupe(f.data), nil
	}
	if offset < 0 {
		return nil, u.Errorf(u.ErrIO, "%s: negative offset %d", name, offset)
	}
	offset = min(offset, int64(len(f.data)))
	end := min(offset+length, int64(len(f.data)))
	return dupe(f.data[offset:end]), nil
}

func (m *memory) ForFiles(prefix string, f func(name string, modified time.Time) error) error {
	m.mu.Lock()
	type entry struct {
		name     string
		modified time.Time
	}
	var entries []entry
	for name, mf := range m.files {
		if strings.HasPrefix(name, prefix+"/") {
			entries = append(entries, entry{name, mf.modified})
		}
	}
	m.mu.Unlock()

	// Callbacks may well access the storage themselves.
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	for _, e := range entries {
		if err := f(e.name, e.modified); err != nil {
			return err
		}
	}
	return nil
}

func (m *memory) Exists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok, nil
}

func (m *memory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *memory) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[from]
	if !ok {
		return u.Errorf(u.ErrNotFound, "%s: no such file", from)
	}
	delete(m.files, from)
	m.files[to] = f
	return nil
}

func (m *memory) Lock() (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, u.Errorf(u.ErrState, "memory: repository is locked")
	}
	m.locked = true
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.locked = false
		return nil
	}, nil
}

func (m *memory) TempFiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.tmp {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
