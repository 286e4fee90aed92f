// storage/repository.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnnecessaryPassword is returned when a password file is provided for
// a repository that isn't encrypted. It is an ErrAuth.
var ErrUnnecessaryPassword = u.WithKind(u.ErrAuth, errors.New("unnecessary password file provided"))

// Options control how a repository is opened.
type Options struct {
	// PasswordFile is required for encrypted repositories and must not be
	// given for unencrypted ones.
	PasswordFile string

	// Duplicates determines which index entry is used for chunks that
	// appear more than once. The default is LastWriterWins.
	Duplicates DuplicatePolicy

	// SkipIndex leaves the index unloaded; LoadIndexes must be called
	// before chunks can be read.
	SkipIndex bool
}

// Repository provides access to a ZBackup repository's contents. It is
// safe for concurrent use.
type Repository struct {
	fs   FileStorage
	info StorageInfo
	key  *codec.Key
	opts Options

	index atomic.Pointer[Index]

	bundleGroup singleflight.Group
	loadingMu   sync.Mutex
	loading     map[BundleId]int
}

// Open opens the repository at the given location, which is either a
// local directory or a gs://bucket/prefix URL.
func Open(ctx context.Context, location string, opts Options) (*Repository, error) {
	fs, err := OpenFileStorage(ctx, location)
	if err != nil {
		return nil, err
	}
	return OpenStorage(ctx, fs, opts)
}

// OpenStorage opens the repository stored in fs.
func OpenStorage(ctx context.Context, fs FileStorage, opts Options) (*Repository, error) {
	b, err := fs.ReadFile(InfoPath, 0, 0)
	if err != nil {
		if errors.Is(err, u.ErrNotFound) {
			return nil, u.Errorf(u.ErrNotFound, "%s: not a repository (no %s file)", fs, InfoPath)
		}
		return nil, err
	}
	info, err := ReadInfoFile(b)
	if err != nil {
		return nil, err
	}

	r := &Repository{fs: fs, info: info, opts: opts, loading: make(map[BundleId]int)}

	switch {
	case info.EncryptionKey != nil && opts.PasswordFile == "":
		return nil, u.Errorf(u.ErrAuth, "%s: required password file not provided", fs)
	case info.EncryptionKey == nil && opts.PasswordFile != "":
		return nil, errors.Wrapf(ErrUnnecessaryPassword, "%s", fs)
	case info.EncryptionKey != nil:
		password, err := codec.ReadPasswordFile(opts.PasswordFile)
		if err != nil {
			return nil, err
		}
		key, err := codec.UnwrapKey(password, *info.EncryptionKey)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", fs)
		}
		r.key = &key
	}

	if !opts.SkipIndex {
		if err := r.LoadIndexes(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repository) String() string {
	return r.fs.String()
}

// FS returns the repository's underlying storage.
func (r *Repository) FS() FileStorage {
	return r.fs
}

// Key returns the repository's encryption key, or nil if it isn't
// encrypted.
func (r *Repository) Key() *codec.Key {
	return r.key
}

// Info returns the repository's storage parameters.
func (r *Repository) Info() StorageInfo {
	return r.info
}

// CompressionMethod returns the method used for new bundles.
func (r *Repository) CompressionMethod() string {
	if r.info.DefaultCompressionMethod != "" {
		return r.info.DefaultCompressionMethod
	}
	return codec.DefaultMethod
}

///////////////////////////////////////////////////////////////////////////
// Index

// LoadIndexes reads all of the index files and replaces the in-memory
// index with the result. Readers that already hold the previous index
// keep using it.
func (r *Repository) LoadIndexes(ctx context.Context) error {
	start := time.Now()
	ix, err := loadIndex(ctx, r.fs, r.key, r.opts.Duplicates)
	if err != nil {
		return err
	}
	r.index.Store(ix)
	indexReloadsTotal.Inc()
	indexEntries.Set(float64(ix.Len()))
	log.Verbose("%s: loaded %d index files, %d chunks in %s", r.fs, len(ix.files),
		ix.Len(), time.Since(start))
	return nil
}

// Reindex rereads the index files; it's equivalent to LoadIndexes.
func (r *Repository) Reindex(ctx context.Context) error {
	return r.LoadIndexes(ctx)
}

// Index returns the current in-memory index.
func (r *Repository) Index() *Index {
	ix := r.index.Load()
	if ix == nil {
		return BuildIndex(nil, r.opts.Duplicates, nil)
	}
	return ix
}

// ChunkSize returns the size of the given chunk as recorded in the index.
func (r *Repository) ChunkSize(id ChunkId) (int64, error) {
	e, ok := r.Index().Lookup(id)
	if !ok {
		return 0, indexNotFound(id)
	}
	return int64(e.Size), nil
}

///////////////////////////////////////////////////////////////////////////
// Chunks and bundles

// ReadChunk returns the contents of the given chunk.
func (r *Repository) ReadChunk(ctx context.Context, id ChunkId) ([]byte, error) {
	e, ok := r.Index().Lookup(id)
	if !ok {
		return nil, indexNotFound(id)
	}
	b, err := r.ReadBundle(ctx, e.Bundle)
	if err != nil {
		return nil, err
	}
	data, ok := b.Chunk(id)
	if !ok {
		return nil, u.Errorf(u.ErrNotFound, "chunk %s: not found in bundle %s", id, e.Bundle)
	}
	return data, nil
}

// ReadBundle reads and decodes the given bundle. Concurrent requests for
// the same bundle share a single read. The returned Bundle is shared and
// must not be modified.
func (r *Repository) ReadBundle(ctx context.Context, id BundleId) (*Bundle, error) {
	ch := r.bundleGroup.DoChan(id.String(), func() (interface{}, error) {
		return r.loadBundle(id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Bundle), nil
	}
}

func (r *Repository) loadBundle(id BundleId) (*Bundle, error) {
	r.loadingMu.Lock()
	r.loading[id]++
	r.loadingMu.Unlock()
	defer func() {
		r.loadingMu.Lock()
		if r.loading[id]--; r.loading[id] == 0 {
			delete(r.loading, id)
		}
		r.loadingMu.Unlock()
	}()

	start := time.Now()
	name := BundlePath(id)
	contents, err := r.fs.ReadFile(name, 0, 0)
	if err != nil {
		bundleLoadsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, u.ErrNotFound) {
			return nil, u.Errorf(u.ErrNotFound, "bundle %s: missing", id)
		}
		return nil, err
	}
	bundleBytesRead.Add(float64(len(contents)))

	b, err := ReadBundleFile(id, name, contents, r.key)
	if err != nil {
		bundleLoadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	bundleLoadsTotal.WithLabelValues("ok").Inc()
	bundleLoadDuration.Observe(time.Since(start).Seconds())
	log.Debug("%s: loaded %d chunks, %s in %s", name, len(b.Info.Chunks),
		u.FmtBytes(int64(len(b.Payload))), time.Since(start))
	return b, nil
}

// Loading returns the ids of the bundles that are currently being read.
func (r *Repository) Loading() []BundleId {
	r.loadingMu.Lock()
	defer r.loadingMu.Unlock()
	ids := make([]BundleId, 0, len(r.loading))
	for id := range r.loading {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

///////////////////////////////////////////////////////////////////////////
// Backups

// ListBackups returns the names of all of the backups in the repository,
// sorted. Names start with "/".
func (r *Repository) ListBackups() ([]string, error) {
	var names []string
	err := r.fs.ForFiles(BackupsDir, func(p string, _ time.Time) error {
		names = append(names, BackupName(p))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// ReadBackup returns the descriptor of the named backup.
func (r *Repository) ReadBackup(name string) (*BackupInfo, error) {
	p, err := BackupPath(name)
	if err != nil {
		return nil, err
	}
	contents, err := r.fs.ReadFile(p, 0, 0)
	if err != nil {
		if errors.Is(err, u.ErrNotFound) {
			return nil, u.Errorf(u.ErrNotFound, "backup %s: not found", name)
		}
		return nil, err
	}
	return ReadBackupFile(p, contents, r.key)
}

// DecryptFile returns the plaintext of the given repository file. Bundle
// files are also decompressed, giving their chunk payload.
func (r *Repository) DecryptFile(name string) ([]byte, error) {
	name = path.Clean(name)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") {
		return nil, u.Errorf(u.ErrFormat, "%s: not a path within the repository", name)
	}
	contents, err := r.fs.ReadFile(name, 0, 0)
	if err != nil {
		return nil, err
	}
	if name == InfoPath {
		return contents, nil
	}
	if strings.HasPrefix(name, BundlesDir+"/") {
		id, ok := bundleIdFromPath(name)
		if !ok {
			return nil, u.Errorf(u.ErrFormat, "%s: not a bundle file name", name)
		}
		b, err := ReadBundleFile(id, name, contents, r.key)
		if err != nil {
			return nil, err
		}
		return b.Payload, nil
	}
	fr, err := newFileReader(name, contents, r.key)
	if err != nil {
		return nil, err
	}
	return fr.b, nil
}
