// storage/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"golang.org/x/sync/errgroup"
	"path"
	"sort"
	"time"
)

// DuplicatePolicy determines which entry wins when the same chunk is
// listed in more than one place in the index files.
type DuplicatePolicy int

const (
	// LastWriterWins takes the entry from the most recently modified
	// index file.
	LastWriterWins DuplicatePolicy = iota
	FirstWriterWins
)

func (p DuplicatePolicy) String() string {
	if p == FirstWriterWins {
		return "first-writer-wins"
	}
	return "last-writer-wins"
}

// IndexEntry records where a chunk is stored.
type IndexEntry struct {
	Bundle BundleId
	Size   uint32
}

// IndexFile is the decoded contents of one index file.
type IndexFile struct {
	Name     string
	Modified time.Time
	Bundles  []IndexBundle
}

// Index is the merged, read-only view of all of a repository's index
// files. A new Index is built when the files change; an existing one is
// never modified.
type Index struct {
	entries map[ChunkId]IndexEntry
	files   []*IndexFile

	duplicates     int
	missingBundles int
}

// Lookup returns the index entry for the given chunk.
func (ix *Index) Lookup(id ChunkId) (IndexEntry, bool) {
	e, ok := ix.entries[id]
	return e, ok
}

// Len returns the number of distinct chunks in the index.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Duplicates returns the number of index entries that named a chunk that
// was already indexed.
func (ix *Index) Duplicates() int {
	return ix.duplicates
}

// MissingBundles returns the number of index entries that were skipped
// because their bundle file doesn't exist.
func (ix *Index) MissingBundles() int {
	return ix.missingBundles
}

// Files returns the index files the index was built from, in merge order.
func (ix *Index) Files() []*IndexFile {
	return ix.files
}

// ForEach calls f for each chunk in the index, in no particular order.
func (ix *Index) ForEach(f func(id ChunkId, e IndexEntry)) {
	for id, e := range ix.entries {
		f(id, e)
	}
}

// BuildIndex merges the given index files, which should already be in
// merge order. Entries for bundles for which bundleExists returns false
// are skipped; bundleExists may be nil, in which case all are kept.
func BuildIndex(files []*IndexFile, policy DuplicatePolicy, bundleExists func(BundleId) bool) *Index {
	ix := &Index{entries: make(map[ChunkId]IndexEntry), files: files}
	for _, f := range files {
		for _, b := range f.Bundles {
			if bundleExists != nil && !bundleExists(b.Bundle) {
				ix.missingBundles += len(b.Info.Chunks)
				continue
			}
			for _, c := range b.Info.Chunks {
				if _, ok := ix.entries[c.Id]; ok {
					ix.duplicates++
					if policy == FirstWriterWins {
						continue
					}
				}
				ix.entries[c.Id] = IndexEntry{Bundle: b.Bundle, Size: c.Size}
			}
		}
	}
	return ix
}

// maxParallelIndexReads bounds the number of index files read
// concurrently.
const maxParallelIndexReads = 16

// ReadIndexFiles reads and decodes all of the index files in fs, returning
// them sorted by modification time and then by name.
func ReadIndexFiles(ctx context.Context, fs FileStorage, key *codec.Key) ([]*IndexFile, error) {
	var files []*IndexFile
	err := fs.ForFiles(IndexDir, func(name string, modified time.Time) error {
		if _, ok := parseId(path.Base(name)); !ok {
			log.Warning("%s: ignoring unexpected file in index directory", name)
			return nil
		}
		files = append(files, &IndexFile{Name: name, Modified: modified})
		return nil
	})
	if err != nil {
		return nil, err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelIndexReads)
	for _, f := range files {
		f := f
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := fs.ReadFile(f.Name, 0, 0)
			if err != nil {
				return err
			}
			f.Bundles, err = ReadIndexFile(f.Name, b, key)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].Modified.Equal(files[j].Modified) {
			return files[i].Modified.Before(files[j].Modified)
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// ListBundles returns the ids of all of the bundle files in fs.
func ListBundles(fs FileStorage) (map[BundleId]struct{}, error) {
	bundles := make(map[BundleId]struct{})
	err := fs.ForFiles(BundlesDir, func(name string, _ time.Time) error {
		if id, ok := bundleIdFromPath(name); ok {
			bundles[id] = struct{}{}
		} else {
			log.Debug("%s: ignoring unexpected file in bundles directory", name)
		}
		return nil
	})
	return bundles, err
}

// loadIndex reads the index files and the list of bundles and merges them.
func loadIndex(ctx context.Context, fs FileStorage, key *codec.Key, policy DuplicatePolicy) (*Index, error) {
	var files []*IndexFile
	var bundles map[BundleId]struct{}
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		files, err = ReadIndexFiles(ectx, fs, key)
		return
	})
	eg.Go(func() (err error) {
		bundles, err = ListBundles(fs)
		return
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	ix := BuildIndex(files, policy, func(id BundleId) bool {
		_, ok := bundles[id]
		return ok
	})
	if ix.missingBundles > 0 {
		log.Warning("%s: %d index entries refer to missing bundles", fs, ix.missingBundles)
	}
	if ix.duplicates > 0 {
		log.Verbose("%s: %d duplicate index entries resolved %s", fs, ix.duplicates, policy)
	}
	return ix, nil
}

// indexNotFound returns the error for a chunk that isn't in the index.
func indexNotFound(id ChunkId) error {
	return u.Errorf(u.ErrNotFound, "chunk %s: not in index", id)
}
