// maint/balance.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"github.com/mmp/zbk/storage"
	"github.com/pkg/errors"
)

// BalanceBundles repacks the chunks of small bundles into new bundles of
// roughly the repository's maximum bundle payload size. Bundles are packed
// whole and only their indexed chunks are kept. For each new bundle, the
// bundle and an index file for it are committed before the old bundles are
// removed in a second commit. Finally, index entries for the removed
// bundles are dropped.
func BalanceBundles(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	opts.setDefaults()
	tx, err := begin(ctx, repo, true)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	target := int64(repo.Info().BundleMaxPayloadSize)
	if target <= 0 {
		target = storage.DefaultBundleMaxPayloadSize
	}
	threshold := int64(opts.MinFraction * float64(target))

	// Group the chunks by the bundle the index resolves them to, so that
	// each chunk is carried over from exactly one bundle.
	payload := make(map[storage.BundleId]int64)
	indexed := make(map[storage.BundleId]map[storage.ChunkId]struct{})
	repo.Index().ForEach(func(id storage.ChunkId, e storage.IndexEntry) {
		payload[e.Bundle] += int64(e.Size)
		m, ok := indexed[e.Bundle]
		if !ok {
			m = make(map[storage.ChunkId]struct{})
			indexed[e.Bundle] = m
		}
		m[id] = struct{}{}
	})

	var small []storage.BundleId
	for id, p := range payload {
		if p < threshold {
			small = append(small, id)
		}
	}
	sortBundleIds(small)
	log.Verbose("%s: %d of %d bundles have less than %d bytes of indexed chunks", repo,
		len(small), len(payload), threshold)

	rep = &Report{}
	if len(small) < 2 {
		return rep, nil
	}

	var batch []storage.BundleId
	var size int64
	for _, id := range small {
		if len(batch) > 0 && size+payload[id] > target {
			if err := packBundles(ctx, repo, tx, batch, indexed, rep); err != nil {
				return rep, err
			}
			batch, size = nil, 0
		}
		batch = append(batch, id)
		size += payload[id]
	}
	// A single leftover bundle would just be copied.
	if len(batch) > 1 {
		if err := packBundles(ctx, repo, tx, batch, indexed, rep); err != nil {
			return rep, err
		}
	}

	return rep, dropMissingBundles(ctx, repo, tx, rep)
}

// packBundles writes the indexed chunks of the given bundles to a new
// bundle and then removes them.
func packBundles(ctx context.Context, repo *storage.Repository, tx *storage.Transaction,
	batch []storage.BundleId, indexed map[storage.BundleId]map[storage.ChunkId]struct{}, rep *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var chunks []storage.BundleChunk
	for _, id := range batch {
		b, err := repo.ReadBundle(ctx, id)
		if err != nil {
			return err
		}
		b.ForChunks(func(cid storage.ChunkId, data []byte) {
			if _, ok := indexed[id][cid]; ok {
				chunks = append(chunks, storage.BundleChunk{Id: cid, Data: data})
			}
		})
	}

	if len(chunks) > 0 {
		id := storage.NewBundleId()
		info, err := tx.WriteBundleFile(id, chunks)
		if err != nil {
			return err
		}
		if _, err := tx.WriteIndexFile([]storage.IndexBundle{{Bundle: id, Info: info}}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "bundle %s", id)
		}
		log.Verbose("bundle %s: packed %d chunks from %d bundles", id, len(chunks), len(batch))
		rep.BundlesWritten++
		rep.IndexFilesWritten++
	}

	for _, id := range batch {
		tx.Supersede(storage.BundlePath(id))
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rep.BundlesRemoved += len(batch)
	return nil
}

// dropMissingBundles rewrites index files to remove the entries for
// bundles that no longer exist.
func dropMissingBundles(ctx context.Context, repo *storage.Repository, tx *storage.Transaction, rep *Report) error {
	files, err := storage.ReadIndexFiles(ctx, repo.FS(), repo.Key())
	if err != nil {
		return err
	}
	bundles, err := storage.ListBundles(repo.FS())
	if err != nil {
		return err
	}

	for _, f := range files {
		var keep []storage.IndexBundle
		for _, e := range f.Bundles {
			if _, ok := bundles[e.Bundle]; ok {
				keep = append(keep, e)
			}
		}
		if len(keep) == len(f.Bundles) {
			continue
		}

		written := 0
		if len(keep) > 0 {
			if _, err := tx.WriteIndexFile(keep); err != nil {
				return err
			}
			written = 1
		}
		tx.Supersede(f.Name)
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "%s", f.Name)
		}
		log.Debug("%s: dropped %d entries for missing bundles", f.Name, len(f.Bundles)-len(keep))
		rep.IndexFilesWritten += written
		rep.IndexFilesRemoved++
	}
	return nil
}

// BalanceIndexes rewrites the index so that each index file describes
// opts.BundlesPerIndex bundles, except perhaps the last. When a bundle
// appears in more than one index file, the entry from the most recent file
// is kept. An old index file is removed in the commit that writes the last
// of its bundles to a new file.
func BalanceIndexes(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	opts.setDefaults()
	tx, err := begin(ctx, repo, true)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	// Files are in merge order, oldest first.
	files := repo.Index().Files()
	latest := make(map[storage.BundleId]storage.BundleInfo)
	var order []storage.BundleId
	duplicates, oversized := 0, false
	for _, f := range files {
		oversized = oversized || len(f.Bundles) > opts.BundlesPerIndex
		for _, e := range f.Bundles {
			if _, ok := latest[e.Bundle]; ok {
				duplicates++
			} else {
				order = append(order, e.Bundle)
			}
			latest[e.Bundle] = e.Info
		}
	}

	rep = &Report{}
	k := opts.BundlesPerIndex
	needed := (len(order) + k - 1) / k
	if duplicates == 0 && !oversized && len(files) <= needed {
		log.Verbose("%s: %d index files for %d bundles are already balanced", repo, len(files), len(order))
		return rep, nil
	}

	covered := make(map[storage.BundleId]bool)
	removed := make([]bool, len(files))
	supersedeCovered := func() int {
		n := 0
		for i, f := range files {
			if removed[i] {
				continue
			}
			all := true
			for _, e := range f.Bundles {
				all = all && covered[e.Bundle]
			}
			if all {
				tx.Supersede(f.Name)
				removed[i] = true
				n++
			}
		}
		return n
	}

	for start := 0; start < len(order); start += k {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		group := order[start:min(start+k, len(order))]
		entries := make([]storage.IndexBundle, len(group))
		for i, id := range group {
			entries[i] = storage.IndexBundle{Bundle: id, Info: latest[id]}
			covered[id] = true
		}
		name, err := tx.WriteIndexFile(entries)
		if err != nil {
			return rep, err
		}
		n := supersedeCovered()
		if err := tx.Commit(); err != nil {
			return rep, errors.Wrapf(err, "%s", name)
		}
		log.Verbose("%s: %d bundles; %d old index files removed", name, len(group), n)
		rep.IndexFilesWritten++
		rep.IndexFilesRemoved += n
	}

	// Any remaining files are empty.
	if n := supersedeCovered(); n > 0 {
		if err := tx.Commit(); err != nil {
			return rep, err
		}
		rep.IndexFilesRemoved += n
	}
	if duplicates > 0 {
		log.Verbose("%s: dropped %d duplicate bundle entries", repo, duplicates)
	}
	return rep, nil
}
