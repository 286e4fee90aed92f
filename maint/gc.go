// maint/gc.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
)

// GCIndexes removes index entries for chunks that aren't reachable from
// any backup. Each index file that changes is rewritten, or removed if
// nothing in it is reachable, in its own commit.
func GCIndexes(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	tx, err := begin(ctx, repo, true)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	reach, err := Reachable(ctx, repo)
	if err != nil {
		return nil, err
	}

	rep = &Report{}
	for _, f := range repo.Index().Files() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		var keep []storage.IndexBundle
		removed := 0
		for _, e := range f.Bundles {
			var chunks []storage.ChunkRecord
			for _, c := range e.Info.Chunks {
				if _, ok := reach[c.Id]; ok {
					chunks = append(chunks, c)
				} else {
					removed++
				}
			}
			if len(chunks) > 0 {
				keep = append(keep, storage.IndexBundle{Bundle: e.Bundle,
					Info: storage.BundleInfo{Chunks: chunks}})
			}
		}
		if removed == 0 {
			continue
		}

		written := 0
		if len(keep) > 0 {
			if _, err := tx.WriteIndexFile(keep); err != nil {
				return rep, errors.Wrapf(err, "%s", f.Name)
			}
			written = 1
		}
		tx.Supersede(f.Name)
		if err := tx.Commit(); err != nil {
			return rep, errors.Wrapf(err, "%s", f.Name)
		}
		log.Verbose("%s: removed %d unreachable chunks", f.Name, removed)
		rep.IndexFilesWritten += written
		rep.IndexFilesRemoved++
		rep.ChunksRemoved += removed
	}
	return rep, nil
}

// GCBundles removes bundles that hold no indexed chunks and rewrites
// bundles that hold some unindexed chunks to drop them, keeping the same
// bundle id so that index files remain valid.
//
// Since it trusts the index to determine what's needed, GCBundles first
// checks that every indexed chunk is reachable, returning a StateError if
// not: that means gc-indexes should be run first. The check requires
// walking every backup and can be skipped with Options.NoOrderCheck.
func GCBundles(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	tx, err := begin(ctx, repo, true)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	indexed := make(map[storage.BundleId]map[storage.ChunkId]struct{})
	for _, f := range repo.Index().Files() {
		for _, e := range f.Bundles {
			m, ok := indexed[e.Bundle]
			if !ok {
				m = make(map[storage.ChunkId]struct{})
				indexed[e.Bundle] = m
			}
			for _, c := range e.Info.Chunks {
				m[c.Id] = struct{}{}
			}
		}
	}

	if !opts.NoOrderCheck {
		reach, err := Reachable(ctx, repo)
		if err != nil {
			return nil, err
		}
		unreachable := 0
		for _, m := range indexed {
			for id := range m {
				if _, ok := reach[id]; !ok {
					unreachable++
				}
			}
		}
		if unreachable > 0 {
			return nil, u.Errorf(u.ErrState, "%s: %d indexed chunks are unreachable; run gc-indexes first",
				repo, unreachable)
		}
	}

	bundles, err := storage.ListBundles(repo.FS())
	if err != nil {
		return nil, err
	}

	rep = &Report{}
	for _, id := range sortedBundleIds(bundles) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		name := storage.BundlePath(id)
		keep, ok := indexed[id]
		if !ok {
			tx.Supersede(name)
			if err := tx.Commit(); err != nil {
				return rep, err
			}
			log.Verbose("%s: removed unindexed bundle", name)
			rep.BundlesRemoved++
			continue
		}

		b, err := repo.ReadBundle(ctx, id)
		if err != nil {
			return rep, err
		}
		var chunks []storage.BundleChunk
		b.ForChunks(func(cid storage.ChunkId, data []byte) {
			if _, ok := keep[cid]; ok {
				chunks = append(chunks, storage.BundleChunk{Id: cid, Data: data})
			}
		})
		dropped := len(b.Info.Chunks) - len(chunks)
		if dropped == 0 {
			continue
		}

		if len(chunks) == 0 {
			// Its index entries name chunks that it doesn't have.
			log.Warning("%s: none of the %d indexed chunks are present", name, len(keep))
			tx.Supersede(name)
		} else if _, err := tx.WriteBundleFile(id, chunks); err != nil {
			return rep, errors.Wrapf(err, "%s", name)
		}
		if err := tx.Commit(); err != nil {
			return rep, errors.Wrapf(err, "%s", name)
		}
		log.Verbose("%s: removed %d of %d chunks", name, dropped, len(b.Info.Chunks))
		if len(chunks) == 0 {
			rep.BundlesRemoved++
		} else {
			rep.BundlesWritten++
		}
		rep.ChunksRemoved += dropped
	}
	return rep, nil
}
