// maint/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"sync"
)

// Number of backups walked concurrently.
const walkParallelism = 4

// Reachable returns the set of chunks that are referenced at any level of
// any backup in the repository. Only the chunks holding instruction
// streams are loaded; data chunks are just recorded.
func Reachable(ctx context.Context, repo *storage.Repository) (map[storage.ChunkId]struct{}, error) {
	names, err := repo.ListBackups()
	if err != nil {
		return nil, err
	}

	// Upper-level chunks are often shared between backups taken from
	// similar data, so it's worth keeping a few of them around.
	c, err := cache.New(cache.Options{Shards: 4, FastEntries: 256, SlowEntries: 1024})
	if err != nil {
		return nil, err
	}
	src := restore.NewChunks(repo, c)

	var mu sync.Mutex
	reach := make(map[storage.ChunkId]struct{})

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(walkParallelism)
	for _, name := range names {
		name := name
		eg.Go(func() error {
			bi, err := repo.ReadBackup(name)
			if err != nil {
				return err
			}

			seen := make(map[storage.ChunkId]struct{})
			n, err := restore.Walk(ctx, src, bi, restore.Options{
				OnChunk: func(level int, id storage.ChunkId) { seen[id] = struct{}{} },
			})
			if err != nil {
				return errors.Wrapf(err, "backup %s", name)
			}
			log.Verbose("%s: %d instructions, %d distinct chunks", name, n, len(seen))

			mu.Lock()
			defer mu.Unlock()
			for id := range seen {
				reach[id] = struct{}{}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	log.Verbose("%s: %d backups reference %d chunks", repo, len(names), len(reach))
	return reach, nil
}
