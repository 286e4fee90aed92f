// restore/chunks.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
)

// Chunks is a Source that reads chunks from a repository through a
// cache. When a chunk's bundle is loaded, the bundle's other chunks are
// added to the cache as well.
type Chunks struct {
	repo  *storage.Repository
	cache *cache.Cache
}

// NewChunks returns a Source for the given repository. The cache may be
// nil, in which case each request reads from the repository.
func NewChunks(repo *storage.Repository, c *cache.Cache) *Chunks {
	return &Chunks{repo: repo, cache: c}
}

func (c *Chunks) ChunkSize(id storage.ChunkId) (int64, error) {
	return c.repo.ChunkSize(id)
}

func (c *Chunks) Chunk(ctx context.Context, id storage.ChunkId) ([]byte, error) {
	if c.cache == nil {
		return c.repo.ReadChunk(ctx, id)
	}

	return c.cache.GetOrLoad(ctx, id, func(ctx context.Context) ([]byte, error) {
		e, ok := c.repo.Index().Lookup(id)
		if !ok {
			return nil, u.Errorf(u.ErrNotFound, "chunk %s: not in index", id)
		}
		b, err := c.repo.ReadBundle(ctx, e.Bundle)
		if err != nil {
			return nil, err
		}
		data, ok := b.Chunk(id)
		if !ok {
			return nil, u.Errorf(u.ErrNotFound, "chunk %s: not found in bundle %s", id, e.Bundle)
		}
		b.ForChunks(func(sib storage.ChunkId, sdata []byte) {
			if sib != id {
				c.cache.Put(sib, sdata)
			}
		})
		return data, nil
	})
}
