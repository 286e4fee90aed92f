// maint/rebuild.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"github.com/mmp/zbk/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"time"
)

// Number of bundle headers read concurrently by RebuildIndexes.
const maxParallelBundleReads = 16

// RebuildIndexes writes new index files describing every readable bundle
// and then removes all of the old index files. It doesn't depend on the
// existing index files, which may be missing or unreadable. Bundles that
// can't be decoded are skipped and counted in the report.
func RebuildIndexes(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	opts.setDefaults()
	tx, err := begin(ctx, repo, false)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	fs := repo.FS()
	var old []string
	if err := fs.ForFiles(storage.IndexDir, func(name string, _ time.Time) error {
		old = append(old, name)
		return nil
	}); err != nil {
		return nil, err
	}
	bundles, err := storage.ListBundles(fs)
	if err != nil {
		return nil, err
	}
	ids := sortedBundleIds(bundles)

	infos := make([]*storage.BundleInfo, len(ids))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelBundleReads)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			name := storage.BundlePath(id)
			contents, err := fs.ReadFile(name, 0, 0)
			if err != nil {
				return err
			}
			_, info, err := storage.ReadBundleHeader(name, contents, repo.Key())
			if err != nil {
				log.Warning("%s: skipping unreadable bundle: %v", name, err)
				return nil
			}
			infos[i] = &info
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rep = &Report{}
	var entries []storage.IndexBundle
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		name, err := tx.WriteIndexFile(entries)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		log.Verbose("%s: %d bundles", name, len(entries))
		rep.IndexFilesWritten++
		entries = nil
		return nil
	}
	for i, id := range ids {
		if infos[i] == nil {
			rep.BundlesSkipped++
			continue
		}
		entries = append(entries, storage.IndexBundle{Bundle: id, Info: *infos[i]})
		if len(entries) == opts.BundlesPerIndex {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}

	for _, name := range old {
		tx.Supersede(name)
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	rep.IndexFilesRemoved = len(old)
	return rep, nil
}
