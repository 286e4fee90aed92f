// maint/check.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"io"
	"path"
)

// CheckBackups restores each backup, discarding its contents, and reports
// the ones that fail. I/O errors end the check, since they say nothing
// about the backup. With opts.MoveBroken, the descriptors of broken
// backups are moved to the backups-broken directory, where they're no
// longer considered by garbage collection.
func CheckBackups(ctx context.Context, repo *storage.Repository, opts Options) (rep *Report, err error) {
	opts.setDefaults()
	tx, err := begin(ctx, repo, true)
	if err != nil {
		return nil, err
	}
	defer finish(ctx, repo, tx, &err)

	names, err := repo.ListBackups()
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cache.Options{})
	if err != nil {
		return nil, err
	}
	src := restore.NewChunks(repo, c)

	rep = &Report{}
	for _, name := range names {
		var n int64
		bi, err := repo.ReadBackup(name)
		if err == nil {
			n, err = restore.Restore(ctx, src, bi, io.Discard, opts.Workers, restore.Options{})
		}
		if cerr := ctx.Err(); cerr != nil {
			return rep, cerr
		} else if errors.Is(err, u.ErrIO) {
			return rep, err
		} else if err != nil {
			log.Error("%s: %s: %v", name, u.KindName(err), err)
			rep.Broken = append(rep.Broken, name)
			if opts.MoveBroken {
				from, perr := storage.BackupPath(name)
				if perr != nil {
					return rep, perr
				}
				tx.Rename(from, path.Join(storage.BrokenBackupsDir, name))
			}
			continue
		}
		log.Verbose("%s: %s ok", name, u.FmtBytes(n))
		rep.BackupsChecked++
		rep.BytesChecked += n
	}

	if opts.MoveBroken && len(rep.Broken) > 0 {
		if err := tx.Commit(); err != nil {
			return rep, err
		}
		log.Print("moved %d broken backups to %s/", len(rep.Broken), storage.BrokenBackupsDir)
	}
	log.Verbose("%s: chunk cache: %s", repo, c.Stats())
	return rep, nil
}
