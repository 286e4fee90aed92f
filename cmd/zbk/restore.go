// cmd/zbk/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bufio"
	"fmt"
	"github.com/google/renameio"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/urfave/cli/v2"
	"io"
	"os"
	"path/filepath"
	"time"
)

var outputFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Usage:   "write to `FILE` rather than standard output",
}

// output returns the writer for a command's output. Files are written
// atomically: the commit function must be called once everything has been
// written successfully; otherwise cleanup discards the partial file.
func output(cctx *cli.Context) (w io.Writer, commit func() error, cleanup func(), err error) {
	name := cctx.String("output")
	if name == "" || name == "-" {
		bw := bufio.NewWriterSize(os.Stdout, 1<<20)
		return bw, bw.Flush, func() {}, nil
	}
	f, err := renameio.TempFile(filepath.Dir(name), name)
	if err != nil {
		return nil, nil, nil, u.IOError(err, name)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	commit = func() error {
		if err := bw.Flush(); err != nil {
			return u.IOError(err, name)
		}
		if err := f.CloseAtomicallyReplace(); err != nil {
			return u.IOError(err, name)
		}
		return nil
	}
	return bw, commit, func() { f.Cleanup() }, nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "restore a backup",
	ArgsUsage: "BACKUP",
	Flags: append(append([]cli.Flag{
		outputFlag,
		workersFlag,
		&cli.Int64Flag{Name: "offset", Usage: "start restoring at byte `N`"},
		&cli.Int64Flag{Name: "length", Usage: "restore at most `N` bytes", Value: -1},
	}, repoFlags...), cacheFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return u.Errorf(u.ErrFormat, "usage: zbk restore [options] BACKUP")
		}
		name := cctx.Args().First()
		repo, err := openRepository(cctx, false)
		if err != nil {
			return err
		}
		bi, err := repo.ReadBackup(name)
		if err != nil {
			return err
		}
		c, err := newCache(cctx)
		if err != nil {
			return err
		}
		src := restore.NewChunks(repo, c)

		w, commit, cleanup, err := output(cctx)
		if err != nil {
			return err
		}
		defer cleanup()
		rw := &u.ReportingWriter{W: w, Msg: name, Log: log}

		start := time.Now()
		offset, length := cctx.Int64("offset"), cctx.Int64("length")
		if offset != 0 || length >= 0 {
			if offset < 0 || offset > int64(bi.Size) {
				return u.Errorf(u.ErrFormat, "%d: offset out of range for %s (%d bytes)", offset, name, bi.Size)
			}
			if length < 0 || offset+length > int64(bi.Size) {
				length = int64(bi.Size) - offset
			}
			r, err := restore.NewReader(cctx.Context, src, bi, restore.Options{})
			if err != nil {
				return err
			}
			n, err := io.Copy(rw, io.NewSectionReader(r, offset, length))
			if err != nil {
				return err
			}
			if n != length {
				return u.Errorf(u.ErrCorrupt, "%s: restored %d of %d bytes", name, n, length)
			}
		} else if _, err := restore.Restore(cctx.Context, src, bi, rw, cctx.Int("workers"), restore.Options{}); err != nil {
			return err
		}
		if err := commit(); err != nil {
			return err
		}
		rw.Finish()
		log.Verbose("%s: restored in %s; cache %s", name, time.Since(start).Round(time.Millisecond), c.Stats())
		return nil
	},
}

var listBackupsCmd = &cli.Command{
	Name:  "list-backups",
	Usage: "list the repository's backups",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "include sizes and times"},
	}, repoFlags...),
	Action: func(cctx *cli.Context) error {
		repo, err := openRepository(cctx, true)
		if err != nil {
			return err
		}
		names, err := repo.ListBackups()
		if err != nil {
			return err
		}
		for _, name := range names {
			if !cctx.Bool("long") {
				fmt.Println(name)
				continue
			}
			bi, err := repo.ReadBackup(name)
			if err != nil {
				log.Error("%s: %v", name, err)
				continue
			}
			when := "-"
			if bi.Time != 0 {
				when = time.Unix(bi.Time, 0).Format(time.DateTime)
			}
			fmt.Printf("%-40s %12s %2d %s\n", name, u.FmtBytes(int64(bi.Size)), bi.Iterations, when)
		}
		if n := log.NErrors(); n > 0 {
			return u.Errorf(u.ErrCorrupt, "%d unreadable backups", n)
		}
		return nil
	},
}

var decryptCmd = &cli.Command{
	Name:      "decrypt",
	Usage:     "print the decrypted contents of a repository file",
	ArgsUsage: "FILE",
	Description: "FILE is a path relative to the repository root, e.g. backups/host/daily or\n" +
		"bundles/3f/3f.... Bundle files are also decompressed.",
	Flags: append([]cli.Flag{outputFlag}, repoFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return u.Errorf(u.ErrFormat, "usage: zbk decrypt [options] FILE")
		}
		repo, err := openRepository(cctx, true)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Clean(cctx.Args().First()))
		if name == storage.InfoPath {
			log.Verbose("%s is never encrypted", name)
		}
		contents, err := repo.DecryptFile(name)
		if err != nil {
			return err
		}
		w, commit, cleanup, err := output(cctx)
		if err != nil {
			return err
		}
		defer cleanup()
		if _, err := w.Write(contents); err != nil {
			return u.IOError(err, "output")
		}
		return commit()
	},
}
