// cmd/zbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/maint"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/server"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/urfave/cli/v2"
	"os"
	"os/signal"
	"syscall"
)

var (
	log   *u.Logger
	debug bool
)

var (
	repositoryFlag = &cli.StringFlag{
		Name:     "repository",
		Aliases:  []string{"r"},
		Usage:    "repository `LOCATION`: a directory or gs://bucket/prefix",
		EnvVars:  []string{"ZBK_REPOSITORY"},
		Required: true,
	}
	passwordFileFlag = &cli.StringFlag{
		Name:    "password-file",
		Usage:   "`FILE` holding the repository password",
		EnvVars: []string{"ZBK_PASSWORD_FILE"},
	}
	duplicatesFlag = &cli.StringFlag{
		Name:  "duplicates",
		Usage: "which index entry to use for duplicated chunks: last or first",
		Value: "last",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "number of goroutines loading chunks",
		Value: server.DefaultWorkers,
	}
)

var repoFlags = []cli.Flag{repositoryFlag, passwordFileFlag, duplicatesFlag}

var cacheFlags = []cli.Flag{
	// Zero values leave the choice to the cache, whose default for
	// compressed entries depends on whether they're kept on disk.
	&cli.IntFlag{Name: "cache-shards", Usage: "number of chunk cache shards",
		DefaultText: fmt.Sprint(cache.DefaultShards)},
	&cli.IntFlag{Name: "cache-fast", Usage: "total uncompressed cache entries, across all shards",
		DefaultText: fmt.Sprint(cache.DefaultFastEntries)},
	&cli.IntFlag{Name: "cache-slow", Usage: "total compressed cache entries, across all shards",
		DefaultText: fmt.Sprintf("%d, or %d with --cache-dir", cache.DefaultSlowEntries, cache.DefaultDiskSlowEntries)},
	&cli.StringFlag{Name: "cache-dir", Usage: "keep compressed cache entries in files under `DIR`"},
}

func main() {
	app := &cli.App{
		Name:  "zbk",
		Usage: "restore from and maintain ZBackup repositories",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log progress"},
			&cli.BoolFlag{Name: "debug", Usage: "log debugging output"},
			&cli.IntFlag{Name: "upload-bytes-per-second", Usage: "limit on bandwidth for writes to the repository"},
			&cli.IntFlag{Name: "download-bytes-per-second", Usage: "limit on bandwidth for reads from the repository"},
		},
		Before: func(cctx *cli.Context) error {
			debug = cctx.Bool("debug")
			log = u.NewLogger(cctx.Bool("verbose"), debug)
			storage.SetLogger(log)
			cache.SetLogger(log)
			restore.SetLogger(log)
			maint.SetLogger(log)
			server.SetLogger(log)
			storage.InitBandwidthLimit(cctx.Int("upload-bytes-per-second"),
				cctx.Int("download-bytes-per-second"))
			return nil
		},
		Commands: []*cli.Command{
			restoreCmd,
			listBackupsCmd,
			decryptCmd,
			serverCmd,
			clientCmd,
			gcIndexesCmd,
			gcBundlesCmd,
			balanceBundlesCmd,
			balanceIndexesCmd,
			rebuildIndexesCmd,
			checkBackupsCmd,
			readmeCmd,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "zbk: %s: %+v\n", u.KindName(err), err)
		} else {
			fmt.Fprintf(os.Stderr, "zbk: %s: %v\n", u.KindName(err), err)
		}
		os.Exit(1)
	}
}

// openRepository opens the repository named by the command's flags.
func openRepository(cctx *cli.Context, skipIndex bool) (*storage.Repository, error) {
	opts := storage.Options{
		PasswordFile: cctx.String("password-file"),
		SkipIndex:    skipIndex,
	}
	switch d := cctx.String("duplicates"); d {
	case "", "last":
		opts.Duplicates = storage.LastWriterWins
	case "first":
		opts.Duplicates = storage.FirstWriterWins
	default:
		return nil, u.Errorf(u.ErrFormat, "%s: unknown --duplicates policy", d)
	}
	repo, err := storage.Open(cctx.Context, cctx.String("repository"), opts)
	if err != nil {
		return nil, err
	}
	log.Verbose("opened %s (%s)", repo, repo.CompressionMethod())
	return repo, nil
}

func cacheOptions(cctx *cli.Context) cache.Options {
	return cache.Options{
		Shards:      cctx.Int("cache-shards"),
		FastEntries: cctx.Int("cache-fast"),
		SlowEntries: cctx.Int("cache-slow"),
		Dir:         cctx.String("cache-dir"),
	}
}

func newCache(cctx *cli.Context) (*cache.Cache, error) {
	return cache.New(cacheOptions(cctx))
}
