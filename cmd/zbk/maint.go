// cmd/zbk/maint.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"github.com/goccy/go-json"
	"github.com/mmp/zbk/maint"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/urfave/cli/v2"
	"os"
)

type maintFunc func(ctx context.Context, repo *storage.Repository, opts maint.Options) (*maint.Report, error)

// maintCommand returns the command that runs the given maintenance
// operation; options sets up its maint.Options from the flags.
func maintCommand(name, usage string, op maintFunc, flags []cli.Flag, options func(*cli.Context, *maint.Options)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: append(append(flags,
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"}), repoFlags...),
		Action: func(cctx *cli.Context) error {
			// The index is of no use when it's about to be rebuilt from
			// scratch and may not even be readable.
			repo, err := openRepository(cctx, name == "rebuild-indexes")
			if err != nil {
				return err
			}
			var opts maint.Options
			if options != nil {
				options(cctx, &opts)
			}
			rep, err := op(cctx.Context, repo, opts)
			if rep != nil {
				if cctx.Bool("json") {
					b, jerr := json.MarshalIndent(rep, "", "  ")
					if jerr != nil {
						return jerr
					}
					os.Stdout.Write(append(b, '\n'))
				} else {
					fmt.Printf("%s: %s\n", name, rep)
				}
			}
			if err != nil {
				return err
			}
			if rep != nil && len(rep.Broken) > 0 {
				return u.Errorf(u.ErrCorrupt, "%d broken backups", len(rep.Broken))
			}
			return nil
		},
	}
}

var (
	gcIndexesCmd = maintCommand("gc-indexes",
		"remove index entries for chunks that no backup references",
		maint.GCIndexes, nil, nil)

	gcBundlesCmd = maintCommand("gc-bundles",
		"remove unindexed chunks and bundles",
		maint.GCBundles,
		[]cli.Flag{
			&cli.BoolFlag{Name: "no-order-check", Usage: "don't check that gc-indexes has been run first"},
		},
		func(cctx *cli.Context, opts *maint.Options) {
			opts.NoOrderCheck = cctx.Bool("no-order-check")
		})

	balanceBundlesCmd = maintCommand("balance-bundles",
		"repack small bundles into full-sized ones",
		maint.BalanceBundles,
		[]cli.Flag{
			&cli.Float64Flag{
				Name:  "min-fraction",
				Usage: "repack bundles holding less than this fraction of the maximum bundle size",
				Value: maint.DefaultMinFraction,
			},
		},
		func(cctx *cli.Context, opts *maint.Options) {
			opts.MinFraction = cctx.Float64("min-fraction")
		})

	bundlesPerIndexFlag = &cli.IntFlag{
		Name:  "bundles-per-index",
		Usage: "number of bundles described by each index file written",
		Value: maint.DefaultBundlesPerIndex,
	}

	balanceIndexesCmd = maintCommand("balance-indexes",
		"rewrite the index files into evenly sized ones without duplicates",
		maint.BalanceIndexes,
		[]cli.Flag{bundlesPerIndexFlag},
		func(cctx *cli.Context, opts *maint.Options) {
			opts.BundlesPerIndex = cctx.Int("bundles-per-index")
		})

	rebuildIndexesCmd = maintCommand("rebuild-indexes",
		"replace the index files with ones rebuilt from the bundle headers",
		maint.RebuildIndexes,
		[]cli.Flag{bundlesPerIndexFlag},
		func(cctx *cli.Context, opts *maint.Options) {
			opts.BundlesPerIndex = cctx.Int("bundles-per-index")
		})

	checkBackupsCmd = maintCommand("check-backups",
		"restore every backup to check that it's intact",
		maint.CheckBackups,
		[]cli.Flag{
			&cli.BoolFlag{Name: "move-broken", Usage: "move broken backups to backups-broken/"},
			workersFlag,
		},
		func(cctx *cli.Context, opts *maint.Options) {
			opts.MoveBroken = cctx.Bool("move-broken")
			opts.Workers = cctx.Int("workers")
		})
)
