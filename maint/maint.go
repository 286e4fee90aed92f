// maint/maint.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package maint implements repository maintenance: garbage collection of
// index entries and bundles, rebalancing of bundle and index file sizes,
// rebuilding the index from bundle headers and checking that backups can
// be restored.
//
// Every operation holds the repository lock for its duration and writes
// files through a storage.Transaction, committing in small batches so
// that an error or interruption leaves the work done so far in place.
package maint

import (
	"context"
	"fmt"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"sort"
	"strings"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	DefaultMinFraction     = 0.5
	DefaultBundlesPerIndex = 16384
	DefaultWorkers         = 4
)

// Options control the maintenance operations.
type Options struct {
	// NoOrderCheck disables gc-bundles' check that gc-indexes has been
	// run first.
	NoOrderCheck bool

	// Bundles whose indexed payload is less than MinFraction of the
	// repository's maximum bundle payload size are repacked by
	// BalanceBundles. Default 0.5.
	MinFraction float64

	// Number of bundles described by each index file written by
	// BalanceIndexes and RebuildIndexes. Default 16384.
	BundlesPerIndex int

	// MoveBroken causes CheckBackups to move the descriptors of backups
	// that can't be restored to the backups-broken directory.
	MoveBroken bool

	// Number of goroutines used to load chunks when checking backups.
	// Default 4.
	Workers int
}

func (o *Options) setDefaults() {
	if o.MinFraction <= 0 {
		o.MinFraction = DefaultMinFraction
	}
	if o.BundlesPerIndex <= 0 {
		o.BundlesPerIndex = DefaultBundlesPerIndex
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
}

// Report summarizes the changes made by a maintenance operation.
type Report struct {
	IndexFilesWritten int `json:"index_files_written"`
	IndexFilesRemoved int `json:"index_files_removed"`
	BundlesWritten    int `json:"bundles_written"`
	BundlesRemoved    int `json:"bundles_removed"`
	ChunksRemoved     int `json:"chunks_removed"`
	// Bundles that couldn't be read by RebuildIndexes.
	BundlesSkipped int `json:"bundles_skipped"`

	BackupsChecked int      `json:"backups_checked"`
	BytesChecked   int64    `json:"bytes_checked"`
	Broken         []string `json:"broken"`
}

func (r *Report) String() string {
	var s []string
	add := func(n int, what string) {
		if n > 0 {
			s = append(s, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(r.IndexFilesWritten, "index files written")
	add(r.IndexFilesRemoved, "index files removed")
	add(r.BundlesWritten, "bundles written")
	add(r.BundlesRemoved, "bundles removed")
	add(r.ChunksRemoved, "chunks removed")
	add(r.BundlesSkipped, "unreadable bundles skipped")
	if r.BackupsChecked > 0 {
		s = append(s, fmt.Sprintf("%d backups (%s) restored", r.BackupsChecked, u.FmtBytes(r.BytesChecked)))
	}
	add(len(r.Broken), "broken backups")
	if len(s) == 0 {
		return "no changes"
	}
	return strings.Join(s, ", ")
}

// begin takes the repository lock and, if reindex is set, reloads the
// index so that it reflects the files on disk now that no other
// maintenance can change them.
func begin(ctx context.Context, repo *storage.Repository, reindex bool) (*storage.Transaction, error) {
	tx, err := repo.Begin()
	if err != nil {
		return nil, err
	}
	if reindex {
		if err := repo.Reindex(ctx); err != nil {
			tx.Close()
			return nil, err
		}
	}
	return tx, nil
}

// finish releases the transaction and reloads the index from the
// rewritten files. The first error encountered is stored in *errp.
func finish(ctx context.Context, repo *storage.Repository, tx *storage.Transaction, errp *error) {
	if err := tx.Close(); *errp == nil {
		*errp = err
	}
	if err := repo.Reindex(context.WithoutCancel(ctx)); *errp == nil {
		*errp = err
	}
}

func sortedBundleIds(m map[storage.BundleId]struct{}) []storage.BundleId {
	ids := make([]storage.BundleId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortBundleIds(ids)
	return ids
}

func sortBundleIds(ids []storage.BundleId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
