// maint/maint_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/mmp/zbk/repotest"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testRepo struct {
	b       *repotest.Builder
	repo    *storage.Repository
	backups map[string][]byte
}

// newTestRepo creates a repository with n backups, each of which is
// stored in its own small bundles. Consecutive backups share most of
// their chunks.
func newTestRepo(t *testing.T, opts repotest.Options, n int, size int) *testRepo {
	b := repotest.New(t, opts)
	rng := rand.New(rand.NewSource(int64(n*size + 1)))
	chunk := 1024
	if opts.ChunkSize != 0 {
		chunk = opts.ChunkSize
	}

	tr := &testRepo{b: b, backups: make(map[string][]byte)}
	data := repotest.RandomData(rng, size, chunk)
	for i := 0; i < n; i++ {
		// Replace a few chunks each time.
		data = append([]byte(nil), data...)
		for j := 0; j < 3; j++ {
			off := rng.Intn(len(data)/chunk) * chunk
			rng.Read(data[off:min(off+chunk, len(data))])
		}
		name := fmt.Sprintf("/host/backup-%02d", i)
		tr.backups[name] = data
		b.AddBackup(name, data, i%3)
	}
	tr.repo = b.Open()
	return tr
}

func (tr *testRepo) removeBackup(t *testing.T, name string) {
	p, err := storage.BackupPath(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.b.FS().Remove(p); err != nil {
		t.Fatal(err)
	}
	delete(tr.backups, name)
}

// checkRestores verifies that every remaining backup restores correctly.
func (tr *testRepo) checkRestores(t *testing.T) {
	t.Helper()
	for name, data := range tr.backups {
		bi, err := tr.repo.ReadBackup(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var buf bytes.Buffer
		if _, err := restore.Restore(context.Background(), restore.NewChunks(tr.repo, nil), bi, &buf, 2,
			restore.Options{}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(buf.Bytes(), data) {
			t.Errorf("%s: restored contents differ", name)
		}
	}
}

func (tr *testRepo) checkNoTempFiles(t *testing.T) {
	t.Helper()
	tmp, err := tr.b.FS().TempFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(tmp) > 0 {
		t.Errorf("leftover temporary files: %v", tmp)
	}
}

func countBundles(t *testing.T, fs storage.FileStorage) int {
	b, err := storage.ListBundles(fs)
	if err != nil {
		t.Fatal(err)
	}
	return len(b)
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	for _, opts := range []repotest.Options{{}, {Password: "gc", Method: "lz4"}} {
		tr := newTestRepo(t, opts, 6, 40000)
		tr.removeBackup(t, "/host/backup-00")
		tr.removeBackup(t, "/host/backup-03")
		bundlesBefore := countBundles(t, tr.b.FS())

		rep, err := GCIndexes(ctx, tr.repo, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if rep.ChunksRemoved == 0 || rep.IndexFilesRemoved == 0 {
			t.Errorf("gc-indexes removed nothing: %s", rep)
		}
		tr.checkRestores(t)

		// Every indexed chunk is now reachable.
		reach, err := Reachable(ctx, tr.repo)
		if err != nil {
			t.Fatal(err)
		}
		tr.repo.Index().ForEach(func(id storage.ChunkId, e storage.IndexEntry) {
			if _, ok := reach[id]; !ok {
				t.Errorf("chunk %s is indexed but unreachable", id)
			}
		})
		if tr.repo.Index().Len() != len(reach) {
			t.Errorf("%d indexed chunks, %d reachable", tr.repo.Index().Len(), len(reach))
		}

		rep, err = GCBundles(ctx, tr.repo, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if rep.BundlesRemoved+rep.BundlesWritten == 0 {
			t.Errorf("gc-bundles changed nothing: %s", rep)
		}
		if n := countBundles(t, tr.b.FS()); n > bundlesBefore {
			t.Errorf("%d bundles after gc, %d before", n, bundlesBefore)
		}
		tr.checkRestores(t)
		tr.checkNoTempFiles(t)

		// Every chunk stored in a bundle is now indexed.
		bundles, _ := storage.ListBundles(tr.b.FS())
		for id := range bundles {
			b, err := tr.repo.ReadBundle(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			for _, c := range b.Info.Chunks {
				if e, ok := tr.repo.Index().Lookup(c.Id); !ok || e.Bundle != id {
					t.Errorf("bundle %s: chunk %s not indexed there", id, c.Id)
				}
			}
		}

		// Running it again does nothing.
		if rep, err := GCIndexes(ctx, tr.repo, Options{}); err != nil || rep.IndexFilesRemoved != 0 {
			t.Errorf("second gc-indexes: %v, %v", rep, err)
		}
	}
}

func TestGCBundlesOrderCheck(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{}, 3, 20000)
	tr.removeBackup(t, "/host/backup-01")

	if _, err := GCBundles(ctx, tr.repo, Options{}); !errors.Is(err, u.ErrState) {
		t.Fatalf("expected StateError from gc-bundles before gc-indexes, got %v", err)
	}
	tr.checkNoTempFiles(t)

	// Without the check, nothing reachable is lost, since only unindexed
	// chunks are removed.
	if _, err := GCBundles(ctx, tr.repo, Options{NoOrderCheck: true}); err != nil {
		t.Fatal(err)
	}
	tr.checkRestores(t)
}

func TestBalanceBundles(t *testing.T) {
	ctx := context.Background()
	// Each backup's new chunks end up in a bundle of their own, so there
	// are many small bundles.
	tr := newTestRepo(t, repotest.Options{BundleMaxPayload: 32 * 1024}, 12, 8000)
	before := countBundles(t, tr.b.FS())

	rep, err := BalanceBundles(ctx, tr.repo, Options{})
	if err != nil {
		t.Fatal(err)
	}
	after := countBundles(t, tr.b.FS())
	if after >= before || rep.BundlesWritten == 0 {
		t.Errorf("%d bundles before, %d after: %s", before, after, rep)
	}
	if tr.repo.Index().MissingBundles() != 0 {
		t.Errorf("%d index entries refer to missing bundles", tr.repo.Index().MissingBundles())
	}
	tr.checkRestores(t)
	tr.checkNoTempFiles(t)

	// Nothing is small enough to be worth repacking now.
	if rep, err := BalanceBundles(ctx, tr.repo, Options{MinFraction: 0.01}); err != nil || rep.BundlesWritten != 0 {
		t.Errorf("second balance: %v, %v", rep, err)
	}
}

func TestBalanceIndexes(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{Password: "bi"}, 8, 30000)
	nb := countBundles(t, tr.b.FS())
	chunks := tr.repo.Index().Len()

	rep, err := BalanceIndexes(ctx, tr.repo, Options{BundlesPerIndex: 3})
	if err != nil {
		t.Fatal(err)
	}
	files := tr.repo.Index().Files()
	if len(files) != (nb+2)/3 {
		t.Errorf("%d index files for %d bundles: %s", len(files), nb, rep)
	}
	partial := 0
	for _, f := range files {
		if len(f.Bundles) > 3 {
			t.Errorf("%s: %d bundles", f.Name, len(f.Bundles))
		} else if len(f.Bundles) < 3 {
			partial++
		}
	}
	if partial > 1 {
		t.Errorf("%d partially filled index files", partial)
	}
	if tr.repo.Index().Len() != chunks {
		t.Errorf("%d chunks indexed after balancing, %d before", tr.repo.Index().Len(), chunks)
	}
	tr.checkRestores(t)

	if rep, err := BalanceIndexes(ctx, tr.repo, Options{BundlesPerIndex: 3}); err != nil || rep.IndexFilesWritten != 0 {
		t.Errorf("second balance: %v, %v", rep, err)
	}
}

func TestBalanceIndexesDuplicates(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{}, 3, 20000)

	// Add a second index file that repeats the first one's entries.
	files := tr.repo.Index().Files()
	dup := storage.EncodeIndexFile(nil, files[0].Bundles)
	f, err := tr.b.FS().CreateFile(storage.IndexPath(storage.NewIndexId()))
	if err != nil {
		t.Fatal(err)
	}
	f.Write(dup)
	if err := f.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tr.repo.Reindex(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.repo.Index().Duplicates() == 0 {
		t.Fatalf("expected duplicate index entries")
	}

	if _, err := BalanceIndexes(ctx, tr.repo, Options{}); err != nil {
		t.Fatal(err)
	}
	if n := tr.repo.Index().Duplicates(); n != 0 {
		t.Errorf("%d duplicates remain", n)
	}
	if n := len(tr.repo.Index().Files()); n != 1 {
		t.Errorf("%d index files, expected 1", n)
	}
	tr.checkRestores(t)
}

func TestRebuildIndexes(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{Password: "rebuild"}, 4, 30000)
	chunks := tr.repo.Index().Len()

	// Lose all of the index files and leave a corrupt one behind.
	for _, f := range tr.repo.Index().Files() {
		if err := tr.b.FS().Remove(f.Name); err != nil {
			t.Fatal(err)
		}
	}
	bad := filepath.Join(tr.b.Dir, storage.IndexPath(storage.NewIndexId()))
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	rep, err := RebuildIndexes(ctx, tr.repo, Options{BundlesPerIndex: 2})
	if err != nil {
		t.Fatal(err)
	}
	if rep.IndexFilesRemoved != 1 || rep.IndexFilesWritten == 0 || rep.BundlesSkipped != 0 {
		t.Errorf("unexpected report: %s", rep)
	}
	if tr.repo.Index().Len() != chunks {
		t.Errorf("%d chunks indexed after rebuild, %d before", tr.repo.Index().Len(), chunks)
	}
	tr.checkRestores(t)
	tr.checkNoTempFiles(t)
}

func TestCheckBackups(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{}, 3, 20000)

	// A backup that refers to a chunk that doesn't exist.
	var missing storage.ChunkId
	missing[0] = 1
	bi := &storage.BackupInfo{
		BackupData: storage.AppendInstruction(nil, storage.BackupInstruction{Chunk: missing, HasChunk: true}),
		Size:       1024,
		Time:       time.Now().Unix(),
	}
	p, _ := storage.BackupPath("/host/broken")
	f, err := tr.b.FS().CreateFile(p)
	if err != nil {
		t.Fatal(err)
	}
	f.Write(storage.EncodeBackupFile(nil, bi))
	if err := f.Commit(); err != nil {
		t.Fatal(err)
	}

	rep, err := CheckBackups(ctx, tr.repo, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Broken) != 1 || rep.Broken[0] != "/host/broken" || rep.BackupsChecked != 3 {
		t.Fatalf("unexpected report: %s %v", rep, rep.Broken)
	}
	if ok, _ := tr.b.FS().Exists(p); !ok {
		t.Errorf("broken backup moved without MoveBroken")
	}

	rep, err = CheckBackups(ctx, tr.repo, Options{MoveBroken: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Broken) != 1 {
		t.Fatalf("unexpected report: %s", rep)
	}
	if ok, _ := tr.b.FS().Exists(p); ok {
		t.Errorf("broken backup still present")
	}
	if ok, _ := tr.b.FS().Exists(storage.BrokenBackupsDir + "/host/broken"); !ok {
		t.Errorf("broken backup not moved")
	}
	names, err := tr.repo.ListBackups()
	if err != nil || len(names) != 3 {
		t.Errorf("backups after moving: %v (%v)", names, err)
	}

	// GC works again now that the broken backup is out of the way.
	if _, err := GCIndexes(ctx, tr.repo, Options{}); err != nil {
		t.Error(err)
	}
}

func TestRefusesLeftovers(t *testing.T) {
	ctx := context.Background()
	tr := newTestRepo(t, repotest.Options{}, 2, 10000)
	if err := os.MkdirAll(filepath.Join(tr.b.Dir, storage.TmpDir), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tr.b.Dir, storage.TmpDir, "leftover"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for name, op := range map[string]func(context.Context, *storage.Repository, Options) (*Report, error){
		"gc-indexes":      GCIndexes,
		"gc-bundles":      GCBundles,
		"balance-bundles": BalanceBundles,
		"balance-indexes": BalanceIndexes,
		"rebuild-indexes": RebuildIndexes,
		"check-backups":   CheckBackups,
	} {
		if _, err := op(ctx, tr.repo, Options{}); !errors.Is(err, u.ErrState) {
			t.Errorf("%s: expected StateError with leftover temporary files, got %v", name, err)
		}
	}
}

func TestCancelledLeavesNoTempFiles(t *testing.T) {
	tr := newTestRepo(t, repotest.Options{BundleMaxPayload: 32 * 1024}, 8, 8000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := BalanceBundles(ctx, tr.repo, Options{}); err == nil {
		t.Errorf("expected error with cancelled context")
	}
	tr.checkNoTempFiles(t)
	tr.checkRestores(t)
}
