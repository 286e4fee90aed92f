// storage/transaction_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	u "github.com/mmp/zbk/util"
	"testing"
)

func newEmptyRepository(t *testing.T, fs FileStorage) *Repository {
	writeFile(t, fs, InfoPath, EncodeInfoFile(StorageInfo{ChunkMaxSize: DefaultChunkMaxSize,
		BundleMaxPayloadSize: DefaultBundleMaxPayloadSize}))
	r, err := OpenStorage(context.Background(), fs, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestTransactionCommit(t *testing.T) {
	forStorages(t, testTransactionCommit)
}

func testTransactionCommit(t *testing.T, fs FileStorage) {
	r := newEmptyRepository(t, fs)
	writeFile(t, r.FS(), "index/old", EncodeIndexFile(nil, nil))

	tx, err := r.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	c := BundleChunk{Id: randomChunkId(), Data: genRandom(1000)}
	id := NewBundleId()
	info, err := tx.WriteBundleFile(id, []BundleChunk{c})
	if err != nil {
		t.Fatal(err)
	}
	name, err := tx.WriteIndexFile([]IndexBundle{{Bundle: id, Info: info}})
	if err != nil {
		t.Fatal(err)
	}
	tx.Supersede("index/old")

	st := tx.States()
	if st[name] != Writing || st[BundlePath(id)] != Writing || st["index/old"] != Superseded {
		t.Errorf("unexpected states before commit: %v", st)
	}
	if ok, _ := r.FS().Exists(name); ok {
		t.Errorf("%s: visible before commit", name)
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	st = tx.States()
	if st[name] != Committed || st[BundlePath(id)] != Committed || st["index/old"] != Removed {
		t.Errorf("unexpected states after commit: %v", st)
	}
	if ok, _ := r.FS().Exists("index/old"); ok {
		t.Errorf("superseded file still exists")
	}

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := r.ReadChunk(context.Background(), c.Id)
	if err != nil || string(data) != string(c.Data) {
		t.Errorf("committed chunk not readable: %v", err)
	}
}

func TestTransactionAbort(t *testing.T) {
	forStorages(t, testTransactionAbort)
}

func testTransactionAbort(t *testing.T, fs FileStorage) {
	r := newEmptyRepository(t, fs)
	writeFile(t, r.FS(), "index/keep", EncodeIndexFile(nil, nil))

	tx, err := r.Begin()
	if err != nil {
		t.Fatal(err)
	}
	name, err := tx.WriteIndexFile(nil)
	if err != nil {
		t.Fatal(err)
	}
	tx.Supersede("index/keep")
	if err := tx.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}

	if ok, _ := r.FS().Exists(name); ok {
		t.Errorf("%s: aborted file is visible", name)
	}
	if ok, _ := r.FS().Exists("index/keep"); !ok {
		t.Errorf("file superseded by an aborted batch was removed")
	}
	if tmp, err := r.FS().TempFiles(); err != nil || len(tmp) != 0 {
		t.Errorf("temporary files left after abort: %v (%v)", tmp, err)
	}
}

func TestTransactionRefusals(t *testing.T) {
	forStorages(t, testTransactionRefusals)
}

func testTransactionRefusals(t *testing.T, fs FileStorage) {
	r := newEmptyRepository(t, fs)

	tx, err := r.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Begin(); !errors.Is(err, u.ErrState) {
		t.Errorf("expected StateError while locked, got %v", err)
	}
	tx.Close()

	// Leave a temporary file behind, as an interrupted run would.
	f, err := r.FS().CreateFile("index/interrupted")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Begin(); !errors.Is(err, u.ErrState) {
		t.Errorf("expected StateError with leftover temporary files, got %v", err)
	}
	f.Abort()

	tx, err = r.Begin()
	if err != nil {
		t.Errorf("Begin after cleanup: %v", err)
	} else {
		tx.Close()
	}
}
