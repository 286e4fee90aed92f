// storage/transaction.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"strings"
)

// FileState records the progress of a file written or removed through a
// Transaction.
type FileState int

const (
	// Writing files have been created but aren't visible yet.
	Writing FileState = iota
	Committed
	// Superseded files are removed by the next commit.
	Superseded
	Aborted
	Removed
)

func (s FileState) String() string {
	return [...]string{"writing", "committed", "superseded", "aborted", "removed"}[s]
}

type rename struct {
	from, to string
}

// Transaction manages a series of batches of changes to a repository's
// files. The repository lock is held from Begin until Close. Within each
// batch, new files are made visible before any superseded files are
// removed, so an interruption may leave redundant files behind but never
// loses data.
type Transaction struct {
	r      *Repository
	unlock func() error

	pending    []AtomicFile
	renames    []rename
	superseded []string
	states     map[string]FileState
}

// Begin takes the repository lock and starts a new transaction. It fails
// with ErrState if another process holds the lock or if the tmp directory
// holds files left behind by an earlier run.
func (r *Repository) Begin() (*Transaction, error) {
	unlock, err := r.fs.Lock()
	if err != nil {
		return nil, err
	}
	leftover, err := r.fs.TempFiles()
	if err != nil {
		unlock()
		return nil, err
	}
	if len(leftover) > 0 {
		unlock()
		return nil, u.Errorf(u.ErrState, "%s: %d leftover temporary files (%s); remove them first",
			r.fs, len(leftover), strings.Join(leftover, ", "))
	}
	return &Transaction{r: r, unlock: unlock, states: make(map[string]FileState)}, nil
}

// Create returns a file that becomes visible at the next Commit.
func (tx *Transaction) Create(name string) (AtomicFile, error) {
	f, err := tx.r.fs.CreateFile(name)
	if err != nil {
		return nil, err
	}
	tx.pending = append(tx.pending, f)
	tx.states[name] = Writing
	return f, nil
}

// WriteFile creates the named file with the given contents.
func (tx *Transaction) WriteFile(name string, contents []byte) error {
	f, err := tx.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(contents)
	return err
}

// WriteIndexFile writes a new index file holding the given entries,
// returning its name.
func (tx *Transaction) WriteIndexFile(entries []IndexBundle) (string, error) {
	name := IndexPath(NewIndexId())
	return name, tx.WriteFile(name, EncodeIndexFile(tx.r.key, entries))
}

// WriteBundleFile writes a bundle holding the given chunks using the
// repository's default compression method, returning the chunk records
// for its index entry.
func (tx *Transaction) WriteBundleFile(id BundleId, chunks []BundleChunk) (BundleInfo, error) {
	contents, err := EncodeBundleFile(tx.r.key, tx.r.CompressionMethod(), chunks)
	if err != nil {
		return BundleInfo{}, err
	}
	var info BundleInfo
	for _, c := range chunks {
		info.Chunks = append(info.Chunks, ChunkRecord{Id: c.Id, Size: uint32(len(c.Data))})
	}
	return info, tx.WriteFile(BundlePath(id), contents)
}

// Key returns the key used to encrypt the transaction's files.
func (tx *Transaction) Key() *codec.Key {
	return tx.r.key
}

// Supersede marks the named file for removal at the next Commit.
func (tx *Transaction) Supersede(name string) {
	tx.superseded = append(tx.superseded, name)
	tx.states[name] = Superseded
}

// Rename schedules a file to be renamed at the next Commit, after new
// files are visible and before superseded ones are removed.
func (tx *Transaction) Rename(from, to string) {
	tx.renames = append(tx.renames, rename{from, to})
}

// Commit makes the current batch's new files visible, performs its
// renames and then removes the files it superseded. If a file can't be
// committed, the rest of the batch is aborted.
func (tx *Transaction) Commit() error {
	for i, f := range tx.pending {
		if err := f.Commit(); err != nil {
			tx.pending = tx.pending[i:]
			tx.Abort()
			return err
		}
		tx.states[f.Name()] = Committed
		filesCommittedTotal.WithLabelValues("committed").Inc()
	}
	tx.pending = nil

	for i, rn := range tx.renames {
		if err := tx.r.fs.Rename(rn.from, rn.to); err != nil {
			tx.renames = tx.renames[i:]
			tx.Abort()
			return err
		}
		tx.states[rn.from] = Removed
		tx.states[rn.to] = Committed
	}
	tx.renames = nil

	for i, name := range tx.superseded {
		if err := tx.r.fs.Remove(name); err != nil {
			tx.superseded = tx.superseded[i:]
			tx.Abort()
			return err
		}
		tx.states[name] = Removed
		filesCommittedTotal.WithLabelValues("removed").Inc()
	}
	tx.superseded = nil
	return nil
}

// Abort discards the current batch: new files are removed and nothing is
// renamed or removed. Earlier committed batches are unaffected.
func (tx *Transaction) Abort() error {
	var firstErr error
	for _, f := range tx.pending {
		if err := f.Abort(); err != nil && firstErr == nil {
			firstErr = err
		}
		tx.states[f.Name()] = Aborted
	}
	for _, name := range tx.superseded {
		if tx.states[name] == Superseded {
			delete(tx.states, name)
		}
	}
	tx.pending, tx.renames, tx.superseded = nil, nil, nil
	return firstErr
}

// States returns the current state of every file touched by the
// transaction.
func (tx *Transaction) States() map[string]FileState {
	s := make(map[string]FileState, len(tx.states))
	for n, st := range tx.states {
		s[n] = st
	}
	return s
}

// Close aborts any uncommitted batch and releases the repository lock.
func (tx *Transaction) Close() error {
	err := tx.Abort()
	if uerr := tx.unlock(); err == nil {
		err = uerr
	}
	return err
}
