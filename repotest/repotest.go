// repotest/repotest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package repotest writes small ZBackup repositories for use in tests.
// Data is split into fixed-size chunks, which is enough to exercise
// deduplication, multi-level instruction streams and bundle packing
// without a content-defined chunker.
package repotest

import (
	"context"
	"crypto/sha256"
	"github.com/mmp/zbk/codec"
	"github.com/mmp/zbk/storage"
	"golang.org/x/crypto/sha3"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Options describe the repository to create.
type Options struct {
	// If non-empty, the repository is encrypted with a key protected by
	// this password.
	Password string
	// Compression method for bundles; the default is lzma.
	Method string
	// Size of the fixed-size chunks backups are split into. Default 1024.
	ChunkSize int
	// Bundles are closed once their payload reaches this size. Default
	// 16KiB.
	BundleMaxPayload int
}

// Builder creates a repository in a temporary directory and adds backups
// to it.
type Builder struct {
	t    testing.TB
	opts Options

	// Dir is the repository directory.
	Dir string
	// PasswordFile is the path of a file holding the password, if the
	// repository is encrypted.
	PasswordFile string

	fs  storage.FileStorage
	key *codec.Key

	known        map[storage.ChunkId]bool
	pending      []storage.BundleChunk
	pendingSize  int
	indexEntries []storage.IndexBundle
}

// New creates a new, empty repository.
func New(t testing.TB, opts Options) *Builder {
	if opts.Method == "" {
		opts.Method = codec.DefaultMethod
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 1024
	}
	if opts.BundleMaxPayload == 0 {
		opts.BundleMaxPayload = 16 * 1024
	}

	b := &Builder{t: t, opts: opts, Dir: filepath.Join(t.TempDir(), "repo"),
		known: make(map[storage.ChunkId]bool)}
	if err := os.MkdirAll(b.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	var err error
	if b.fs, err = storage.NewDisk(b.Dir); err != nil {
		t.Fatal(err)
	}

	si := storage.StorageInfo{
		ChunkMaxSize:             uint32(opts.ChunkSize),
		BundleMaxPayloadSize:     uint32(opts.BundleMaxPayload),
		DefaultCompressionMethod: opts.Method,
	}
	if opts.Password != "" {
		// Few rounds of key derivation keep the tests fast.
		key, wk, err := codec.NewKey([]byte(opts.Password), 16)
		if err != nil {
			t.Fatal(err)
		}
		b.key = &key
		si.EncryptionKey = &wk

		b.PasswordFile = filepath.Join(filepath.Dir(b.Dir), "password")
		if err := os.WriteFile(b.PasswordFile, []byte(opts.Password+"\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	b.write(storage.InfoPath, storage.EncodeInfoFile(si))
	return b
}

func (b *Builder) write(name string, contents []byte) {
	f, err := b.fs.CreateFile(name)
	if err != nil {
		b.t.Fatal(err)
	}
	if _, err := f.Write(contents); err != nil {
		b.t.Fatal(err)
	}
	if err := f.Commit(); err != nil {
		b.t.Fatal(err)
	}
}

// FS returns the repository's storage.
func (b *Builder) FS() storage.FileStorage {
	return b.fs
}

// Key returns the repository's key, or nil if it isn't encrypted.
func (b *Builder) Key() *codec.Key {
	return b.key
}

// Open opens the repository.
func (b *Builder) Open() *storage.Repository {
	r, err := storage.Open(context.Background(), b.Dir, storage.Options{PasswordFile: b.PasswordFile})
	if err != nil {
		b.t.Fatalf("%s: open: %v", b.Dir, err)
	}
	return r
}

// ChunkId returns the id of a chunk with the given contents.
func ChunkId(data []byte) (id storage.ChunkId) {
	sha3.ShakeSum256(id[:], data)
	return
}

// AddBackup stores data as a backup with the given name whose instruction
// stream is expanded the given number of times. New chunks are written to
// bundles and an index file is written for them.
func (b *Builder) AddBackup(name string, data []byte, iterations int) *storage.BackupInfo {
	stream := b.encode(data)
	for i := 0; i < iterations; i++ {
		stream = b.encode(stream)
	}
	b.Flush()

	sum := sha256.Sum256(data)
	bi := &storage.BackupInfo{
		BackupData: stream,
		Iterations: uint32(iterations),
		Sha256:     sum[:],
		Size:       uint64(len(data)),
		Time:       time.Now().Unix(),
	}
	p, err := storage.BackupPath(name)
	if err != nil {
		b.t.Fatal(err)
	}
	b.write(p, storage.EncodeBackupFile(b.key, bi))
	return bi
}

// encode returns an instruction stream that expands to data. Whole chunks
// are stored in the repository; a few bytes following some of them, as
// well as any final partial chunk, are emitted as literals.
func (b *Builder) encode(data []byte) []byte {
	var stream []byte
	cs := b.opts.ChunkSize
	for i := 0; len(data) > 0; i++ {
		if len(data) < cs {
			stream = storage.AppendInstruction(stream, storage.BackupInstruction{Literal: data})
			break
		}
		chunk := data[:cs]
		data = data[cs:]
		in := storage.BackupInstruction{Chunk: b.addChunk(chunk), HasChunk: true}
		if i%3 == 1 {
			n := min(i%7+1, len(data))
			in.Literal, data = data[:n], data[n:]
		}
		stream = storage.AppendInstruction(stream, in)
	}
	return stream
}

func (b *Builder) addChunk(data []byte) storage.ChunkId {
	id := ChunkId(data)
	if b.known[id] {
		return id
	}
	b.known[id] = true
	b.pending = append(b.pending, storage.BundleChunk{Id: id, Data: append([]byte(nil), data...)})
	b.pendingSize += len(data)
	if b.pendingSize >= b.opts.BundleMaxPayload {
		b.flushBundle()
	}
	return id
}

func (b *Builder) flushBundle() {
	if len(b.pending) == 0 {
		return
	}
	id := storage.NewBundleId()
	contents, err := storage.EncodeBundleFile(b.key, b.opts.Method, b.pending)
	if err != nil {
		b.t.Fatal(err)
	}
	b.write(storage.BundlePath(id), contents)

	e := storage.IndexBundle{Bundle: id}
	for _, c := range b.pending {
		e.Info.Chunks = append(e.Info.Chunks, storage.ChunkRecord{Id: c.Id, Size: uint32(len(c.Data))})
	}
	b.indexEntries = append(b.indexEntries, e)
	b.pending, b.pendingSize = nil, 0
}

// Flush writes any pending chunks to a bundle and writes an index file
// for all bundles written since the last Flush.
func (b *Builder) Flush() {
	b.flushBundle()
	if len(b.indexEntries) == 0 {
		return
	}
	b.write(storage.IndexPath(storage.NewIndexId()), storage.EncodeIndexFile(b.key, b.indexEntries))
	b.indexEntries = nil
}

// RandomData returns n bytes of pseudo-random data in which many
// chunkSize-aligned blocks repeat, so that backups of it deduplicate.
func RandomData(rng *rand.Rand, n, chunkSize int) []byte {
	pool := make([][]byte, 8)
	for i := range pool {
		pool[i] = make([]byte, chunkSize)
		rng.Read(pool[i])
	}

	b := make([]byte, 0, n)
	for len(b) < n {
		if rng.Intn(2) == 0 {
			b = append(b, pool[rng.Intn(len(pool))]...)
		} else {
			block := make([]byte, chunkSize)
			rng.Read(block)
			b = append(b, block...)
		}
	}
	return b[:n]
}
