// cache/tiers.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import (
	"encoding/binary"
	"github.com/google/renameio"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/mmp/zbk/storage"
	"github.com/pierrec/lz4/v4"
	"os"
	"path/filepath"
)

// slowTier is the larger, slower level of a shard. Entries are stored
// compressed and are decompressed on each hit.
type slowTier interface {
	get(id storage.ChunkId) ([]byte, bool)
	add(id storage.ChunkId, data []byte)
	len() int
}

///////////////////////////////////////////////////////////////////////////
// In-memory zstd tier

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

type memoryTier struct {
	lru *lru.Cache[storage.ChunkId, []byte]
}

func newMemoryTier(entries int, onEvict func()) (*memoryTier, error) {
	l, err := lru.NewWithEvict(entries, func(storage.ChunkId, []byte) { onEvict() })
	if err != nil {
		return nil, err
	}
	return &memoryTier{lru: l}, nil
}

func (m *memoryTier) get(id storage.ChunkId) ([]byte, bool) {
	c, ok := m.lru.Get(id)
	if !ok {
		return nil, false
	}
	b, err := zstdDecoder.DecodeAll(c, nil)
	if err != nil {
		log.Warning("%s: cached chunk failed to decompress: %v", id, err)
		m.lru.Remove(id)
		return nil, false
	}
	return b, true
}

func (m *memoryTier) add(id storage.ChunkId, data []byte) {
	m.lru.Add(id, zstdEncoder.EncodeAll(data, nil))
}

func (m *memoryTier) len() int {
	return m.lru.Len()
}

///////////////////////////////////////////////////////////////////////////
// Directory tier

// Each file in the directory tier starts with a one-byte tag, followed
// by the uncompressed size as a uvarint and then the data.
const (
	tagRaw = 0
	tagLZ4 = 1
)

type diskTier struct {
	dir string
	// The LRU only tracks which chunks are present; evicting one removes
	// its file.
	lru *lru.Cache[storage.ChunkId, struct{}]
}

func newDiskTier(dir string, entries int, onEvict func()) (*diskTier, error) {
	// Whatever is there from an earlier run is unknown to the LRU.
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	d := &diskTier{dir: dir}
	var err error
	d.lru, err = lru.NewWithEvict(entries, func(id storage.ChunkId, _ struct{}) {
		if err := os.Remove(d.path(id)); err != nil && !os.IsNotExist(err) {
			log.Warning("%s: %v", d.path(id), err)
		}
		onEvict()
	})
	return d, err
}

func (d *diskTier) path(id storage.ChunkId) string {
	return filepath.Join(d.dir, id.String())
}

func (d *diskTier) get(id storage.ChunkId) ([]byte, bool) {
	if !d.lru.Contains(id) {
		return nil, false
	}
	b, err := os.ReadFile(d.path(id))
	if err == nil {
		if data, ok := decodeDiskEntry(b); ok {
			d.lru.Get(id)
			return data, true
		}
	}
	log.Warning("%s: unable to read cached chunk: %v", d.path(id), err)
	d.lru.Remove(id)
	return nil, false
}

func (d *diskTier) add(id storage.ChunkId, data []byte) {
	if d.lru.Contains(id) {
		return
	}
	if err := renameio.WriteFile(d.path(id), encodeDiskEntry(data), 0644); err != nil {
		log.Warning("%s: unable to write cached chunk: %v", d.path(id), err)
		return
	}
	d.lru.Add(id, struct{}{})
}

func (d *diskTier) len() int {
	return d.lru.Len()
}

func encodeDiskEntry(data []byte) []byte {
	b := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	n := 1 + binary.PutUvarint(b[1:], uint64(len(data)))

	// CompressBlock returns 0 when the data is incompressible.
	written, err := lz4.CompressBlock(data, b[n:], nil)
	if err != nil || written == 0 || written >= len(data) {
		b[0] = tagRaw
		return append(b[:n], data...)
	}
	b[0] = tagLZ4
	return b[:n+written]
}

func decodeDiskEntry(b []byte) ([]byte, bool) {
	if len(b) < 2 {
		return nil, false
	}
	size, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, false
	}
	payload := b[1+n:]
	switch b[0] {
	case tagRaw:
		return payload, uint64(len(payload)) == size
	case tagLZ4:
		data := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, data)
		return data, err == nil && uint64(read) == size
	}
	return nil, false
}
