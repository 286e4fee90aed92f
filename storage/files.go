// storage/files.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"encoding/binary"
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"hash"
	"hash/adler32"
)

/*
File formats. All files other than the info file are encrypted in their
entirety when the repository has a key; the first 16 bytes of their
plaintext are then random. Adler-32 checksums cover everything written
before them, including the random bytes. The checksums are written but
not verified when reading.

- info:   FileHeader, StorageInfo, adler32.
- index:  FileHeader, (IndexBundleHeader, BundleInfo)*, IndexBundleHeader
          without an id, adler32.
- bundle: BundleFileHeader, BundleInfo, adler32, compressed payload,
          adler32.
- backup: FileHeader, BackupInfo, adler32.
*/

// fileWriter accumulates the plaintext of a repository file.
type fileWriter struct {
	key   *codec.Key
	buf   []byte
	adler hash.Hash32
}

func newFileWriter(key *codec.Key) *fileWriter {
	w := &fileWriter{key: key, adler: adler32.New()}
	if key != nil {
		w.write(codec.RandomBytes(codec.IVSize))
	}
	return w
}

func (w *fileWriter) write(b []byte) {
	w.buf = append(w.buf, b...)
	w.adler.Write(b)
}

func (w *fileWriter) message(m message) {
	w.write(appendDelimited(nil, m))
}

func (w *fileWriter) checksum() {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w.adler.Sum32())
	w.write(b[:])
}

// bytes returns the file's final contents.
func (w *fileWriter) bytes() []byte {
	if w.key == nil {
		return w.buf
	}
	return codec.Encrypt(w.key, w.buf)
}

// fileReader decodes the plaintext of a repository file.
type fileReader struct {
	name string
	b    []byte
}

func newFileReader(name string, contents []byte, key *codec.Key) (*fileReader, error) {
	if key == nil {
		return &fileReader{name: name, b: contents}, nil
	}

	plain, err := codec.Decrypt(key, contents)
	if err != nil {
		return nil, u.WithKind(u.ErrCorrupt, errors.Wrapf(err, "%s", name))
	}
	if len(plain) < codec.IVSize {
		return nil, u.Errorf(u.ErrCorrupt, "%s: file too short", name)
	}
	return &fileReader{name: name, b: plain[codec.IVSize:]}, nil
}

func (r *fileReader) message(m message, what string) error {
	msg, n, ok, err := SplitMessage(r.b)
	if err != nil {
		return errors.Wrapf(err, "%s: %s", r.name, what)
	}
	if !ok {
		return u.Errorf(u.ErrCorrupt, "%s: %s: premature end of data", r.name, what)
	}
	r.b = r.b[n:]
	if err := m.unmarshal(msg); err != nil {
		return errors.Wrapf(err, "%s: %s", r.name, what)
	}
	return nil
}

func (r *fileReader) checksum() error {
	if len(r.b) < 4 {
		return u.Errorf(u.ErrCorrupt, "%s: missing checksum", r.name)
	}
	r.b = r.b[4:]
	return nil
}

func (r *fileReader) fileHeader() error {
	var h FileHeader
	if err := r.message(&h, "file header"); err != nil {
		return err
	}
	if h.Version > FileFormatVersion {
		return u.Errorf(u.ErrFormat, "%s: unsupported file version %d", r.name, h.Version)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// info

// ReadInfoFile decodes the repository's info file, which is never
// encrypted.
func ReadInfoFile(contents []byte) (StorageInfo, error) {
	r := &fileReader{name: InfoPath, b: contents}
	var si StorageInfo
	// Anything that doesn't decode means this isn't a repository we
	// understand, rather than damage to one.
	if err := r.fileHeader(); err != nil {
		return si, u.WithKind(u.ErrFormat, err)
	}
	if err := r.message(&si, "storage info"); err != nil {
		return si, u.WithKind(u.ErrFormat, err)
	}
	if si.ChunkMaxSize == 0 || si.BundleMaxPayloadSize == 0 {
		return si, u.Errorf(u.ErrFormat, "%s: invalid storage parameters", InfoPath)
	}
	if si.DefaultCompressionMethod != "" && !codec.ValidMethod(si.DefaultCompressionMethod) {
		return si, u.Errorf(u.ErrFormat, "%s: unsupported compression method %q",
			InfoPath, si.DefaultCompressionMethod)
	}
	return si, u.WithKind(u.ErrFormat, r.checksum())
}

// EncodeInfoFile returns the contents of an info file for si.
func EncodeInfoFile(si StorageInfo) []byte {
	w := newFileWriter(nil)
	w.message(&FileHeader{Version: FileFormatVersion})
	w.message(&si)
	w.checksum()
	return w.bytes()
}

///////////////////////////////////////////////////////////////////////////
// index

// IndexBundle is an index file's record of the chunks in one bundle.
type IndexBundle struct {
	Bundle BundleId
	Info   BundleInfo
}

// ReadIndexFile decodes the given index file contents.
func ReadIndexFile(name string, contents []byte, key *codec.Key) ([]IndexBundle, error) {
	r, err := newFileReader(name, contents, key)
	if err != nil {
		return nil, err
	}
	if err := r.fileHeader(); err != nil {
		return nil, err
	}

	var entries []IndexBundle
	for {
		var h IndexBundleHeader
		if err := r.message(&h, "index bundle header"); err != nil {
			return nil, err
		}
		if !h.HasId {
			break
		}
		e := IndexBundle{Bundle: h.Id}
		if err := r.message(&e.Info, "index bundle info"); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, r.checksum()
}

// EncodeIndexFile returns the contents of an index file holding the given
// entries.
func EncodeIndexFile(key *codec.Key, entries []IndexBundle) []byte {
	w := newFileWriter(key)
	w.message(&FileHeader{Version: FileFormatVersion})
	for i := range entries {
		w.message(&IndexBundleHeader{Id: entries[i].Bundle, HasId: true})
		w.message(&entries[i].Info)
	}
	w.message(&IndexBundleHeader{})
	w.checksum()
	return w.bytes()
}

///////////////////////////////////////////////////////////////////////////
// bundle

// Bundle is a decoded bundle file.
type Bundle struct {
	Id      BundleId
	Info    BundleInfo
	Method  string
	Payload []byte

	spans map[ChunkId]span
}

type span struct {
	off, size int
}

// Chunk returns the contents of the given chunk if it is in the bundle.
// The returned slice aliases the bundle's payload and must not be
// modified.
func (b *Bundle) Chunk(id ChunkId) ([]byte, bool) {
	s, ok := b.spans[id]
	if !ok {
		return nil, false
	}
	return b.Payload[s.off : s.off+s.size], true
}

// ForChunks calls f for each chunk in the bundle, in payload order.
func (b *Bundle) ForChunks(f func(id ChunkId, data []byte)) {
	off := 0
	for _, c := range b.Info.Chunks {
		f(c.Id, b.Payload[off:off+int(c.Size)])
		off += int(c.Size)
	}
}

// ReadBundleHeader decodes just the header and chunk list of a bundle
// file, without decompressing its payload.
func ReadBundleHeader(name string, contents []byte, key *codec.Key) (BundleFileHeader, BundleInfo, error) {
	var h BundleFileHeader
	var info BundleInfo
	r, err := newFileReader(name, contents, key)
	if err != nil {
		return h, info, err
	}
	h, info, err = r.bundleHeader()
	return h, info, err
}

func (r *fileReader) bundleHeader() (BundleFileHeader, BundleInfo, error) {
	var h BundleFileHeader
	var info BundleInfo
	if err := r.message(&h, "bundle header"); err != nil {
		return h, info, err
	}
	if h.Version > FileFormatVersion {
		return h, info, u.Errorf(u.ErrFormat, "%s: unsupported bundle version %d", r.name, h.Version)
	}
	if !codec.ValidMethod(h.CompressionMethod) {
		return h, info, u.Errorf(u.ErrFormat, "%s: unsupported compression method %q",
			r.name, h.CompressionMethod)
	}
	if err := r.message(&info, "bundle info"); err != nil {
		return h, info, err
	}
	return h, info, r.checksum()
}

// ReadBundleFile decodes a bundle file, including its payload.
func ReadBundleFile(id BundleId, name string, contents []byte, key *codec.Key) (*Bundle, error) {
	r, err := newFileReader(name, contents, key)
	if err != nil {
		return nil, err
	}
	h, info, err := r.bundleHeader()
	if err != nil {
		return nil, err
	}
	if len(r.b) < 4 {
		return nil, u.Errorf(u.ErrCorrupt, "%s: missing payload checksum", name)
	}
	payload, err := codec.Decompress(h.CompressionMethod, r.b[:len(r.b)-4])
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	b := &Bundle{Id: id, Info: info, Method: h.CompressionMethod, Payload: payload,
		spans: make(map[ChunkId]span, len(info.Chunks))}
	off := 0
	for _, c := range info.Chunks {
		b.spans[c.Id] = span{off, int(c.Size)}
		off += int(c.Size)
	}
	if off != len(payload) {
		return nil, u.Errorf(u.ErrCorrupt, "%s: payload has %d bytes, chunk records total %d",
			name, len(payload), off)
	}
	return b, nil
}

// BundleChunk is a chunk to be written to a bundle.
type BundleChunk struct {
	Id   ChunkId
	Data []byte
}

// EncodeBundleFile returns the contents of a bundle file holding the given
// chunks, compressed with the given method.
func EncodeBundleFile(key *codec.Key, method string, chunks []BundleChunk) ([]byte, error) {
	h := BundleFileHeader{Version: FileFormatVersion, CompressionMethod: method}
	// lzma bundles are written as version 0 so that older readers, which
	// only know lzma, can still read them.
	if method == codec.MethodLZMA {
		h.Version = 0
	}

	var info BundleInfo
	var payload []byte
	for _, c := range chunks {
		info.Chunks = append(info.Chunks, ChunkRecord{Id: c.Id, Size: uint32(len(c.Data))})
		payload = append(payload, c.Data...)
	}

	w := newFileWriter(key)
	w.message(&h)
	w.message(&info)
	w.checksum()
	compressed, err := codec.Compress(method, nil, payload)
	if err != nil {
		return nil, err
	}
	w.write(compressed)
	w.checksum()
	return w.bytes(), nil
}

///////////////////////////////////////////////////////////////////////////
// backup

// ReadBackupFile decodes a backup descriptor.
func ReadBackupFile(name string, contents []byte, key *codec.Key) (*BackupInfo, error) {
	r, err := newFileReader(name, contents, key)
	if err != nil {
		return nil, err
	}
	if err := r.fileHeader(); err != nil {
		return nil, err
	}
	var bi BackupInfo
	if err := r.message(&bi, "backup info"); err != nil {
		return nil, err
	}
	return &bi, r.checksum()
}

// EncodeBackupFile returns the contents of a backup descriptor.
func EncodeBackupFile(key *codec.Key, bi *BackupInfo) []byte {
	w := newFileWriter(key)
	w.message(&FileHeader{Version: FileFormatVersion})
	w.message(bi)
	w.checksum()
	return w.bytes()
}
