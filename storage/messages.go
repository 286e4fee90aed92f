// storage/messages.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
The messages stored in repository files use the protocol buffer wire
format; each one is preceded by its length, encoded as a varint. The
message definitions are:

  FileHeader        { uint32 version = 1; }
  EncryptionKeyInfo { bytes salt = 1; uint32 rounds = 2; bytes encrypted_key = 3;
                      bytes key_check_input = 4; bytes key_check_hmac = 5; }
  StorageInfo       { uint32 chunk_max_size = 1 [default = 65536];
                      uint32 bundle_max_payload_size = 2 [default = 0x200000];
                      EncryptionKeyInfo encryption_key = 3;
                      string default_compression_method = 4; }
  BundleInfo        { repeated ChunkRecord chunk_record = 1; }
  ChunkRecord       { bytes id = 1; uint32 size = 2; }
  BundleFileHeader  { uint32 version = 1; string compression_method = 2 [default = "lzma"]; }
  IndexBundleHeader { bytes id = 1; }
  BackupInstruction { bytes chunk_to_emit = 1; bytes bytes_to_emit = 2; }
  BackupInfo        { bytes backup_data = 1; uint32 iterations = 2; bytes sha256 = 3;
                      uint64 size = 4; int64 time = 5; }
*/

const (
	// FileFormatVersion is the version written in file headers.
	FileFormatVersion = 1

	DefaultChunkMaxSize         = 65536
	DefaultBundleMaxPayloadSize = 0x200000

	// Messages larger than this are assumed to be garbage.
	maxMessageSize = 1 << 28
)

type message interface {
	appendTo(b []byte) []byte
	unmarshal(b []byte) error
}

// appendDelimited appends m's length and then its encoding to b.
func appendDelimited(b []byte, m message) []byte {
	enc := m.appendTo(nil)
	b = protowire.AppendVarint(b, uint64(len(enc)))
	return append(b, enc...)
}

// SplitMessage returns the length-delimited message at the start of b and
// the total number of bytes it occupies. If b doesn't yet hold a complete
// message, ok is false and err is nil.
func SplitMessage(b []byte) (msg []byte, n int, ok bool, err error) {
	length, vn := protowire.ConsumeVarint(b)
	if vn < 0 {
		if len(b) < protowire.SizeVarint(maxMessageSize) {
			return nil, 0, false, nil
		}
		return nil, 0, false, u.Errorf(u.ErrCorrupt, "invalid message length: %v",
			protowire.ParseError(vn))
	}
	if length > maxMessageSize {
		return nil, 0, false, u.Errorf(u.ErrCorrupt, "message length %d too large", length)
	}
	end := vn + int(length)
	if len(b) < end {
		return nil, 0, false, nil
	}
	return b[vn:end], end, true, nil
}

// MessageNeed returns how many more bytes are needed for b to hold a
// complete length-delimited message, or a small positive number if the
// length itself isn't complete yet.
func MessageNeed(b []byte) int {
	length, vn := protowire.ConsumeVarint(b)
	if vn < 0 {
		return 1
	}
	if need := vn + int(length) - len(b); need > 0 {
		return need
	}
	return 0
}

// fields calls f for each field of the encoded message b. f returns the
// number of bytes of b that the field's value occupies, or zero if it
// doesn't handle the field, in which case it is skipped.
func fields(b []byte, f func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u.Errorf(u.ErrCorrupt, "%v", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := f(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return u.Errorf(u.ErrCorrupt, "%v", protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, u.Errorf(u.ErrCorrupt, "unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, u.Errorf(u.ErrCorrupt, "%v", protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, u.Errorf(u.ErrCorrupt, "unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, u.Errorf(u.ErrCorrupt, "%v", protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeId(typ protowire.Type, b []byte, dst *[IdSize]byte) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if len(v) != IdSize {
		return 0, u.Errorf(u.ErrCorrupt, "id has %d bytes, expected %d", len(v), IdSize)
	}
	copy(dst[:], v)
	return n, nil
}

///////////////////////////////////////////////////////////////////////////

type FileHeader struct {
	Version uint32
}

func (h *FileHeader) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(h.Version))
}

func (h *FileHeader) unmarshal(b []byte) error {
	*h = FileHeader{}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var v uint64
		n, err := consumeVarint(typ, b, &v)
		h.Version = uint32(v)
		return n, err
	})
}

///////////////////////////////////////////////////////////////////////////

// StorageInfo holds the repository-wide parameters stored in the info
// file.
type StorageInfo struct {
	ChunkMaxSize         uint32
	BundleMaxPayloadSize uint32
	// EncryptionKey is nil for unencrypted repositories.
	EncryptionKey            *codec.WrappedKey
	DefaultCompressionMethod string
}

func (si *StorageInfo) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(si.ChunkMaxSize))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(si.BundleMaxPayloadSize))
	if k := si.EncryptionKey; k != nil {
		var kb []byte
		kb = protowire.AppendTag(kb, 1, protowire.BytesType)
		kb = protowire.AppendBytes(kb, k.Salt)
		kb = protowire.AppendTag(kb, 2, protowire.VarintType)
		kb = protowire.AppendVarint(kb, uint64(k.Rounds))
		kb = protowire.AppendTag(kb, 3, protowire.BytesType)
		kb = protowire.AppendBytes(kb, k.EncryptedKey)
		kb = protowire.AppendTag(kb, 4, protowire.BytesType)
		kb = protowire.AppendBytes(kb, k.KeyCheckInput)
		kb = protowire.AppendTag(kb, 5, protowire.BytesType)
		kb = protowire.AppendBytes(kb, k.KeyCheckHmac)

		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	if si.DefaultCompressionMethod != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, si.DefaultCompressionMethod)
	}
	return b
}

func (si *StorageInfo) unmarshal(b []byte) error {
	*si = StorageInfo{
		ChunkMaxSize:         DefaultChunkMaxSize,
		BundleMaxPayloadSize: DefaultBundleMaxPayloadSize,
	}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			n, err := consumeVarint(typ, b, &v)
			si.ChunkMaxSize = uint32(v)
			return n, err
		case 2:
			n, err := consumeVarint(typ, b, &v)
			si.BundleMaxPayloadSize = uint32(v)
			return n, err
		case 3:
			var kb []byte
			n, err := consumeBytes(typ, b, &kb)
			if err != nil {
				return 0, err
			}
			si.EncryptionKey = &codec.WrappedKey{}
			return n, unmarshalKey(kb, si.EncryptionKey)
		case 4:
			var s []byte
			n, err := consumeBytes(typ, b, &s)
			si.DefaultCompressionMethod = string(s)
			return n, err
		}
		return 0, nil
	})
}

func unmarshalKey(b []byte, k *codec.WrappedKey) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &k.Salt)
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			k.Rounds = uint32(v)
			return n, err
		case 3:
			return consumeBytes(typ, b, &k.EncryptedKey)
		case 4:
			return consumeBytes(typ, b, &k.KeyCheckInput)
		case 5:
			return consumeBytes(typ, b, &k.KeyCheckHmac)
		}
		return 0, nil
	})
}

///////////////////////////////////////////////////////////////////////////

// ChunkRecord describes one chunk stored in a bundle.
type ChunkRecord struct {
	Id   ChunkId
	Size uint32
}

// BundleInfo lists the chunks stored in a bundle, in the order that their
// contents appear in its payload.
type BundleInfo struct {
	Chunks []ChunkRecord
}

// PayloadSize returns the total size of the chunks in the bundle.
func (bi *BundleInfo) PayloadSize() int64 {
	var n int64
	for _, c := range bi.Chunks {
		n += int64(c.Size)
	}
	return n
}

func (bi *BundleInfo) appendTo(b []byte) []byte {
	for _, c := range bi.Chunks {
		var rb []byte
		rb = protowire.AppendTag(rb, 1, protowire.BytesType)
		rb = protowire.AppendBytes(rb, c.Id[:])
		rb = protowire.AppendTag(rb, 2, protowire.VarintType)
		rb = protowire.AppendVarint(rb, uint64(c.Size))

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b
}

func (bi *BundleInfo) unmarshal(b []byte) error {
	*bi = BundleInfo{}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var rb []byte
		n, err := consumeBytes(typ, b, &rb)
		if err != nil {
			return 0, err
		}
		var c ChunkRecord
		err = fields(rb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeId(typ, b, (*[IdSize]byte)(&c.Id))
			case 2:
				var v uint64
				n, err := consumeVarint(typ, b, &v)
				c.Size = uint32(v)
				return n, err
			}
			return 0, nil
		})
		bi.Chunks = append(bi.Chunks, c)
		return n, err
	})
}

///////////////////////////////////////////////////////////////////////////

type BundleFileHeader struct {
	Version           uint32
	CompressionMethod string
}

func (h *BundleFileHeader) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, h.CompressionMethod)
}

func (h *BundleFileHeader) unmarshal(b []byte) error {
	*h = BundleFileHeader{CompressionMethod: codec.DefaultMethod}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			h.Version = uint32(v)
			return n, err
		case 2:
			var s []byte
			n, err := consumeBytes(typ, b, &s)
			h.CompressionMethod = string(s)
			return n, err
		}
		return 0, nil
	})
}

///////////////////////////////////////////////////////////////////////////

// IndexBundleHeader precedes each bundle's entries in an index file; the
// last one in a file has no id.
type IndexBundleHeader struct {
	Id    BundleId
	HasId bool
}

func (h *IndexBundleHeader) appendTo(b []byte) []byte {
	if h.HasId {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Id[:])
	}
	return b
}

func (h *IndexBundleHeader) unmarshal(b []byte) error {
	*h = IndexBundleHeader{}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		h.HasId = true
		return consumeId(typ, b, (*[IdSize]byte)(&h.Id))
	})
}

///////////////////////////////////////////////////////////////////////////

// BackupInstruction is a single step of a backup's instruction stream:
// it emits the given chunk's contents (if any) followed by the literal
// bytes (if any).
type BackupInstruction struct {
	Chunk    ChunkId
	HasChunk bool
	Literal  []byte
}

func (in *BackupInstruction) appendTo(b []byte) []byte {
	if in.HasChunk {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Chunk[:])
	}
	if len(in.Literal) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Literal)
	}
	return b
}

func (in *BackupInstruction) unmarshal(b []byte) error {
	*in = BackupInstruction{}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			in.HasChunk = true
			return consumeId(typ, b, (*[IdSize]byte)(&in.Chunk))
		case 2:
			return consumeBytes(typ, b, &in.Literal)
		}
		return 0, nil
	})
}

// AppendInstruction appends the length-delimited encoding of in to b.
func AppendInstruction(b []byte, in BackupInstruction) []byte {
	return appendDelimited(b, &in)
}

// ParseInstruction decodes an instruction from the message body msg, as
// returned by SplitMessage. The literal aliases msg.
func ParseInstruction(msg []byte) (BackupInstruction, error) {
	var in BackupInstruction
	err := in.unmarshal(msg)
	return in, err
}

///////////////////////////////////////////////////////////////////////////

// BackupInfo is the contents of a backup descriptor. BackupData is an
// instruction stream that, after being expanded Iterations times, gives
// the instruction stream for the backup's contents.
type BackupInfo struct {
	BackupData []byte
	Iterations uint32
	Sha256     []byte
	Size       uint64
	Time       int64
}

func (bi *BackupInfo) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, bi.BackupData)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bi.Iterations))
	if len(bi.Sha256) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, bi.Sha256)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, bi.Size)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(bi.Time))
}

func (bi *BackupInfo) unmarshal(b []byte) error {
	*bi = BackupInfo{}
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			return consumeBytes(typ, b, &bi.BackupData)
		case 2:
			n, err := consumeVarint(typ, b, &v)
			bi.Iterations = uint32(v)
			return n, err
		case 3:
			return consumeBytes(typ, b, &bi.Sha256)
		case 4:
			return consumeVarint(typ, b, &bi.Size)
		case 5:
			n, err := consumeVarint(typ, b, &v)
			bi.Time = int64(v)
			return n, err
		}
		return 0, nil
	})
}
