// codec/compress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"bytes"
	u "github.com/mmp/zbk/util"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"io"
	"sync"
)

// Compression methods that may be named in a bundle's header.
const (
	MethodLZMA = "lzma"
	MethodLZ4  = "lz4"
)

// DefaultMethod is used for bundle files that don't name their method.
const DefaultMethod = MethodLZMA

// ValidMethod reports whether the given compression method is supported.
func ValidMethod(method string) bool {
	return method == MethodLZMA || method == MethodLZ4
}

// lz4 writers carry sizable internal buffers; reuse them.
var lz4WriterPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

// NewReader returns a reader that decompresses r with the given method.
func NewReader(method string, r io.Reader) (io.Reader, error) {
	switch method {
	case MethodLZMA:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, u.WithKind(u.ErrCorrupt, errors.Wrap(err, "lzma"))
		}
		return xr, nil
	case MethodLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, u.Errorf(u.ErrFormat, "unsupported compression method %q", method)
	}
}

// Decompress decompresses all of b.
func Decompress(method string, b []byte) ([]byte, error) {
	r, err := NewReader(method, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, u.WithKind(u.ErrCorrupt, errors.Wrapf(err, "%s decompress", method))
	}
	return out.Bytes(), nil
}

// Compress compresses all of b with the given method and appends the
// result to dst.
func Compress(method string, dst, b []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	switch method {
	case MethodLZMA:
		w, err := xz.NewWriter(buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case MethodLZ4:
		w := lz4WriterPool.Get().(*lz4.Writer)
		defer lz4WriterPool.Put(w)
		w.Reset(buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, u.Errorf(u.ErrFormat, "unsupported compression method %q", method)
	}
	return buf.Bytes(), nil
}
