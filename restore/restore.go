// restore/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"io"
)

// Restore writes the contents of the given backup to w, loading chunks
// with the given number of goroutines. It returns the number of bytes
// written; it's an error if that doesn't match the size recorded in the
// backup's descriptor.
func Restore(ctx context.Context, src Source, bi *storage.BackupInfo, w io.Writer, workers int, opts Options) (int64, error) {
	var r io.Reader
	if workers <= 1 {
		s, err := NewStream(ctx, src, bi, opts)
		if err != nil {
			return 0, err
		}
		r = s
	} else {
		e, err := NewExpander(ctx, src, bi, opts)
		if err != nil {
			return 0, err
		}
		pr := NewParallelReader(ctx, e, src, workers, 4*workers)
		defer pr.Close()
		r = pr
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return n, err
	}
	if uint64(n) != bi.Size {
		return n, u.Errorf(u.ErrCorrupt, "restored %d bytes but backup size is %d", n, bi.Size)
	}
	return n, nil
}

// Walk expands the given backup without loading any of its level-0
// chunks, calling opts.OnChunk for the chunks at every level. It returns
// the number of level-0 instructions.
func Walk(ctx context.Context, src Source, bi *storage.BackupInfo, opts Options) (int64, error) {
	e, err := NewExpander(ctx, src, bi, opts)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		if _, err := e.Next(); err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		}
		n++
	}
}
