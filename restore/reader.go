// restore/reader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"io"
	"sort"
	"sync"
)

// checkpoint records the expander's state just before the given level-0
// instruction, which starts at offset bytes into the backup.
type checkpoint struct {
	offset int64
	count  int64
	snap   *Snapshot
}

// Reader provides random access to a backup's contents. Checkpoints of
// the expansion are recorded every Options.Interval instructions as the
// backup is first read, so that seeking backward restarts from the
// nearest one rather than from the beginning. Skipping over instructions
// only uses chunk sizes from the index; only the chunks that hold
// requested bytes are loaded.
//
// Reader is safe for concurrent use, though concurrent readers at
// different offsets will defeat its locality.
type Reader struct {
	mu       sync.Mutex
	ctx      context.Context
	src      Source
	e        *Expander
	size     int64
	interval int64

	// Read position for Read and Seek.
	pos int64

	// The next instruction returned by the expander starts at offset
	// next and is the count'th.
	next  int64
	count int64

	// The most recent instruction and where its output starts.
	cur      storage.BackupInstruction
	curStart int64
	curChunk int64
	curData  []byte
	haveCur  bool

	checkpoints []checkpoint
}

// NewReader returns a Reader for the given backup.
func NewReader(ctx context.Context, src Source, bi *storage.BackupInfo, opts Options) (*Reader, error) {
	opts.setDefaults()
	e, err := NewExpander(ctx, src, bi, opts)
	if err != nil {
		return nil, err
	}
	r := &Reader{ctx: ctx, src: src, e: e, size: int64(bi.Size), interval: int64(opts.Interval)}
	r.checkpoints = append(r.checkpoints, checkpoint{snap: e.Snapshot()})
	return r, nil
}

// Size returns the size of the backup, as recorded in its descriptor.
func (r *Reader) Size() int64 {
	return r.size
}

// Checkpoints returns the number of checkpoints recorded so far.
func (r *Reader) Checkpoints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checkpoints)
}

func (r *Reader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.readAt(buf, r.pos)
	r.pos += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt; it doesn't change the offset used by Read.
func (r *Reader) ReadAt(buf []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off < 0 {
		return 0, errors.New("restore.Reader.ReadAt: negative offset")
	}
	total := 0
	for total < len(buf) {
		n, err := r.readAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.pos
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, errors.New("restore.Reader.Seek: invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("restore.Reader.Seek: negative position")
	}
	r.pos = offset
	return offset, nil
}

// readAt returns bytes starting at off from the instruction that holds
// that offset.
func (r *Reader) readAt(buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := r.seekTo(off); err != nil {
		return 0, err
	}

	rel := off - r.curStart
	if rel < r.curChunk {
		if r.curData == nil {
			data, err := r.src.Chunk(r.ctx, r.cur.Chunk)
			if err != nil {
				return 0, err
			}
			if int64(len(data)) != r.curChunk {
				return 0, u.Errorf(u.ErrCorrupt, "chunk %s: %d bytes, index says %d",
					r.cur.Chunk, len(data), r.curChunk)
			}
			r.curData = data
		}
		return copy(buf, r.curData[rel:]), nil
	}
	return copy(buf, r.cur.Literal[rel-r.curChunk:]), nil
}

// seekTo positions the expansion so that the current instruction holds
// the byte at off.
func (r *Reader) seekTo(off int64) error {
	if r.haveCur && off >= r.curStart && off < r.next {
		return nil
	}

	// Go back to a checkpoint if the offset is behind us or if there's one
	// between here and there.
	i := sort.Search(len(r.checkpoints), func(i int) bool { return r.checkpoints[i].offset > off }) - 1
	if cp := r.checkpoints[i]; off < r.next || cp.offset > r.next {
		r.e.Restore(cp.snap)
		r.next, r.count = cp.offset, cp.count
		r.haveCur = false
	}

	for {
		if r.count%r.interval == 0 && r.count/r.interval == int64(len(r.checkpoints)) {
			r.checkpoints = append(r.checkpoints, checkpoint{offset: r.next, count: r.count,
				snap: r.e.Snapshot()})
		}

		in, err := r.e.Next()
		if err == io.EOF {
			r.haveCur = false
			return io.EOF
		} else if err != nil {
			return err
		}

		var chunkSize int64
		if in.HasChunk {
			if chunkSize, err = r.src.ChunkSize(in.Chunk); err != nil {
				return err
			}
		}
		start := r.next
		r.next += chunkSize + int64(len(in.Literal))
		r.count++

		if off < r.next {
			r.cur, r.curStart, r.curChunk, r.curData = in, start, chunkSize, nil
			r.haveCur = true
			return nil
		}
	}
}
