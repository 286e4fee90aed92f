// restore/stream.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"github.com/mmp/zbk/storage"
	"io"
)

// stream is an io.Reader that returns a backup's contents in order,
// loading each level-0 chunk when it's reached.
type stream struct {
	ctx     context.Context
	src     Source
	e       *Expander
	chunk   []byte
	literal []byte
}

// NewStream returns an io.Reader for the contents of the given backup.
func NewStream(ctx context.Context, src Source, bi *storage.BackupInfo, opts Options) (io.Reader, error) {
	e, err := NewExpander(ctx, src, bi, opts)
	if err != nil {
		return nil, err
	}
	return &stream{ctx: ctx, src: src, e: e}, nil
}

func (s *stream) Read(buf []byte) (int, error) {
	for len(s.chunk) == 0 && len(s.literal) == 0 {
		in, err := s.e.Next()
		if err != nil {
			return 0, err
		}
		if in.HasChunk {
			if s.chunk, err = s.src.Chunk(s.ctx, in.Chunk); err != nil {
				return 0, err
			}
		}
		s.literal = in.Literal
	}

	if len(s.chunk) > 0 {
		n := copy(buf, s.chunk)
		s.chunk = s.chunk[n:]
		return n, nil
	}
	n := copy(buf, s.literal)
	s.literal = s.literal[n:]
	return n, nil
}
