// restore/expander.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore reconstructs the contents of backups from their
// instruction streams.
package restore

import (
	"context"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"io"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Source provides the contents and sizes of chunks.
type Source interface {
	// Chunk returns the contents of the given chunk. The returned slice
	// must not be modified.
	Chunk(ctx context.Context, id storage.ChunkId) ([]byte, error)
	ChunkSize(id storage.ChunkId) (int64, error)
}

const (
	DefaultMaxIterations = 16
	DefaultInterval      = 64
)

// Options control how backups are expanded.
type Options struct {
	// Backups with more iterations than this are rejected. Default 16.
	MaxIterations int
	// Reader records a checkpoint every Interval instructions. Default 64.
	Interval int
	// If non-nil, OnChunk is called for each chunk referenced at each
	// level of the expansion; level 0 chunks hold the backup's data.
	OnChunk func(level int, id storage.ChunkId)
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
}

// frame holds the state for one level of expansion: the partially
// received instruction message from the level above and, for levels
// above zero, what remains to be output of the current instruction.
type frame struct {
	carry []byte
	eof   bool

	chunk    storage.ChunkId
	hasChunk bool
	// Remaining chunk data; only valid if loaded is true. Snapshots drop
	// it and it's reloaded on demand.
	data     []byte
	loaded   bool
	chunkOff int
	literal  []byte
}

// Expander turns a backup's instruction stream into the sequence of
// level-0 instructions that produce its contents. Level i's instruction
// stream is the output of expanding level i+1's, and the top level's is
// the backup's BackupData. Chunks at levels above zero are loaded from
// the Source as they're needed; level-0 chunks are never loaded, so the
// caller decides what to do with them.
//
// An Expander isn't safe for concurrent use.
type Expander struct {
	ctx    context.Context
	src    Source
	opts   Options
	data   []byte
	srcPos int
	frames []frame
}

// NewExpander returns an Expander for the given backup.
func NewExpander(ctx context.Context, src Source, bi *storage.BackupInfo, opts Options) (*Expander, error) {
	opts.setDefaults()
	if int(bi.Iterations) > opts.MaxIterations {
		return nil, u.Errorf(u.ErrFormat, "backup has %d iterations; at most %d are supported",
			bi.Iterations, opts.MaxIterations)
	}
	return &Expander{
		ctx:    ctx,
		src:    src,
		opts:   opts,
		data:   bi.BackupData,
		frames: make([]frame, int(bi.Iterations)+1),
	}, nil
}

// Depth returns the number of expansion levels.
func (e *Expander) Depth() int {
	return len(e.frames)
}

// upstream returns the bytes currently available as input to the given
// level.
func (e *Expander) upstream(level int) ([]byte, error) {
	if level == len(e.frames)-1 {
		return e.data[e.srcPos:], nil
	}

	f := &e.frames[level+1]
	if f.hasChunk {
		if !f.loaded {
			data, err := e.src.Chunk(e.ctx, f.chunk)
			if err != nil {
				return nil, errors.Wrapf(err, "level %d", level+1)
			}
			if f.chunkOff > len(data) {
				return nil, u.Errorf(u.ErrCorrupt, "chunk %s: %d bytes, expected at least %d",
					f.chunk, len(data), f.chunkOff)
			}
			f.data, f.loaded = data[f.chunkOff:], true
		}
		if len(f.data) > 0 {
			return f.data, nil
		}
		f.hasChunk = false
	}
	return f.literal, nil
}

// consume marks n bytes of the given level's input as used.
func (e *Expander) consume(level, n int) {
	if level == len(e.frames)-1 {
		e.srcPos += n
		return
	}
	f := &e.frames[level+1]
	if f.hasChunk {
		f.data = f.data[n:]
		f.chunkOff += n
	} else {
		f.literal = f.literal[n:]
	}
}

// malformed tags an error decoding an instruction message as a format
// error, whatever kind the decoder gave it.
func malformed(err error, level int) error {
	return u.WithKind(u.ErrFormat, errors.Wrapf(err, "level %d", level))
}

// parse tries to decode the next instruction at the given level from its
// available input, which may run from the upstream instruction's chunk
// into its literal. If there isn't enough input for a complete
// instruction, all of it is moved to the level's carry buffer and ok is
// false.
func (e *Expander) parse(level int) (in storage.BackupInstruction, ok bool, err error) {
	f := &e.frames[level]
	var msg []byte
	for !ok {
		up, err := e.upstream(level)
		if err != nil {
			return in, false, err
		}
		if len(up) == 0 {
			return in, false, nil
		}

		if len(f.carry) == 0 {
			var n int
			if msg, n, ok, err = storage.SplitMessage(up); err != nil {
				return in, false, malformed(err, level)
			} else if ok {
				e.consume(level, n)
			} else {
				f.carry = append(f.carry, up...)
				e.consume(level, len(up))
			}
		} else {
			take := min(storage.MessageNeed(f.carry), len(up))
			f.carry = append(f.carry, up[:take]...)
			e.consume(level, take)
			if msg, _, ok, err = storage.SplitMessage(f.carry); err != nil {
				return in, false, malformed(err, level)
			} else if ok {
				// The instruction's literal may alias the carry buffer, so
				// start a new one for the next instruction.
				f.carry = nil
			}
		}
	}

	in, err = storage.ParseInstruction(msg)
	if err != nil {
		return in, false, malformed(err, level)
	}
	if in.HasChunk && e.opts.OnChunk != nil {
		e.opts.OnChunk(level, in.Chunk)
	}
	return in, true, nil
}

// Next returns the next level-0 instruction, or io.EOF after the last
// one. The instruction's literal must not be modified.
func (e *Expander) Next() (storage.BackupInstruction, error) {
	level := 0
	for {
		if err := e.ctx.Err(); err != nil {
			return storage.BackupInstruction{}, err
		}

		f := &e.frames[level]
		if f.eof {
			if level == 0 {
				return storage.BackupInstruction{}, io.EOF
			}
			level--
			continue
		}

		in, ok, err := e.parse(level)
		if err != nil {
			return in, err
		}

		if ok {
			if level == 0 {
				return in, nil
			}
			// This level now has more output for the one below.
			*f = frame{carry: f.carry, chunk: in.Chunk, hasChunk: in.HasChunk, literal: in.Literal}
			level--
			continue
		}

		// Need more input: either get the next instruction from the level
		// above or, if it's done, this level is too.
		if level == len(e.frames)-1 || e.frames[level+1].eof {
			if len(f.carry) > 0 {
				return storage.BackupInstruction{}, u.Errorf(u.ErrFormat,
					"level %d: instruction stream ends with %d bytes of an incomplete instruction",
					level, len(f.carry))
			}
			f.eof = true
			continue
		}
		level++
	}
}

// Snapshot records the expansion state. Loaded chunk data isn't
// included; it's reloaded from the Source if needed after Restore.
type Snapshot struct {
	srcPos int
	frames []frame
}

// Snapshot returns the current expansion state.
func (e *Expander) Snapshot() *Snapshot {
	s := &Snapshot{srcPos: e.srcPos, frames: make([]frame, len(e.frames))}
	for i, f := range e.frames {
		s.frames[i] = frame{
			carry:    append([]byte(nil), f.carry...),
			eof:      f.eof,
			chunk:    f.chunk,
			hasChunk: f.hasChunk,
			chunkOff: f.chunkOff,
			literal:  append([]byte(nil), f.literal...),
		}
	}
	return s
}

// Restore returns the expander to the state recorded in s, which must
// have come from an Expander for the same backup.
func (e *Expander) Restore(s *Snapshot) {
	e.srcPos = s.srcPos
	for i, f := range s.frames {
		e.frames[i] = frame{
			carry:    append([]byte(nil), f.carry...),
			eof:      f.eof,
			chunk:    f.chunk,
			hasChunk: f.hasChunk,
			chunkOff: f.chunkOff,
			literal:  f.literal,
		}
	}
}
