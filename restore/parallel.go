// restore/parallel.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"github.com/mmp/zbk/storage"
	"golang.org/x/sync/semaphore"
	"io"
	"sync"
)

// NewParallelReader returns an io.ReadCloser that supplies the output of
// the expander's level-0 instructions in order, loading their chunks with
// multiple goroutines. At most window instructions are in flight or
// waiting to be returned at any time.
func NewParallelReader(ctx context.Context, e *Expander, src Source, workers, window int) io.ReadCloser {
	if workers < 1 {
		workers = 1
	}
	if window < workers {
		window = 2 * workers
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &parallelReader{
		ctx:    ctx,
		cancel: cancel,
		m:      make(map[int]indexData),
		total:  -1,
		sem:    semaphore.NewWeighted(int64(window)),
		// Sends never block: at most window results are outstanding.
		cout: make(chan indexData, window),
		done: make(chan producerResult, 1),
	}

	cin := make(chan instructionIndex, workers)
	r.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go r.preader(src, cin)
	}
	go r.produce(e, cin)
	return r
}

type parallelReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    *semaphore.Weighted

	// Instruction indices to their output. The map stores the results
	// that we've gotten from the readers, including ones that we're not
	// ready to return yet since we don't have the predecessors yet.
	m map[int]indexData
	// Instruction index to return the bytes for before going to the next
	// one.
	index int
	// Total number of instructions, once the producer has finished.
	total int
	err   error

	// Result channel that the goroutines send results along.
	cout chan indexData
	done chan producerResult
}

type instructionIndex struct {
	in    storage.BackupInstruction
	index int
}

type indexData struct {
	index   int
	chunk   []byte
	literal []byte
	err     error
}

type producerResult struct {
	count int
	err   error
}

// produce runs the expander, handing out instructions to the readers in
// order.
func (r *parallelReader) produce(e *Expander, cin chan<- instructionIndex) {
	defer r.wg.Done()
	defer close(cin)

	for i := 0; ; i++ {
		in, err := e.Next()
		if err == io.EOF {
			r.done <- producerResult{count: i}
			return
		} else if err != nil {
			r.done <- producerResult{err: err}
			return
		}

		// Block until there's room in the window.
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.done <- producerResult{err: err}
			return
		}
		select {
		case cin <- instructionIndex{in: in, index: i}:
		case <-r.ctx.Done():
			r.done <- producerResult{err: r.ctx.Err()}
			return
		}
	}
}

func (r *parallelReader) preader(src Source, cin <-chan instructionIndex) {
	defer r.wg.Done()
	for ii := range cin {
		d := indexData{index: ii.index, literal: ii.in.Literal}
		if ii.in.HasChunk {
			d.chunk, d.err = src.Chunk(r.ctx, ii.in.Chunk)
		}
		// Send the result out on the result chan.
		r.cout <- d
	}
}

func (r *parallelReader) Read(buf []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.index == r.total {
			// We've read everything.
			return 0, io.EOF
		}

		// Try to get the bytes for the current index.
		if d, ok := r.m[r.index]; ok {
			n := 0
			if len(d.chunk) > 0 {
				n = copy(buf, d.chunk)
				d.chunk = d.chunk[n:]
			} else {
				n = copy(buf, d.literal)
				d.literal = d.literal[n:]
			}
			if len(d.chunk) == 0 && len(d.literal) == 0 {
				// Done with this index; move to the next.
				delete(r.m, r.index)
				r.index++
				r.sem.Release(1)
			} else {
				// More left for the next Read() call.
				r.m[r.index] = d
			}
			if n > 0 || len(buf) == 0 {
				return n, nil
			}
			continue
		}

		// Don't have it. Wait for a result; what we get may or may not be
		// the one we're waiting for, so record it in the map and go
		// 'round again.
		select {
		case d := <-r.cout:
			if d.err != nil {
				r.err = d.err
			} else {
				r.m[d.index] = d
			}
		case res := <-r.done:
			r.done = nil
			if res.err != nil {
				r.err = res.err
			} else {
				r.total = res.count
			}
		case <-r.ctx.Done():
			r.err = r.ctx.Err()
		}
	}
}

// Close stops the readers and waits for them to exit.
func (r *parallelReader) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
