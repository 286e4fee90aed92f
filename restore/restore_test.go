// restore/restore_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/repotest"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"io"
	"math/rand"
	"testing"
)

// memSource is a Source backed by a map, for testing the expander
// independently of repositories.
type memSource struct {
	chunks map[storage.ChunkId][]byte
	loads  int
}

func (m *memSource) Chunk(ctx context.Context, id storage.ChunkId) ([]byte, error) {
	m.loads++
	b, ok := m.chunks[id]
	if !ok {
		return nil, u.Errorf(u.ErrNotFound, "chunk %s", id)
	}
	return b, nil
}

func (m *memSource) ChunkSize(id storage.ChunkId) (int64, error) {
	b, ok := m.chunks[id]
	if !ok {
		return 0, u.Errorf(u.ErrNotFound, "chunk %s", id)
	}
	return int64(len(b)), nil
}

// encode returns an instruction stream for data that stores chunkSize
// chunks in m, alternating between chunks with and without literals.
func (m *memSource) encode(data []byte, chunkSize int) []byte {
	var stream []byte
	for i := 0; len(data) > 0; i++ {
		if len(data) < chunkSize || i%5 == 4 {
			n := min(len(data), 3)
			stream = storage.AppendInstruction(stream, storage.BackupInstruction{Literal: data[:n]})
			data = data[n:]
			continue
		}
		c := append([]byte(nil), data[:chunkSize]...)
		id := repotest.ChunkId(c)
		m.chunks[id] = c
		data = data[chunkSize:]
		in := storage.BackupInstruction{Chunk: id, HasChunk: true}
		if i%2 == 1 && len(data) > 0 {
			in.Literal, data = data[:1], data[1:]
		}
		stream = storage.AppendInstruction(stream, in)
	}
	return stream
}

func memBackup(data []byte, iterations int) (*memSource, *storage.BackupInfo) {
	m := &memSource{chunks: make(map[storage.ChunkId][]byte)}
	stream := m.encode(data, 64)
	for i := 0; i < iterations; i++ {
		// Small chunks for the upper levels, so that instructions are
		// split across chunks, often in the middle of their length.
		stream = m.encode(stream, 7)
	}
	return m, &storage.BackupInfo{BackupData: stream, Iterations: uint32(iterations), Size: uint64(len(data))}
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestExpandMemory(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter <= 3; iter++ {
		for _, size := range []int{0, 1, 63, 64, 65, 5000} {
			data := randomBytes(rng, size)
			src, bi := memBackup(data, iter)
			s, err := NewStream(context.Background(), src, bi, Options{})
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(s)
			if err != nil {
				t.Fatalf("iterations %d, size %d: %v", iter, size, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("iterations %d, size %d: restored data mismatch", iter, size)
			}
		}
	}
}

func TestExpandTruncated(t *testing.T) {
	data := randomBytes(rand.New(rand.NewSource(2)), 1000)
	src, bi := memBackup(data, 0)
	bi.BackupData = bi.BackupData[:len(bi.BackupData)-3]
	s, err := NewStream(context.Background(), src, bi, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(s); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected FormatError for truncated stream, got %v", err)
	}
}

func TestMalformedInstruction(t *testing.T) {
	src := &memSource{chunks: make(map[storage.ChunkId][]byte)}
	for _, stream := range [][]byte{
		{3, 0xff, 0xff, 0xff},                         // bad field tag
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1}, // huge length
	} {
		bi := &storage.BackupInfo{BackupData: stream, Size: 1}
		s, err := NewStream(context.Background(), src, bi, Options{})
		if err != nil {
			t.Fatal(err)
		}
		_, err = io.ReadAll(s)
		if !errors.Is(err, u.ErrFormat) || u.KindName(err) != "FormatError" {
			t.Errorf("%x: expected FormatError, got %v", stream, err)
		}
	}
}

// split returns an instruction stream that expands to stream using two
// instructions: the first emits a chunk holding stream[:k] followed by the
// literal stream[k:k+l], and the second a chunk with what's left.
func (m *memSource) split(stream []byte, k, l int) []byte {
	add := func(b []byte) storage.ChunkId {
		c := append([]byte(nil), b...)
		id := repotest.ChunkId(c)
		m.chunks[id] = c
		return id
	}
	l = min(l, len(stream)-k)
	out := storage.AppendInstruction(nil, storage.BackupInstruction{
		Chunk: add(stream[:k]), HasChunk: true, Literal: stream[k : k+l]})
	if rest := stream[k+l:]; len(rest) > 0 {
		out = storage.AppendInstruction(out, storage.BackupInstruction{Chunk: add(rest), HasChunk: true})
	}
	return out
}

func TestInstructionSpansChunkAndLiteral(t *testing.T) {
	data := randomBytes(rand.New(rand.NewSource(4)), 200)
	src := &memSource{chunks: make(map[storage.ChunkId][]byte)}
	c := append([]byte(nil), data[:64]...)
	id := repotest.ChunkId(c)
	src.chunks[id] = c
	s0 := storage.AppendInstruction(nil, storage.BackupInstruction{Chunk: id, HasChunk: true, Literal: data[64:67]})
	s0 = storage.AppendInstruction(s0, storage.BackupInstruction{Literal: data[67:]})

	// Try every split point, so that each byte of each level-0
	// instruction, including the bytes of its length, is at some point
	// the last one in a chunk with the rest of the instruction starting
	// in that chunk's literal.
	for k := 1; k < len(s0); k++ {
		s1 := src.split(s0, k, 5)
		s2 := src.split(s1, 1+k%(len(s1)-1), 5)
		for iter, stream := range [][]byte{s1, s2} {
			bi := &storage.BackupInfo{BackupData: stream, Iterations: uint32(iter + 1), Size: uint64(len(data))}
			s, err := NewStream(context.Background(), src, bi, Options{})
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(s)
			if err != nil {
				t.Fatalf("split %d, iterations %d: %v", k, iter+1, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("split %d, iterations %d: restored data mismatch", k, iter+1)
			}
		}
	}
}

func TestDepthExceeded(t *testing.T) {
	src, bi := memBackup([]byte("x"), 0)
	bi.Iterations = 17
	if _, err := NewExpander(context.Background(), src, bi, Options{}); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected FormatError for 17 iterations, got %v", err)
	}
	bi.Iterations = 3
	if _, err := NewExpander(context.Background(), src, bi, Options{MaxIterations: 2}); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected FormatError with MaxIterations 2, got %v", err)
	}
}

func TestLevelZeroNotLoaded(t *testing.T) {
	data := randomBytes(rand.New(rand.NewSource(3)), 10000)
	src, bi := memBackup(data, 0)
	levels := make(map[int]int)
	n, err := Walk(context.Background(), src, bi, Options{OnChunk: func(level int, id storage.ChunkId) {
		levels[level]++
	}})
	if err != nil {
		t.Fatal(err)
	}
	if src.loads != 0 {
		t.Errorf("walk with no iterations loaded %d chunks", src.loads)
	}
	if n == 0 || levels[0] == 0 {
		t.Errorf("walk found %d instructions, %d chunks", n, levels[0])
	}

	src, bi = memBackup(data, 2)
	levels = make(map[int]int)
	if _, err := Walk(context.Background(), src, bi, Options{OnChunk: func(level int, id storage.ChunkId) {
		levels[level]++
	}}); err != nil {
		t.Fatal(err)
	}
	if levels[0] == 0 || levels[1] == 0 || levels[2] == 0 {
		t.Errorf("expected chunks at all three levels, got %v", levels)
	}
	if src.loads != levels[1]+levels[2] {
		t.Errorf("expected %d loads of upper-level chunks, got %d", levels[1]+levels[2], src.loads)
	}
}

func TestSnapshotRestore(t *testing.T) {
	data := randomBytes(rand.New(rand.NewSource(4)), 20000)
	src, bi := memBackup(data, 2)
	e, err := NewExpander(context.Background(), src, bi, Options{})
	if err != nil {
		t.Fatal(err)
	}

	rest := func() []byte {
		var b []byte
		for {
			in, err := e.Next()
			if err == io.EOF {
				return b
			} else if err != nil {
				t.Fatal(err)
			}
			if in.HasChunk {
				b = append(b, src.chunks[in.Chunk]...)
			}
			b = append(b, in.Literal...)
		}
	}

	var prefix []byte
	for i := 0; i < 37; i++ {
		in, err := e.Next()
		if err != nil {
			t.Fatal(err)
		}
		if in.HasChunk {
			prefix = append(prefix, src.chunks[in.Chunk]...)
		}
		prefix = append(prefix, in.Literal...)
	}

	snap := e.Snapshot()
	first := rest()
	if !bytes.Equal(append(append([]byte(nil), prefix...), first...), data) {
		t.Fatalf("expansion mismatch")
	}
	e.Restore(snap)
	second := rest()
	if !bytes.Equal(first, second) {
		t.Errorf("continuation after Restore differs: %d vs %d bytes", len(first), len(second))
	}
}

func TestRepositoryRestore(t *testing.T) {
	ctx := context.Background()
	for _, opts := range []repotest.Options{{}, {Password: "pw"}, {Method: "lz4"}} {
		b := repotest.New(t, opts)
		rng := rand.New(rand.NewSource(5))
		backups := make(map[string][]byte)
		for iter := 0; iter <= 2; iter++ {
			name := fmt.Sprintf("/backup-%d", iter)
			backups[name] = repotest.RandomData(rng, 100000+rng.Intn(50000), 1024)
			b.AddBackup(name, backups[name], iter)
		}
		repo := b.Open()
		c, err := cache.New(cache.Options{})
		if err != nil {
			t.Fatal(err)
		}

		for name, data := range backups {
			bi, err := repo.ReadBackup(name)
			if err != nil {
				t.Fatal(err)
			}
			for _, workers := range []int{1, 4} {
				var buf bytes.Buffer
				n, err := Restore(ctx, NewChunks(repo, c), bi, &buf, workers, Options{})
				if err != nil {
					t.Fatalf("%s, %d workers: %v", name, workers, err)
				}
				if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
					t.Errorf("%s, %d workers: restored data mismatch", name, workers)
				}
			}
		}
	}
}

func TestReaderSeek(t *testing.T) {
	b := repotest.New(t, repotest.Options{ChunkSize: 512})
	rng := rand.New(rand.NewSource(6))
	data := repotest.RandomData(rng, 300000, 512)
	b.AddBackup("/big", data, 1)
	repo := b.Open()
	bi, err := repo.ReadBackup("/big")
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(context.Background(), NewChunks(repo, nil), bi, Options{Interval: 8})
	if err != nil {
		t.Fatal(err)
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("size %d, expected %d", r.Size(), len(data))
	}

	// Read it all sequentially first to record checkpoints, then jump
	// around.
	all, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(all, data) {
		t.Fatalf("sequential read mismatch (%v)", err)
	}
	if r.Checkpoints() < 10 {
		t.Errorf("expected many checkpoints, got %d", r.Checkpoints())
	}

	for i := 0; i < 200; i++ {
		off := rng.Int63n(int64(len(data)))
		n := 1 + rng.Intn(3000)
		buf := make([]byte, n)
		got, err := r.ReadAt(buf, off)
		expected := data[off:min(off+int64(n), int64(len(data)))]
		if got != len(expected) || !bytes.Equal(buf[:got], expected) {
			t.Fatalf("ReadAt(%d, %d): got %d bytes (%v), expected %d", off, n, got, err, len(expected))
		}
		if got < n && err != io.EOF {
			t.Errorf("short ReadAt without EOF: %v", err)
		}
	}

	// Seek + Read.
	if pos, err := r.Seek(-1000, io.SeekEnd); err != nil || pos != int64(len(data))-1000 {
		t.Fatalf("Seek: %d, %v", pos, err)
	}
	tail, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(tail, data[len(data)-1000:]) {
		t.Errorf("tail read mismatch (%v)", err)
	}
	if _, err := r.Seek(-1, io.SeekStart); err == nil {
		t.Errorf("expected error for negative seek")
	}
	if n, err := r.ReadAt(make([]byte, 10), int64(len(data))+5); n != 0 || err != io.EOF {
		t.Errorf("read past end: %d, %v", n, err)
	}
}

func TestReaderFreshSeek(t *testing.T) {
	// Seeking far ahead before anything has been read advances by chunk
	// sizes only.
	b := repotest.New(t, repotest.Options{})
	data := repotest.RandomData(rand.New(rand.NewSource(7)), 200000, 1024)
	b.AddBackup("/a", data, 0)
	repo := b.Open()
	bi, _ := repo.ReadBackup("/a")

	c, err := cache.New(cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(context.Background(), NewChunks(repo, c), bi, Options{})
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 100)
	if _, err := r.ReadAt(buf, 150000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data[150000:150100]) {
		t.Errorf("data mismatch")
	}
	if st := c.Stats(); st.Loads > 2 {
		t.Errorf("expected at most two chunk loads for one read, got %d", st.Loads)
	}
}

func TestSharedCache(t *testing.T) {
	ctx := context.Background()
	b := repotest.New(t, repotest.Options{})
	rng := rand.New(rand.NewSource(8))
	base := repotest.RandomData(rng, 100000, 1024)
	b.AddBackup("/one", base, 1)
	b.AddBackup("/two", append(append([]byte(nil), base...), randomBytes(rng, 5000)...), 1)
	repo := b.Open()

	restoreAll := func(c1, c2 *cache.Cache) {
		for i, name := range []string{"/one", "/two"} {
			c := c1
			if i == 1 {
				c = c2
			}
			bi, err := repo.ReadBackup(name)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Restore(ctx, NewChunks(repo, c), bi, io.Discard, 2, Options{}); err != nil {
				t.Fatal(err)
			}
		}
	}

	shared, _ := cache.New(cache.Options{})
	restoreAll(shared, shared)
	a, _ := cache.New(cache.Options{})
	bb, _ := cache.New(cache.Options{})
	restoreAll(a, bb)

	sharedLoads := shared.Stats().Loads
	separateLoads := a.Stats().Loads + bb.Stats().Loads
	if sharedLoads >= separateLoads {
		t.Errorf("shared cache loaded %d chunks, separate caches %d", sharedLoads, separateLoads)
	}
}

func TestMissingChunk(t *testing.T) {
	b := repotest.New(t, repotest.Options{})
	data := repotest.RandomData(rand.New(rand.NewSource(9)), 50000, 1024)
	b.AddBackup("/a", data, 0)
	repo := b.Open()
	bi, _ := repo.ReadBackup("/a")

	// Forget about every chunk.
	for _, f := range repo.Index().Files() {
		if err := b.FS().Remove(f.Name); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Reindex(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := Restore(context.Background(), NewChunks(repo, nil), bi, io.Discard, 4, Options{})
	if !errors.Is(err, u.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
