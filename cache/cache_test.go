// cache/cache_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import (
	"bytes"
	"context"
	"errors"
	"github.com/mmp/zbk/storage"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func chunkId(i int) (id storage.ChunkId) {
	r := rand.New(rand.NewSource(int64(i)))
	r.Read(id[:])
	return
}

func chunkData(i int) []byte {
	// Somewhat compressible.
	b := make([]byte, 2000+i%100)
	for j := range b {
		b[j] = byte((i * j) % 7)
	}
	return b
}

func getCaches(t *testing.T) map[string]*Cache {
	mem, err := New(Options{Shards: 4, FastEntries: 8, SlowEntries: 64})
	if err != nil {
		t.Fatal(err)
	}
	disk, err := New(Options{Shards: 4, FastEntries: 8, SlowEntries: 64, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]*Cache{"memory": mem, "disk": disk}
}

func TestSecondLoadIsCached(t *testing.T) {
	ctx := context.Background()
	for name, c := range getCaches(t) {
		var calls int
		load := func(context.Context) ([]byte, error) {
			calls++
			return chunkData(1), nil
		}
		for i := 0; i < 2; i++ {
			b, err := c.GetOrLoad(ctx, chunkId(1), load)
			if err != nil || !bytes.Equal(b, chunkData(1)) {
				t.Errorf("%s: unexpected result %v", name, err)
			}
		}
		if calls != 1 {
			t.Errorf("%s: expected one load, got %d", name, calls)
		}
		st := c.Stats()
		if st.Hits != 1 || st.Misses != 1 || st.Loads != 1 {
			t.Errorf("%s: unexpected stats %s", name, st)
		}
	}
}

func TestSlowTier(t *testing.T) {
	ctx := context.Background()
	for name, c := range getCaches(t) {
		// Overflow the fast tier but not the slow one.
		for i := 0; i < 40; i++ {
			c.Put(chunkId(i), chunkData(i))
		}
		var calls int
		for i := 0; i < 40; i++ {
			b, err := c.GetOrLoad(ctx, chunkId(i), func(context.Context) ([]byte, error) {
				calls++
				return chunkData(i), nil
			})
			if err != nil || !bytes.Equal(b, chunkData(i)) {
				t.Errorf("%s: chunk %d mismatch (%v)", name, i, err)
			}
		}
		st := c.Stats()
		if st.SlowHits == 0 {
			t.Errorf("%s: expected slow tier hits: %s", name, st)
		}
		if st.Evictions == 0 {
			t.Errorf("%s: expected fast tier evictions: %s", name, st)
		}
		// Each shard's slow tier holds 16 entries, which with 40 chunks over
		// 4 shards may overflow for unlucky ones, so allow a few loads.
		if calls > 10 {
			t.Errorf("%s: %d loads for chunks that were put", name, calls)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	for name, c := range getCaches(t) {
		var calls atomic.Int32
		release := make(chan struct{})
		load := func(context.Context) ([]byte, error) {
			calls.Add(1)
			<-release
			return chunkData(7), nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b, err := c.GetOrLoad(ctx, chunkId(7), load)
				if err != nil || !bytes.Equal(b, chunkData(7)) {
					t.Errorf("%s: unexpected result (%v)", name, err)
				}
			}()
		}
		// Give the goroutines a chance to pile up behind the first load.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if n := calls.Load(); n != 1 {
			t.Errorf("%s: expected exactly one load, got %d", name, n)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	c := getCaches(t)["memory"]
	boom := errors.New("boom")
	if _, err := c.GetOrLoad(context.Background(), chunkId(3), func(context.Context) ([]byte, error) {
		return nil, boom
	}); err != boom {
		t.Errorf("expected loader error, got %v", err)
	}
	// Failures aren't cached.
	b, err := c.GetOrLoad(context.Background(), chunkId(3), func(context.Context) ([]byte, error) {
		return chunkData(3), nil
	})
	if err != nil || !bytes.Equal(b, chunkData(3)) {
		t.Errorf("retry after error: %v", err)
	}

	// A cancelled caller returns promptly even if the load is stuck.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.GetOrLoad(ctx, chunkId(4), func(context.Context) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return chunkData(4), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPutCopies(t *testing.T) {
	c := getCaches(t)["memory"]
	data := chunkData(9)
	c.Put(chunkId(9), data)
	data[0] ^= 0xff
	if b, ok := c.Get(chunkId(9)); !ok || !bytes.Equal(b, chunkData(9)) {
		t.Errorf("cached chunk changed when caller's buffer was modified")
	}
}

func TestDiskEntryEncoding(t *testing.T) {
	random := make([]byte, 5000)
	rand.Read(random)
	for _, data := range [][]byte{nil, []byte("x"), chunkData(5), random} {
		got, ok := decodeDiskEntry(encodeDiskEntry(data))
		if !ok || !bytes.Equal(got, data) {
			t.Errorf("%d bytes: round trip failed", len(data))
		}
	}
	if _, ok := decodeDiskEntry([]byte{tagLZ4, 100, 1, 2, 3}); ok {
		t.Errorf("garbage entry decoded")
	}
}
