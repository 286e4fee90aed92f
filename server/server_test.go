// server/server_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/repotest"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type testServer struct {
	s       *Server
	addr    string
	b       *repotest.Builder
	repo    *storage.Repository
	backups map[string][]byte
	served  chan error
}

func startServer(t *testing.T, opts Options) *testServer {
	b := repotest.New(t, repotest.Options{Password: "server"})
	rng := rand.New(rand.NewSource(42))
	ts := &testServer{b: b, backups: make(map[string][]byte), served: make(chan error, 1)}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("/backup-%d", i)
		ts.backups[name] = repotest.RandomData(rng, 50000+rng.Intn(100000), 1024)
		b.AddBackup(name, ts.backups[name], i%3)
	}
	ts.repo = b.Open()

	c, err := cache.New(cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ts.s = New(ts.repo, c, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ts.addr = ln.Addr().String()
	go func() { ts.served <- ts.s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.s.Shutdown(ctx)
	})
	return ts
}

// rawRequest sends a request line and returns the first line of the reply.
func rawRequest(t *testing.T, conn net.Conn, br *bufio.Reader, req string) string {
	t.Helper()
	if _, err := io.WriteString(conn, req+"\n"); err != nil {
		t.Fatal(err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("%s: %v", req, err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestRestore(t *testing.T) {
	ts := startServer(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for name, data := range ts.backups {
		name, data := name, data
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var buf bytes.Buffer
				n, err := Restore(ctx, ts.addr, name, &buf)
				if err != nil {
					t.Errorf("%s: %v", name, err)
					return
				}
				if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
					t.Errorf("%s: restored contents differ", name)
				}
			}()
		}
	}
	wg.Wait()
}

func TestRestoreErrors(t *testing.T) {
	ts := startServer(t, Options{})
	ctx := context.Background()

	var buf bytes.Buffer
	if _, err := Restore(ctx, ts.addr, "/no-such-backup", &buf); !errors.Is(err, u.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes written for missing backup", buf.Len())
	}
	if _, err := Restore(ctx, ts.addr, "/../info", &buf); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected FormatError, got %v", err)
	}

	// The server is still fine.
	if _, err := Restore(ctx, ts.addr, "/backup-1", io.Discard); err != nil {
		t.Error(err)
	}
}

func TestRestoreRejected(t *testing.T) {
	ts := startServer(t, Options{Restore: restore.Options{MaxIterations: 1}})
	ctx := context.Background()

	// /backup-2 has two iterations, so the restore fails before any data
	// has been produced and the client should hear why.
	var buf bytes.Buffer
	if _, err := Restore(ctx, ts.addr, "/backup-2", &buf); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected FormatError, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes written for rejected backup", buf.Len())
	}

	var buf1 bytes.Buffer
	if _, err := Restore(ctx, ts.addr, "/backup-1", &buf1); err != nil {
		t.Error(err)
	} else if !bytes.Equal(buf1.Bytes(), ts.backups["/backup-1"]) {
		t.Error("/backup-1: restored contents differ")
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := startServer(t, Options{})
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	if reply := rawRequest(t, conn, br, "frobnicate now"); !strings.HasPrefix(reply, "ERROR FormatError: ") {
		t.Errorf("unexpected reply %q", reply)
	}
	// The connection remains usable.
	if reply := rawRequest(t, conn, br, "REINDEX"); reply != "OK" {
		t.Errorf("unexpected reply %q", reply)
	}
	if reply := rawRequest(t, conn, br, "exit"); reply != "OK" {
		t.Errorf("unexpected reply %q", reply)
	}
	if _, err := br.ReadString('\n'); err != io.EOF {
		t.Errorf("expected connection to be closed after exit, got %v", err)
	}
}

func TestReindex(t *testing.T) {
	ts := startServer(t, Options{})
	ctx := context.Background()

	// A new backup's chunks aren't available until the server reindexes.
	data := repotest.RandomData(rand.New(rand.NewSource(7)), 40000, 1024)
	ts.b.AddBackup("/new", data, 1)
	if _, err := Restore(ctx, ts.addr, "/new", io.Discard); err == nil {
		t.Errorf("expected restore of unindexed backup to fail")
	}

	if err := Reindex(ctx, ts.addr); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := Restore(ctx, ts.addr, "/new", &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("restored contents differ")
	}
}

func TestStatus(t *testing.T) {
	ts := startServer(t, Options{})
	ctx := context.Background()
	if _, err := Restore(ctx, ts.addr, "/backup-2", io.Discard); err != nil {
		t.Fatal(err)
	}

	st, err := GetStatus(ctx, ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	if st.IndexEntries != ts.repo.Index().Len() {
		t.Errorf("status has %d index entries, expected %d", st.IndexEntries, ts.repo.Index().Len())
	}
	if st.Cache == nil || st.Cache.Loads == 0 {
		t.Errorf("expected cache statistics after a restore: %+v", st.Cache)
	}
	if st.Connections < 1 {
		t.Errorf("status connection not counted: %d", st.Connections)
	}
}

func TestDisconnect(t *testing.T) {
	ts := startServer(t, Options{})

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	if reply := rawRequest(t, conn, br, "restore /backup-0"); !strings.HasPrefix(reply, "OK ") {
		t.Fatalf("unexpected reply %q", reply)
	}
	conn.Close()

	// The server notices and finishes with the connection.
	deadline := time.Now().Add(5 * time.Second)
	for ts.s.Status().Connections != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still active after client went away")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Other clients are unaffected.
	if _, err := Restore(context.Background(), ts.addr, "/backup-0", io.Discard); err != nil {
		t.Error(err)
	}
}

func TestExit(t *testing.T) {
	ts := startServer(t, Options{})
	if err := Exit(context.Background(), ts.addr); err != nil {
		t.Fatal(err)
	}
	// Without ExitShutsDown, the server keeps going.
	if _, err := GetStatus(context.Background(), ts.addr); err != nil {
		t.Error(err)
	}

	ts = startServer(t, Options{ExitShutsDown: true})
	if err := Exit(context.Background(), ts.addr); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-ts.served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server didn't shut down")
	}
	<-ts.s.Done()
	if _, err := GetStatus(context.Background(), ts.addr); !errors.Is(err, u.ErrIO) {
		t.Errorf("expected connection failure after shutdown, got %v", err)
	}
}

func TestParseError(t *testing.T) {
	err := parseError("AuthError: bad password")
	if !errors.Is(err, u.ErrAuth) || !strings.Contains(err.Error(), "bad password") {
		t.Errorf("unexpected error %v", err)
	}
	if err := parseError("something odd"); u.KindName(err) != "Error" {
		t.Errorf("unexpected kind for %v", err)
	}
}
