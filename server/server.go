// server/server.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package server implements a restore server that shares one repository
// and chunk cache among its clients, and the client side of its line
// protocol.
//
// Each request is a single line. Replies start with a line that's either
// "OK", possibly followed by a value, or "ERROR <kind>: <message>".
//
//	restore NAME    OK <size>, then the backup's contents; the connection
//	                is closed afterward.
//	reindex         OK, after reloading the index.
//	status          OK, then one line of JSON; the connection is closed.
//	exit            OK; the connection is closed.
//
// Clients must not close their side of the connection while a restore is
// in progress; the server takes that as a sign that the client has gone
// away and cancels the restore.
package server

import (
	"bufio"
	"context"
	"fmt"
	"github.com/goccy/go-json"
	"github.com/mmp/zbk/cache"
	"github.com/mmp/zbk/restore"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"golang.org/x/net/netutil"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	DefaultMaxConnections = 64
	DefaultWorkers        = 4
	DefaultExitTimeout    = 30 * time.Second
)

// Options control the server.
type Options struct {
	// Maximum number of connections served at once; more wait to be
	// accepted. Default 64.
	MaxConnections int
	// Number of goroutines loading chunks for each restore. Default 4.
	Workers int
	// If set, an exit request shuts down the server after the connections
	// in progress finish, waiting at most ExitTimeout.
	ExitShutsDown bool
	ExitTimeout   time.Duration
	Restore       restore.Options
}

func (o *Options) setDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ExitTimeout <= 0 {
		o.ExitTimeout = DefaultExitTimeout
	}
}

// Server serves restores from a single repository.
type Server struct {
	repo  *storage.Repository
	cache *cache.Cache
	src   *restore.Chunks
	opts  Options
	start time.Time

	// Connections run with contexts derived from ctx; cancel ends them
	// all.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	done     chan struct{}
	wg       sync.WaitGroup

	active, restores atomic.Int64
}

// New returns a Server for the given repository. The cache may be nil.
func New(repo *storage.Repository, c *cache.Cache, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		repo:   repo,
		cache:  c,
		src:    restore.NewChunks(repo, c),
		opts:   opts,
		start:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ListenAndServe listens on the given TCP address and then calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return u.IOError(err, addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln and serves each in its own goroutine.
// After Shutdown is called, it waits for the connections to finish and
// returns nil.
func (s *Server) Serve(ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	log.Print("serving %s on %s", s.repo, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				s.wg.Wait()
				close(s.done)
				return nil
			}
			return u.IOError(err, ln.Addr().String())
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Addr returns the address the server is listening on, or nil if Serve
// hasn't been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting new connections and waits for the current ones
// to finish. If ctx is done first, the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := !s.shutdown
	s.shutdown = true
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		// Serve was never called.
		if first {
			close(s.done)
		}
		s.cancel()
		return nil
	}
	if first {
		ln.Close()
	}

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

// Done returns a channel that's closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.active.Add(1)
	activeConnections.Inc()
	connectionsTotal.Inc()
	defer func() {
		s.active.Add(-1)
		activeConnections.Dec()
	}()

	clog := log.WithPrefix(conn.RemoteAddr().String())
	clog.Verbose("connected")
	defer clog.Verbose("disconnected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	// Unblock reads if the server is closing connections.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				clog.Warning("%v", err)
			}
			return
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		cmd = strings.ToLower(cmd)
		switch cmd {
		case "":
			continue

		case "restore":
			// Nothing more is expected from the client, so a read that
			// returns means that it has gone away.
			go func() {
				var b [1]byte
				if _, err := br.Read(b[:]); err != nil {
					cancel()
				}
			}()
			s.restore(ctx, conn, strings.TrimSpace(arg), clog)
			return

		case "reindex":
			clog.Print("reindexing")
			if err := s.repo.Reindex(ctx); err != nil {
				s.replyError(conn, cmd, err, clog)
				continue
			}
			clog.Print("index has %d chunks", s.repo.Index().Len())
			if !s.reply(conn, cmd, "OK\n", clog) {
				return
			}

		case "status":
			b, err := json.Marshal(s.Status())
			if err != nil {
				s.replyError(conn, cmd, err, clog)
			} else {
				s.reply(conn, cmd, "OK\n"+string(b)+"\n", clog)
			}
			return

		case "exit":
			s.reply(conn, cmd, "OK\n", clog)
			if s.opts.ExitShutsDown {
				clog.Print("shutting down")
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), s.opts.ExitTimeout)
					defer cancel()
					if err := s.Shutdown(ctx); err != nil {
						log.Warning("shutdown: %v", err)
					}
				}()
			}
			return

		default:
			s.replyError(conn, "unknown", u.Errorf(u.ErrFormat, "command not recognised: %s", cmd), clog)
		}
	}
}

func (s *Server) reply(conn net.Conn, cmd, msg string, clog *u.Logger) bool {
	if _, err := io.WriteString(conn, msg); err != nil {
		clog.Warning("%s: %v", cmd, err)
		requestsTotal.WithLabelValues(cmd, "disconnected").Inc()
		return false
	}
	requestsTotal.WithLabelValues(cmd, "ok").Inc()
	return true
}

func (s *Server) replyError(conn net.Conn, cmd string, err error, clog *u.Logger) {
	clog.Error("%s: %v", cmd, err)
	requestsTotal.WithLabelValues(cmd, u.KindName(err)).Inc()
	// Messages are a single line.
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	fmt.Fprintf(conn, "ERROR %s: %s\n", u.KindName(err), msg)
}

func (s *Server) restore(ctx context.Context, conn net.Conn, name string, clog *u.Logger) {
	s.restores.Add(1)
	defer s.restores.Add(-1)

	bi, err := s.repo.ReadBackup(name)
	if err != nil {
		s.replyError(conn, "restore", err, clog)
		return
	}
	clog.Print("restoring %s (%s)", name, u.FmtBytes(int64(bi.Size)))

	// The OK line stays buffered until the restore has produced some
	// data, so that errors found before then can still be reported.
	cw := &countingWriter{w: conn}
	bw := bufio.NewWriterSize(cw, 256*1024)
	fmt.Fprintf(bw, "OK %d\n", bi.Size)
	rw := &u.ReportingWriter{W: bw, Msg: name, Log: clog}
	start := time.Now()
	_, err = restore.Restore(ctx, s.src, bi, rw, s.opts.Workers, s.opts.Restore)
	if err == nil {
		err = bw.Flush()
	}
	restoredBytes.Add(float64(rw.Written()))
	if err != nil {
		if cw.n == 0 && ctx.Err() == nil {
			bw.Reset(conn)
			s.replyError(conn, "restore", err, clog)
			return
		}
		// Otherwise it's too late to report an error to the client, which
		// will notice that it received less than it was promised.
		if ctx.Err() != nil {
			clog.Warning("%s: client disconnected after %s", name, u.FmtBytes(rw.Written()))
			requestsTotal.WithLabelValues("restore", "disconnected").Inc()
		} else {
			clog.Error("%s: %s after %s: %v", name, u.KindName(err), u.FmtBytes(rw.Written()), err)
			requestsTotal.WithLabelValues("restore", u.KindName(err)).Inc()
		}
		return
	}
	rw.Finish()
	requestsTotal.WithLabelValues("restore", "ok").Inc()
	clog.Verbose("%s: done in %s", name, time.Since(start).Round(time.Millisecond))
}

// countingWriter counts the bytes written to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// Status describes what the server is doing.
type Status struct {
	BundlesLoading []string     `json:"bundles-loading"`
	Connections    int64        `json:"connections"`
	Restores       int64        `json:"restores"`
	IndexEntries   int          `json:"index-entries"`
	Cache          *cache.Stats `json:"cache,omitempty"`
	Uptime         float64      `json:"uptime-seconds"`
}

// Status returns the server's current status.
func (s *Server) Status() Status {
	st := Status{
		BundlesLoading: []string{},
		Connections:    s.active.Load(),
		Restores:       s.restores.Load(),
		IndexEntries:   s.repo.Index().Len(),
		Uptime:         time.Since(s.start).Seconds(),
	}
	for _, id := range s.repo.Loading() {
		st.BundlesLoading = append(st.BundlesLoading, id.String())
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}
	return st
}
