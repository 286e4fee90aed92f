// server/client.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package server

import (
	"bufio"
	"context"
	"fmt"
	"github.com/goccy/go-json"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"io"
	"net"
	"strconv"
	"strings"
)

// request connects to the server at addr, sends the given request line and
// reads the first line of the reply. It returns whatever followed "OK" on
// that line, or the error the server reported.
func request(ctx context.Context, addr, req string) (net.Conn, *bufio.Reader, string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, "", u.IOError(err, addr)
	}
	// Abandon the connection if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	fail := func(err error) (net.Conn, *bufio.Reader, string, error) {
		stop()
		conn.Close()
		if cerr := ctx.Err(); cerr != nil {
			return nil, nil, "", cerr
		}
		return nil, nil, "", err
	}

	if _, err := io.WriteString(conn, req+"\n"); err != nil {
		return fail(u.IOError(err, addr))
	}
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return fail(u.IOError(err, addr))
	}
	line = strings.TrimSuffix(line, "\n")

	switch {
	case line == "OK":
		return conn, br, "", nil
	case strings.HasPrefix(line, "OK "):
		return conn, br, strings.TrimPrefix(line, "OK "), nil
	case strings.HasPrefix(line, "ERROR "):
		return fail(parseError(strings.TrimPrefix(line, "ERROR ")))
	default:
		return fail(u.Errorf(u.ErrFormat, "%s: unexpected reply %q", addr, line))
	}
}

// parseError converts an error reported by the server back into an error
// of the same kind.
func parseError(msg string) error {
	if name, rest, ok := strings.Cut(msg, ": "); ok {
		if kind := u.KindByName(name); kind != nil {
			return u.Errorf(kind, "server: %s", rest)
		}
	}
	return errors.Errorf("server: %s", msg)
}

// Restore asks the server at addr to restore the named backup, writing it
// to w. It returns the number of bytes written; it's a Corrupt error if
// fewer bytes were received than the server announced.
func Restore(ctx context.Context, addr, name string, w io.Writer) (int64, error) {
	if strings.ContainsAny(name, "\n") {
		return 0, u.Errorf(u.ErrFormat, "%q: invalid backup name", name)
	}
	conn, br, val, err := request(ctx, addr, "restore "+name)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	size, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, u.Errorf(u.ErrFormat, "%s: bad restore size %q", addr, val)
	}
	n, err := io.CopyN(w, br, size)
	if cerr := ctx.Err(); cerr != nil {
		return n, cerr
	}
	if err == io.EOF {
		return n, u.Errorf(u.ErrCorrupt, "%s: restore of %s ended after %d of %d bytes", addr, name, n, size)
	} else if err != nil {
		return n, u.IOError(err, addr)
	}
	return n, nil
}

// Reindex asks the server at addr to reload its index.
func Reindex(ctx context.Context, addr string) error {
	conn, _, _, err := request(ctx, addr, "reindex")
	if err != nil {
		return err
	}
	return conn.Close()
}

// Exit sends an exit request to the server at addr. Whether the server
// then shuts down depends on how it was started.
func Exit(ctx context.Context, addr string) error {
	conn, _, _, err := request(ctx, addr, "exit")
	if err != nil {
		return err
	}
	return conn.Close()
}

// GetStatus returns the status of the server at addr.
func GetStatus(ctx context.Context, addr string) (*Status, error) {
	conn, br, _, err := request(ctx, addr, "status")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, u.IOError(err, addr)
	}
	var st Status
	if err := json.Unmarshal(line, &st); err != nil {
		return nil, u.WithKind(u.ErrFormat, errors.Wrapf(err, "%s: status", addr))
	}
	return &st, nil
}

func (st *Status) String() string {
	s := fmt.Sprintf("%d connections, %d restores, %d indexed chunks, up %.0fs",
		st.Connections, st.Restores, st.IndexEntries, st.Uptime)
	if st.Cache != nil {
		s += "\ncache: " + st.Cache.String()
	}
	if len(st.BundlesLoading) > 0 {
		s += "\nloading: " + strings.Join(st.BundlesLoading, " ")
	}
	return s
}
