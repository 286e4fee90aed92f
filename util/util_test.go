// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"github.com/pkg/errors"
	"strings"
	"testing"
)

func TestFmtBytes(t *testing.T) {
	for _, c := range []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1000, "1000 B"},
		{4096, "4.00 kiB"},
		{3 << 20, "3.00 MiB"},
		{5 << 30, "5.00 GiB"},
		{1 << 41, "2.00 TiB"},
	} {
		if got := FmtBytes(c.n); got != c.want {
			t.Errorf("FmtBytes(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestKinds(t *testing.T) {
	err := Errorf(ErrNotFound, "backup %s", "/foo")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("%v: expected ErrNotFound", err)
	}
	if KindName(err) != "NotFound" {
		t.Errorf("%v: got kind %s", err, KindName(err))
	}

	ioe := IOError(errors.New("disk on fire"), "bundles/aa/bb")
	if !errors.Is(ioe, ErrIO) {
		t.Errorf("%v: expected ErrIO", ioe)
	}
	if !strings.Contains(ioe.Error(), "bundles/aa/bb") {
		t.Errorf("%v: missing file name", ioe)
	}
	wrapped := errors.Wrap(WithKind(ErrCorrupt, errors.New("bad lzma")), "reading bundle")
	if KindName(wrapped) != "Corrupt" {
		t.Errorf("%v: got kind %s", wrapped, KindName(wrapped))
	}
	if KindName(errors.New("plain")) != "Error" {
		t.Errorf("unexpected kind for plain error")
	}
	if WithKind(ErrState, nil) != nil {
		t.Errorf("WithKind of nil error should be nil")
	}
	if KindByName("StateError") != ErrState || KindByName("Error") != nil {
		t.Errorf("KindByName mismatch")
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, false, false)
	log.Verbose("hidden %d", 1)
	log.Debug("hidden %d", 2)
	log.Warning("shown %d", 3)
	conn := log.WithPrefix("127.0.0.1:1234")
	conn.Error("broken %s", "pipe")

	s := buf.String()
	if strings.Contains(s, "hidden") {
		t.Errorf("suppressed levels were logged: %q", s)
	}
	if !strings.Contains(s, "shown 3") {
		t.Errorf("warning missing: %q", s)
	}
	if !strings.Contains(s, "127.0.0.1:1234: broken pipe") {
		t.Errorf("prefixed error missing: %q", s)
	}
	if !strings.Contains(s, "util/util_test.go") {
		t.Errorf("caller location missing: %q", s)
	}
	if log.NErrors() != 1 {
		t.Errorf("expected 1 error, got %d", log.NErrors())
	}
}

func TestReportingWriter(t *testing.T) {
	var out, logged bytes.Buffer
	w := &ReportingWriter{W: &out, Msg: "restored", Log: NewLoggerTo(&logged, true, false), Every: 10}
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("abcdef")); err != nil {
			t.Fatal(err)
		}
	}
	w.Finish()
	if w.Written() != 30 || out.Len() != 30 {
		t.Errorf("wrote %d / %d bytes, expected 30", w.Written(), out.Len())
	}
	if !strings.Contains(logged.String(), "Finished. restored") {
		t.Errorf("missing final report: %q", logged.String())
	}
}
