// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Loggers derived with WithPrefix share their parent's outputs, lock and
// error count.
type Logger struct {
	prefix string
	state  *logState
}

type logState struct {
	mu      sync.Mutex
	nErrors int
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
	exit    func(int)
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose, debug)
}

// NewLoggerTo returns a Logger that writes all of its enabled levels to w.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	s := &logState{warning: w, err: w, exit: os.Exit}
	if verbose {
		s.verbose = w
	}
	if debug {
		s.debug = w
	}
	return &Logger{state: s}
}

// WithPrefix returns a Logger that starts each message with the given
// prefix, e.g. the address of a connected client.
func (l *Logger) WithPrefix(p string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{prefix: l.prefix + p + ": ", state: l.state}
}

// NErrors returns the number of messages logged at the Error level or
// above.
func (l *Logger) NErrors() int {
	if l == nil {
		return 0
	}
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	return l.state.nErrors
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", format(2, l.pfx()+f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(l.state.debug, false, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(l.state.verbose, false, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		return
	}
	l.write(l.state.warning, false, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		return
	}
	l.write(l.state.err, true, f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		os.Exit(1)
	}
	l.write(l.state.err, true, f, args...)
	l.state.exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	s := format(2, "Check failed\n")
	if len(msg) > 0 {
		s = format(2, l.pfx()+msg[0].(string), msg[1:]...)
	}
	l.die(s)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	s := format(2, l.pfx()+"Error: %+v\n", err)
	if len(msg) > 0 {
		s = format(2, l.pfx()+msg[0].(string), msg[1:]...)
	}
	l.die(s)
}

func (l *Logger) die(s string) {
	if l == nil {
		fmt.Fprint(os.Stderr, s)
		os.Exit(1)
	}
	l.state.mu.Lock()
	l.state.nErrors++
	fmt.Fprint(l.state.err, s)
	l.state.mu.Unlock()
	l.state.exit(1)
}

func (l *Logger) write(w io.Writer, isErr bool, f string, args ...interface{}) {
	if w == nil {
		return
	}
	s := format(3, l.prefix+f, args...)
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if isErr {
		l.state.nErrors++
	}
	fmt.Fprint(w, s)
}

func (l *Logger) pfx() string {
	if l == nil {
		return ""
	}
	return l.prefix
}

// format prefixes the message with the file and line of the caller that
// is skip frames up the stack.
func format(skip int, f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(skip)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
