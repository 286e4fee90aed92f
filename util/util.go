// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingWriter

// ReportingWriter wraps an io.Writer and periodically logs how many bytes
// have been written through it and the rate of doing so in bytes / second.
type ReportingWriter struct {
	W     io.Writer
	Msg   string
	Log   *Logger
	Every int64

	start                       time.Time
	reportCounter, writtenBytes int64
}

const defaultReportFrequency = 128 * 1024 * 1024

func (w *ReportingWriter) Write(buf []byte) (int, error) {
	if w.start.IsZero() {
		w.start = time.Now()
		if w.Every == 0 {
			w.Every = defaultReportFrequency
		}
		w.reportCounter = w.Every
	}

	n, err := w.W.Write(buf)

	w.writtenBytes += int64(n)
	w.reportCounter -= int64(n)
	if w.reportCounter < 0 {
		w.report("")
		w.reportCounter += w.Every
	}

	return n, err
}

// Written returns the number of bytes written so far.
func (w *ReportingWriter) Written() int64 {
	return w.writtenBytes
}

func (w *ReportingWriter) report(prefix string) {
	delta := time.Since(w.start)
	bytesPerSec := int64(float64(w.writtenBytes) / delta.Seconds())
	w.Log.Verbose("%s%s %s [%s/s]", prefix, w.Msg, FmtBytes(w.writtenBytes),
		FmtBytes(bytesPerSec))
}

// Finish logs a final report.
func (w *ReportingWriter) Finish() {
	if w.start.IsZero() {
		w.start = time.Now()
	}
	w.report("Finished. ")
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2f TiB", float64(n)/(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n > 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n > 1<<10:
		return fmt.Sprintf("%.2f kiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Percent returns n/total as a percentage, or zero if total is zero.
func Percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
