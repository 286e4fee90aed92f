// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"golang.org/x/time/rate"
	"io"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Token buckets for the upload and download limits set by the user, if
// any; nil means unlimited.
var uploadLimiter, downloadLimiter *rate.Limiter

// InitBandwidthLimit sets the maximum number of bytes per second that are
// read from or written to storage. Zero means no limit. It must be called
// before any storage is accessed.
func InitBandwidthLimit(uploadBytesPerSecond, downloadBytesPerSecond int) {
	uploadLimiter = newLimiter(uploadBytesPerSecond)
	downloadLimiter = newLimiter(downloadBytesPerSecond)
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead
	// and HTTP headers so that the actual bandwidth used doesn't exceed
	// the desired limit. Never queue up more than one second's worth.
	return rate.NewLimiter(rate.Limit(bytesPerSecond*94/100), bytesPerSecond)
}

// wait blocks until n bytes may be transferred through l.
func wait(l *rate.Limiter, n int) {
	for n > 0 {
		m := min(n, l.Burst())
		// WaitN only fails if m exceeds the burst size or the context is
		// done, neither of which can happen here.
		_ = l.WaitN(context.Background(), m)
		n -= m
	}
}

func waitUpload(n int) {
	if uploadLimiter != nil {
		wait(uploadLimiter, n)
	}
}

// rateLimitedReader is an io.Reader that doesn't return bytes faster than
// its limiter allows. As long as the upload and download paths wrap the
// underlying io.Readers for local files and GCS, we stay under the
// bandwidth per second limit.
type rateLimitedReader struct {
	R io.Reader
	l *rate.Limiter
}

func NewLimitedUploadReader(r io.Reader) io.Reader {
	if uploadLimiter != nil {
		return rateLimitedReader{R: r, l: uploadLimiter}
	}
	return r
}

func NewLimitedDownloadReader(r io.Reader) io.Reader {
	if downloadLimiter != nil {
		return rateLimitedReader{R: r, l: downloadLimiter}
	}
	return r
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	// Don't read more than we'd be allowed in one go.
	if len(dst) > lr.l.Burst() {
		dst = dst[:lr.l.Burst()]
	}
	n, err := lr.R.Read(dst)
	wait(lr.l, n)
	return n, err
}
