// storage/filestorage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"
	"strings"
	"time"
)

// AtomicFile is a file that is being written to storage. Nothing is
// visible under the file's name until Commit returns successfully, at
// which point the file's complete contents replace any earlier file with
// the same name.
type AtomicFile interface {
	io.Writer
	Name() string
	Commit() error
	// Abort discards the file. It's fine to call it after Commit, in which
	// case it does nothing.
	Abort() error
}

// FileStorage is a simple abstraction for a storage system holding a
// repository's files. All names are relative to the repository's root and
// use '/' as a separator.
type FileStorage interface {
	// CreateFile returns an AtomicFile for a file with the given name.
	CreateFile(name string) (AtomicFile, error)

	// ReadFile returns the contents of the given file. If length is zero, the
	// whole file contents are returned; otherwise the segment starting at offset
	// with given length is returned. Missing files give an ErrNotFound
	// error.
	ReadFile(name string, offset int64, length int64) ([]byte, error)

	// ForFiles calls the given callback function for all files with the
	// given directory prefix, providing the file path and its modification
	// time. Iteration stops at the first error returned by f.
	ForFiles(prefix string, f func(name string, modified time.Time) error) error

	Exists(name string) (bool, error)

	// Remove removes the named file; it is not an error if it doesn't
	// exist.
	Remove(name string) error

	Rename(from, to string) error

	// Lock takes the repository's exclusive lock, returning ErrState if
	// someone else holds it.
	Lock() (unlock func() error, err error)

	// TempFiles returns the names of any files in the repository's
	// temporary directory, e.g. left behind by an interrupted writer.
	TempFiles() ([]string, error)

	String() string
}

// OpenFileStorage returns the FileStorage for the given repository
// location: either a local directory or a "gs://bucket/prefix" URL.
func OpenFileStorage(ctx context.Context, location string) (FileStorage, error) {
	if rest, ok := strings.CutPrefix(location, "gs://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		return NewGCS(ctx, GCSOptions{BucketName: bucket, Prefix: prefix})
	}
	return NewDisk(location)
}
