// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	gcs "cloud.google.com/go/storage"
	"context"
	"fmt"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"hash/crc32"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Implements the FileStorage interface for a repository stored in Google
// Cloud Storage.
type gcsFileStorage struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	// Object name prefix for the repository's root; empty or ending in
	// '/'.
	prefix string
	// Storage class for new bundles; empty uses the bucket's default.
	bundleStorageClass string
}

type GCSOptions struct {
	BucketName string
	// Optional directory within the bucket holding the repository.
	Prefix string

	// Storage class for bundle files, e.g. "NEARLINE". Optional.
	BundleStorageClass string
}

// NewGCS returns a FileStorage for a repository stored in the given GCS
// bucket. Unlike backup tools, we never create the bucket; the repository
// must already exist.
func NewGCS(ctx context.Context, options GCSOptions) (FileStorage, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, u.IOError(err, "gs://"+options.BucketName)
	}

	g := &gcsFileStorage{
		ctx:                ctx,
		client:             client,
		bucket:             client.Bucket(options.BucketName),
		name:               options.BucketName,
		prefix:             strings.Trim(options.Prefix, "/"),
		bundleStorageClass: options.BundleStorageClass,
	}
	if g.prefix != "" {
		g.prefix += "/"
	}

	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		return nil, u.WithKind(u.ErrNotFound, errors.Wrap(err, g.String()))
	} else if err != nil {
		return nil, u.IOError(err, g.String())
	}
	return g, nil
}

func (g *gcsFileStorage) String() string {
	return "gs://" + g.name + "/" + g.prefix
}

func (g *gcsFileStorage) object(name string) *gcs.ObjectHandle {
	return g.bucket.Object(g.prefix + name)
}

func (g *gcsFileStorage) ForFiles(prefix string, f func(n string, modified time.Time) error) error {
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: g.prefix + prefix + "/"})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return u.IOError(err, prefix)
		}

		if err := f(strings.TrimPrefix(obj.Name, g.prefix), obj.Updated); err != nil {
			return err
		}
	}
}

func (g *gcsFileStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	log.Debug("%s: starting gcs download, offset %d, length %d", name, offset, length)

	obj := g.object(name)
	var b []byte
	err := retry(name, func() error {
		var r io.ReadCloser
		var err error
		if length > 0 {
			r, err = obj.NewRangeReader(g.ctx, offset, length)
		} else {
			r, err = obj.NewReader(g.ctx)
		}

		if err != nil {
			return err
		}

		b, err = io.ReadAll(NewLimitedDownloadReader(r))
		r.Close()
		return err
	})
	if err == gcs.ErrObjectNotExist {
		return nil, u.WithKind(u.ErrNotFound, errors.Wrap(err, name))
	}
	return b, u.IOError(err, name)
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || err == gcs.ErrObjectNotExist || isPreconditionFailed(err) ||
			tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *gcsFileStorage) Exists(name string) (bool, error) {
	_, err := g.object(name).Attrs(g.ctx)
	if err == nil {
		return true, nil
	} else if err == gcs.ErrObjectNotExist {
		return false, nil
	}
	return false, u.IOError(err, name)
}

func (g *gcsFileStorage) Remove(name string) error {
	err := retry(name, func() error { return g.object(name).Delete(g.ctx) })
	if err != nil && err != gcs.ErrObjectNotExist {
		return u.IOError(err, name)
	}
	return nil
}

func (g *gcsFileStorage) Rename(from, to string) error {
	// GCS has no rename; copy and then delete the original.
	err := retry(from, func() error {
		copier := g.object(to).CopierFrom(g.object(from))
		copier.ContentType = "application/octet-stream"
		_, err := copier.Run(g.ctx)
		return err
	})
	if err != nil {
		return u.IOError(err, from)
	}
	return g.Remove(from)
}

func (g *gcsFileStorage) Lock() (func() error, error) {
	obj := g.object(LockPath)
	host, _ := os.Hostname()
	w := obj.If(gcs.Conditions{DoesNotExist: true}).NewWriter(g.ctx)
	fmt.Fprintf(w, "%s %d %s\n", host, os.Getpid(), time.Now().Format(time.RFC3339))
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil, u.Errorf(u.ErrState, "%s: repository is locked (%s exists)", g, LockPath)
		}
		return nil, u.IOError(err, LockPath)
	}

	return func() error { return g.Remove(LockPath) }, nil
}

func (g *gcsFileStorage) TempFiles() ([]string, error) {
	var names []string
	err := g.ForFiles(TmpDir, func(n string, _ time.Time) error {
		names = append(names, n)
		return nil
	})
	return names, err
}

func (g *gcsFileStorage) CreateFile(name string) (AtomicFile, error) {
	storageClass := ""
	if strings.HasPrefix(name, BundlesDir+"/") {
		storageClass = g.bundleStorageClass
	}

	return &gcsWriter{
		name:         name,
		storageClass: storageClass,
		g:            g,
	}, nil
}

// gcsWriter implements AtomicFile. It buffers the entire contents of the
// file before actually doing the upload to GCS in its Commit() method.
// (This makes it easy to retry on temporary failures.)
type gcsWriter struct {
	buf          bytes.Buffer
	name         string
	storageClass string
	g            *gcsFileStorage
}

func (gw *gcsWriter) Name() string {
	return gw.name
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	// bytes.Buffer.Write is documented to never return an error (it panics
	// on OOM).
	return gw.buf.Write(b)
}

func (gw *gcsWriter) Commit() error {
	if gw.g == nil {
		return nil
	}
	err := retry(gw.name, func() error {
		return gw.g.upload(gw.name, gw.storageClass, gw.buf.Bytes())
	})
	gw.g = nil
	gw.buf = bytes.Buffer{}
	return u.IOError(err, gw.name)
}

func (gw *gcsWriter) Abort() error {
	gw.g = nil
	gw.buf = bytes.Buffer{}
	return nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsFileStorage) upload(name string, storageClass string, buf []byte) error {
	obj := g.object(name)

	// Upload to a temporary object first so that a partial upload is
	// never visible under the final name.
	tmpName := TmpDir + "/" + strings.ReplaceAll(name, "/", "_")
	tmpObj := g.object(tmpName)

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(g.ctx)

	r := NewLimitedUploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; if not, the data was most likely corrupted on the way
	// and the retry will upload it again.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	gcsCrc := w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return u.Errorf(u.ErrCorrupt, "%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			tmpName, localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(g.ctx)
	return err
}
