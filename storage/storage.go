// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage implements access to the files of a ZBackup repository:
// its info file, index files, bundles and backup descriptors.
package storage

import (
	"encoding/hex"
	"github.com/mmp/zbk/codec"
	u "github.com/mmp/zbk/util"
	"path"
	"slices"
	"strings"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Identifiers

// IdSize is the number of bytes in chunk, bundle and index file ids.
const IdSize = 24

// ChunkId identifies a chunk by a hash of its contents.
type ChunkId [IdSize]byte

// BundleId identifies a bundle file; bundle ids are random.
type BundleId [IdSize]byte

// IndexId identifies an index file; index ids are random.
type IndexId [IdSize]byte

// String returns the id as a hexidecimal-encoded string.
func (id ChunkId) String() string  { return hex.EncodeToString(id[:]) }
func (id BundleId) String() string { return hex.EncodeToString(id[:]) }
func (id IndexId) String() string  { return hex.EncodeToString(id[:]) }

// NewBundleId returns a new random bundle id.
func NewBundleId() (id BundleId) {
	copy(id[:], codec.RandomBytes(IdSize))
	return
}

// NewIndexId returns a new random index file id.
func NewIndexId() (id IndexId) {
	copy(id[:], codec.RandomBytes(IdSize))
	return
}

func parseId(s string) ([IdSize]byte, bool) {
	var id [IdSize]byte
	if len(s) != 2*IdSize {
		return id, false
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, false
	}
	return id, true
}

// ParseBundleId parses a hex-encoded bundle id.
func ParseBundleId(s string) (BundleId, bool) {
	id, ok := parseId(s)
	return BundleId(id), ok
}

///////////////////////////////////////////////////////////////////////////
// Repository layout

const (
	InfoPath         = "info"
	IndexDir         = "index"
	BundlesDir       = "bundles"
	BackupsDir       = "backups"
	BrokenBackupsDir = "backups-broken"
	TmpDir           = "tmp"
	LockPath         = "lock"
)

// IndexPath returns the repository-relative path of an index file.
func IndexPath(id IndexId) string {
	return IndexDir + "/" + id.String()
}

// BundlePath returns the repository-relative path of a bundle file;
// bundles are spread across subdirectories by their first byte.
func BundlePath(id BundleId) string {
	s := id.String()
	return BundlesDir + "/" + s[:2] + "/" + s
}

// bundleIdFromPath returns the id of the bundle stored at the given path.
func bundleIdFromPath(p string) (BundleId, bool) {
	return ParseBundleId(path.Base(p))
}

// BackupPath returns the repository-relative path of the named backup.
// Names are of the form "/dir/name"; the leading slash is optional.
func BackupPath(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || slices.Contains(strings.Split(name, "/"), "..") {
		return "", u.Errorf(u.ErrFormat, "%s: invalid backup name", name)
	}
	return BackupsDir + clean, nil
}

// BackupName returns the name of the backup stored at the given path.
func BackupName(p string) string {
	return strings.TrimPrefix(p, BackupsDir)
}
