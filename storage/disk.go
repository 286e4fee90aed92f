// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"github.com/google/renameio"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Implements the FileStorage interface for a repository stored in a local
// directory.
type disk struct {
	root string
}

// NewDisk returns a FileStorage for the repository in the given
// directory.
func NewDisk(root string) (FileStorage, error) {
	// Make sure that the repository directory exists and is in fact a
	// directory.
	stat, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, u.WithKind(u.ErrNotFound, errors.Wrap(err, "repository"))
		}
		return nil, u.IOError(err, root)
	}
	if !stat.IsDir() {
		return nil, u.Errorf(u.ErrFormat, "%s: is a regular file", root)
	}
	return &disk{root: root}, nil
}

func (d *disk) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *disk) String() string {
	return "disk: " + d.root
}

func (d *disk) CreateFile(name string) (AtomicFile, error) {
	final := d.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, u.IOError(err, name)
	}
	tmpDir := d.path(TmpDir)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, u.IOError(err, TmpDir)
	}

	// Temporary files are created in tmp/ rather than next to the final
	// file so that leftovers from an interrupted run are easy to find.
	pf, err := renameio.TempFile(tmpDir, final)
	if err != nil {
		return nil, u.IOError(err, name)
	}
	return &diskFile{name: name, pf: pf}, nil
}

type diskFile struct {
	name string
	pf   *renameio.PendingFile
	done bool
}

func (f *diskFile) Name() string {
	return f.name
}

func (f *diskFile) Write(b []byte) (int, error) {
	waitUpload(len(b))
	n, err := f.pf.Write(b)
	return n, u.IOError(err, f.name)
}

func (f *diskFile) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	// Syncs the file and then renames it into place.
	if err := f.pf.CloseAtomicallyReplace(); err != nil {
		f.pf.Cleanup()
		return u.IOError(err, f.name)
	}
	return nil
}

func (f *diskFile) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	return u.IOError(f.pf.Cleanup(), f.name)
}

func (d *disk) ReadFile(name string, offset, length int64) ([]byte, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, u.WithKind(u.ErrNotFound, errors.Wrap(err, name))
		}
		return nil, u.IOError(err, name)
	}
	defer f.Close()

	var r io.Reader = f
	if length > 0 {
		r = io.NewSectionReader(f, offset, length)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, NewLimitedDownloadReader(r)); err != nil {
		return nil, u.IOError(err, name)
	}
	return buf.Bytes(), nil
}

func (d *disk) ForFiles(prefix string, f func(name string, modified time.Time) error) error {
	dir := d.path(prefix)
	var cbErr error
	err := filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		cbErr = f(filepath.ToSlash(rel), info.ModTime())
		return cbErr
	})
	if cbErr != nil {
		return cbErr
	}
	return u.IOError(err, prefix)
}

func (d *disk) Exists(name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, u.IOError(err, name)
}

func (d *disk) Remove(name string) error {
	err := os.Remove(d.path(name))
	if err != nil && !os.IsNotExist(err) {
		return u.IOError(err, name)
	}
	return nil
}

func (d *disk) Rename(from, to string) error {
	dst := d.path(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return u.IOError(err, to)
	}
	return u.IOError(os.Rename(d.path(from), dst), from)
}

func (d *disk) Lock() (func() error, error) {
	f, err := os.OpenFile(d.path(LockPath), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, u.IOError(err, LockPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, u.Errorf(u.ErrState, "%s: repository is locked by another process", d.root)
		}
		return nil, u.IOError(err, LockPath)
	}

	return func() error {
		defer f.Close()
		return u.IOError(unix.Flock(int(f.Fd()), unix.LOCK_UN), LockPath)
	}, nil
}

func (d *disk) TempFiles() ([]string, error) {
	entries, err := os.ReadDir(d.path(TmpDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, u.IOError(err, TmpDir)
	}
	var names []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".nfs") {
			names = append(names, TmpDir+"/"+e.Name())
		}
	}
	return names, nil
}
