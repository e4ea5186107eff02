// Package atomicfile writes files so that the destination either has
// the old content or the complete new content, never a partial write.
//
// Data goes to a temporary file in the destination directory. Close syncs it
// and renames it over the destination. Any error on the way removes the
// temporary file.
//
//	w, err := atomicfile.New(path)
//	if err != nil {
//	    return err
//	}
//	// calling Close() twice is a no-op
//	defer w.Close()
//	if _, err = w.Write(d); err != nil {
//	    return err
//	}
//	return w.Close()
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrCancelled is returned by calls subsequent to Cancel()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// File is a write-only file that appears at its destination path
// only after a successful Close
type File struct {
	dstPath string
	dir     string
	tmpFile *os.File
	tmpPath string
	// first error, returned by all subsequent calls
	err error
}

// New creates a temporary file next to path
func New(path string) (*File, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	tmpFile, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &File{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		tmpPath: tmpFile.Name(),
	}, nil
}

func (f *File) fail(err error) error {
	if err == nil {
		return nil
	}
	if f.err == nil {
		f.err = err
	}
	// removes the temporary file
	_ = f.Close()
	return err
}

// Write writes data to the temporary file
func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.closed() {
		return 0, os.ErrClosed
	}
	n, err := f.tmpFile.Write(d)
	return n, f.fail(err)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) closed() bool {
	return f.tmpFile == nil
}

// Cancel removes the temporary file without touching the destination.
// Use with defer to clean up after a panic. A no-op after Close.
func (f *File) Cancel() {
	if f == nil || f.closed() {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close syncs the data and renames the temporary file to destination.
// Can be called multiple times, returns the first error
func (f *File) Close() error {
	if f.closed() {
		return f.err
	}
	tmpFile := f.tmpFile
	f.tmpFile = nil

	errSync := tmpFile.Sync()
	errClose := tmpFile.Close()

	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(f.tmpPath)
		}
	}()

	if f.err != nil {
		return f.err
	}
	err := errSync
	if err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Rename(f.tmpPath, f.dstPath)
		renamed = err == nil
	}
	if renamed {
		// makes the rename durable. best effort, not supported everywhere
		if d, _ := os.Open(f.dir); d != nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}
	f.err = err
	return err
}

// WriteFile atomically replaces path with d
func WriteFile(path string, d []byte) error {
	w, err := New(path)
	if err != nil {
		return err
	}
	defer w.Cancel()
	if _, err = w.Write(d); err != nil {
		return err
	}
	return w.Close()
}

// WriteFrom atomically replaces path with content of r
func WriteFrom(path string, r io.Reader) (int64, error) {
	w, err := New(path)
	if err != nil {
		return 0, err
	}
	defer w.Cancel()
	n, err := io.Copy(w, r)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

// CopyFile atomically replaces dst with a copy of src
func CopyFile(dst string, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return WriteFrom(dst, f)
}
