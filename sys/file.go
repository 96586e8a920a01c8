// Package sys wraps the handful of file-system primitives the engine
// performs, behind replaceable handlers so tests can inject failures.
package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File the engine relies on.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

// The default handlers operate on the real file system. Tests may swap them
// to inject I/O failures; production code never does.
var (
	Create CreateHandler = func(name string) (FileHandle, error) {
		return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	}

	Open OpenHandler = func(name string) (FileHandle, error) {
		return OpenFile(name, os.O_RDONLY, 0)
	}

	OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
		f, err := os.OpenFile(name, flag, perm)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	Rename RenameHandler = os.Rename

	Remove RemoveHandler = os.Remove
)
