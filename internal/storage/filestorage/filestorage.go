// Package filestorage implements Storage interface that uses files on disk as storage.
package filestorage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/pkgdl/internal/storage"
)

// ErrNoSpace is returned from CheckFreeSpace when the disk is too full.
var ErrNoSpace = errors.New("not enough free space")

// FolderError is returned when the parent folder of a file cannot be created.
type FolderError struct {
	Folder string
	Err    error
}

func (e *FolderError) Error() string {
	return "cannot create folder " + e.Folder
}

func (e *FolderError) Unwrap() error {
	return e.Err
}

// FileError is returned when a file cannot be opened.
type FileError struct {
	// "create" or "resume"
	Op   string
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return "cannot " + e.Op + " file " + e.Name
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// SpaceError is returned from CheckFreeSpace.
type SpaceError struct {
	Required  int64
	Available uint64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("not enough free space: %d bytes required, %d bytes available", e.Required, e.Available)
}

func (e *SpaceError) Unwrap() error {
	return ErrNoSpace
}

// FileStorage keeps files under a destination folder.
type FileStorage struct {
	dest string
}

// New returns a FileStorage that saves files under dest.
func New(dest string) (*FileStorage, error) {
	var err error
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

var _ storage.Storage = (*FileStorage)(nil)

// Dest returns the absolute destination folder.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Path returns the absolute path of the file with name.
func (s *FileStorage) Path(name string) string {
	// All files are saved under dest.
	return filepath.Join(s.dest, filepath.Clean("/"+name))
}

// Create makes the containing folders and creates the file for writing.
func (s *FileStorage) Create(name string) (storage.File, error) {
	path := s.Path(name)

	// Create containing dir if not exists.
	folder := filepath.Dir(path)
	err := os.MkdirAll(folder, os.ModeDir|0750)
	if err != nil {
		return nil, &FolderError{Folder: folder, Err: err}
	}

	const mode = 0640
	of, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) // nolint: gosec
	if err != nil {
		return nil, &FileError{Op: "create", Name: filepath.Base(path), Err: err}
	}
	return &File{of}, nil
}

// Append opens an existing file positioned at its end.
func (s *FileStorage) Append(name string) (storage.File, error) {
	path := s.Path(name)
	of, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0) // nolint: gosec
	if err != nil {
		return nil, &FileError{Op: "resume", Name: filepath.Base(path), Err: err}
	}
	return &File{of}, nil
}

// Size returns the size of the file in bytes.
func (s *FileStorage) Size(name string) (int64, error) {
	fi, err := os.Stat(s.Path(name))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate changes the size of the file.
func (s *FileStorage) Truncate(name string, size int64) error {
	return os.Truncate(s.Path(name), size)
}

// Remove deletes the file.
func (s *FileStorage) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CheckFreeSpace checks that the file system of the destination folder can hold n more bytes.
// If the free space cannot be determined the check passes.
func (s *FileStorage) CheckFreeSpace(n int64) error {
	avail, err := freeSpace(existingParent(s.dest))
	if err != nil {
		return nil
	}
	if n > 0 && uint64(n) > avail {
		return &SpaceError{Required: n, Available: avail}
	}
	return nil
}

// existingParent returns the nearest folder of path that exists.
func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
