// Package storage contains the interface for writing downloaded packages to disk.
package storage

import "io"

// Storage is an interface for creating and appending package files.
type Storage interface {
	// Path returns the location of the file with name.
	Path(name string) string
	// Create makes the parent folders of name and creates the file, truncating an existing one.
	Create(name string) (File, error)
	// Append opens an existing file for writing at its end.
	Append(name string) (File, error)
	// Size returns the size of the file with name.
	Size(name string) (int64, error)
	// Truncate changes the size of the file with name.
	Truncate(name string, size int64) error
	// Remove deletes the file with name. Removing a missing file is not an error.
	Remove(name string) error
	// CheckFreeSpace returns an error if n bytes cannot be written to the storage.
	CheckFreeSpace(n int64) error
}

// File interface for writing package data.
type File interface {
	io.Writer
	io.Closer
	Sync() error
	Name() string
}
