// Package license saves license blobs (RAP files) next to downloaded packages.
package license

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
)

// Size of a license blob in bytes.
const Size = 16

// Ext is the file extension of license files.
const Ext = ".rap"

// WriteError is returned when the license file cannot be saved.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "cannot save RAP to " + e.Path
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Path returns the location of the license file for contentID.
func Path(folder, contentID string) string {
	return filepath.Join(folder, contentID+Ext)
}

// Write saves blob to the license file of contentID under folder.
// The file is written to a temporary file first and renamed into place.
func Write(folder, contentID string, blob []byte) error {
	path := Path(folder, contentID)
	if len(blob) != Size {
		return &WriteError{Path: path, Err: fmt.Errorf("invalid license size: %d", len(blob))}
	}
	err := write(folder, path, blob)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func write(folder, path string, blob []byte) error {
	err := os.MkdirAll(folder, os.ModeDir|0750)
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	tmp := path + "." + id.String() + ".tmp"
	err = os.WriteFile(tmp, blob, 0640)
	if err != nil {
		return err
	}
	err = os.Rename(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
