package filestorage

import (
	"io"
	"os"
)

// File is an open package file.
type File struct {
	*os.File
}

// Write writes b at the end of the file.
func (f *File) Write(b []byte) (n int, err error) {
	n, err = f.File.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return
}
