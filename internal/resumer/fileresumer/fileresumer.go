// Package fileresumer provides a Resumer implementation that keeps each record in a small file.
package fileresumer

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cenkalti/pkgdl/internal/resumer"
)

// Ext is the file extension of resume records.
const Ext = ".resume"

// Resumer stores records as "<dir>/<id>.resume".
type Resumer struct {
	dir  string
	size int
}

var _ resumer.Resumer = (*Resumer)(nil)

// New returns a Resumer that accepts only records of exactly size bytes.
func New(dir string, size int) (*Resumer, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Resumer{dir: dir, size: size}, nil
}

// Path returns the record file of id.
func (r *Resumer) Path(id string) string {
	return filepath.Join(r.dir, id+Ext)
}

// Load reads the record of id.
func (r *Resumer) Load(id string) ([]byte, error) {
	b, err := os.ReadFile(r.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) != r.size {
		return nil, nil
	}
	return b, nil
}

// Save writes the record of id. The old record is replaced atomically.
func (r *Resumer) Save(id string, state []byte) error {
	err := os.MkdirAll(r.dir, os.ModeDir|0750)
	if err != nil {
		return err
	}
	name := r.Path(id)
	tmp := name + ".tmp"
	err = os.WriteFile(tmp, state, 0640)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, name)
}

// Clear removes the record of id.
func (r *Resumer) Clear(id string) error {
	err := os.Remove(r.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the records in the directory, sorted by id.
func (r *Resumer) List() ([]resumer.Entry, error) {
	des, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []resumer.Entry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Ext) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if fi.Size() != int64(r.size) {
			continue
		}
		entries = append(entries, resumer.Entry{
			ID:      strings.TrimSuffix(de.Name(), Ext),
			SavedAt: fi.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}
