// Package resumer contains the interface used by the downloader for persisting the hash state of a partial download.
package resumer

import "time"

// Resumer saves and loads the serialized hash state of an unfinished download.
// The existence of a record is the only signal that a download can be resumed.
type Resumer interface {
	// Load returns the saved state for id.
	// A missing record, or one whose size is not the expected record size, returns nil without error.
	Load(id string) ([]byte, error)
	// Save overwrites the record for id.
	Save(id string, state []byte) error
	// Clear removes the record for id. Removing a missing record is not an error.
	Clear(id string) error
}

// Info describes the download a record belongs to.
type Info struct {
	ContentID string
	URL       string
}

// InfoWriter is implemented by resumers that can store Info alongside the state.
type InfoWriter interface {
	WriteInfo(id string, info Info) error
}

// Entry is a record listed by a Lister.
type Entry struct {
	ID      string
	Info    Info
	SavedAt time.Time
}

// Lister is implemented by resumers that can enumerate their records.
type Lister interface {
	List() ([]Entry, error)
}
