package pkgdl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/cenkalti/pkgdl/internal/license"
	"github.com/cenkalti/pkgdl/internal/storage/filestorage"
	"github.com/cenkalti/pkgdl/internal/transfer"
	"github.com/cenkalti/pkgdl/internal/verifier"
)

var (
	// ErrCancelled is returned when the download is cancelled by the user.
	ErrCancelled = transfer.ErrCancelled
	// ErrUnknownLength is returned when the server does not send the length of the package.
	ErrUnknownLength = transfer.ErrUnknownLength
	// ErrConnectionClosed is returned when the connection is closed before the package is complete.
	ErrConnectionClosed = transfer.ErrConnectionClosed
	// ErrNoSpace is returned when the package does not fit on disk.
	ErrNoSpace = filestorage.ErrNoSpace
	// ErrIntegrity is returned when the digest of the downloaded package does not match.
	ErrIntegrity = verifier.ErrMismatch
)

// Kind of a download error.
type Kind int

// Kinds of download errors.
const (
	Transport Kind = iota + 1
	Disk
	Integrity
	Cancelled
	License
)

var kindStrings = map[Kind]string{
	Transport: "transport",
	Disk:      "disk",
	Integrity: "integrity",
	Cancelled: "cancelled",
	License:   "license",
}

func (k Kind) String() string {
	s, ok := kindStrings[k]
	if !ok {
		return strconv.FormatInt(int64(k), 10)
	}
	return s
}

// Error is returned from Downloader.Fetch.
// The message is suitable for showing to the user.
type Error struct {
	Kind Kind
	// Step of the download that failed: "download", "verify" or "license".
	Op  string
	Err error
}

func newError(op string, err error) *Error {
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the messages of all errors in the chain.
func (e *Error) Detail() string {
	var parts []string
	for err := e.Err; err != nil; err = errors.Unwrap(err) {
		msg := err.Error()
		if len(parts) > 0 && strings.Contains(parts[len(parts)-1], msg) {
			continue
		}
		parts = append(parts, msg)
	}
	return e.Op + ": " + strings.Join(parts, ": ")
}

// Temporary returns true if retrying the download may succeed.
func (e *Error) Temporary() bool {
	return e.Kind == Transport
}

func kindOf(err error) Kind {
	var (
		writeErr   *transfer.WriteError
		folderErr  *filestorage.FolderError
		fileErr    *filestorage.FileError
		licenseErr *license.WriteError
	)
	switch {
	case errors.Is(err, transfer.ErrCancelled):
		return Cancelled
	case errors.Is(err, verifier.ErrMismatch):
		return Integrity
	case errors.As(err, &licenseErr):
		return License
	case errors.Is(err, filestorage.ErrNoSpace),
		errors.As(err, &writeErr),
		errors.As(err, &folderErr),
		errors.As(err, &fileErr):
		return Disk
	default:
		return Transport
	}
}
