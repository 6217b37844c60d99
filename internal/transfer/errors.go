package transfer

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrCancelled is returned when the user cancels the download.
	ErrCancelled = errors.New("download cancelled")
	// ErrUnknownLength is returned when the server does not declare the response length.
	ErrUnknownLength = errors.New("HTTP response has unknown length")
	// ErrConnectionClosed is returned when the server closes the connection before all bytes are received.
	ErrConnectionClosed = errors.New("HTTP connection closed")
)

// RequestError is returned when the HTTP request cannot be sent.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "cannot send HTTP request"
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ResponseError is returned when the response length cannot be determined.
type ResponseError struct {
	Err error
}

func (e *ResponseError) Error() string {
	return "HTTP request failed"
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// ReadError is returned when reading from the response body fails.
type ReadError struct {
	// Negative code identifying the transport error.
	Code int32
	Err  error
}

func newReadError(err error) *ReadError {
	code := int32(-1)
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = -int32(errno)
	}
	return &ReadError{Code: code, Err: err}
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("HTTP download error 0x%08x", uint32(e.Code))
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError is returned when received bytes cannot be written to the output file.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "failed to write to " + e.Path
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
