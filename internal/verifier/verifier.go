// Package verifier hashes a package stream incrementally and checks the result against an expected digest.
package verifier

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

// Size of a SHA-256 digest.
const Size = sha256.Size

// RecordSize is the length of the serialized Accumulator.
// It is constant for the lifetime of the program.
var RecordSize = 8 + len(marshalState(sha256.New()))

var (
	// ErrMismatch is wrapped by MismatchError.
	ErrMismatch = errors.New("digest mismatch")
	// ErrInvalidRecord is returned when a serialized Accumulator cannot be restored.
	ErrInvalidRecord = errors.New("invalid resume record")
)

// MismatchError is returned from Verify when the computed digest differs from the expected one.
type MismatchError struct {
	Expected [Size]byte
	Actual   [Size]byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("pkg integrity failed, try downloading again (expected %x, got %x)", e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// Accumulator is a running SHA-256 over every byte of a package from offset 0.
// It also counts the bytes it has consumed so that a restored Accumulator can be
// checked against the partial file on disk.
type Accumulator struct {
	hash hash.Hash
	n    int64
}

// New returns an Accumulator that has not consumed any bytes.
func New() *Accumulator {
	return &Accumulator{hash: sha256.New()}
}

// Write feeds p to the hash. Chunks must be written in stream order.
func (a *Accumulator) Write(p []byte) (int, error) {
	n, err := a.hash.Write(p)
	a.n += int64(n)
	return n, err
}

// Len returns the number of bytes consumed so far.
func (a *Accumulator) Len() int64 {
	return a.n
}

// Reset discards all consumed bytes.
func (a *Accumulator) Reset() {
	a.hash.Reset()
	a.n = 0
}

// Sum returns the digest of the bytes consumed so far. It does not change the state.
func (a *Accumulator) Sum() [Size]byte {
	var d [Size]byte
	copy(d[:], a.hash.Sum(nil))
	return d
}

// Verify compares the digest with expected.
// A nil expected digest means verification is not wanted and always succeeds.
func (a *Accumulator) Verify(expected *[Size]byte) error {
	if expected == nil {
		return nil
	}
	actual := a.Sum()
	if actual != *expected {
		return &MismatchError{Expected: *expected, Actual: actual}
	}
	return nil
}

// MarshalBinary returns the fixed-size serialized form of the Accumulator.
func (a *Accumulator) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8, RecordSize)
	binary.BigEndian.PutUint64(b, uint64(a.n))
	return append(b, marshalState(a.hash)...), nil
}

// UnmarshalBinary restores the Accumulator from data produced by MarshalBinary.
func (a *Accumulator) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return ErrInvalidRecord
	}
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(b[8:]); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, err)
	}
	n := binary.BigEndian.Uint64(b[:8])
	if n > 1<<62 {
		return ErrInvalidRecord
	}
	a.hash = h
	a.n = int64(n)
	return nil
}

func marshalState(h hash.Hash) []byte {
	b, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err) // sha256 state is always marshalable
	}
	return b
}
