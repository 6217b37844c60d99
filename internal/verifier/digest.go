package verifier

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multihash"
)

// ErrInvalidDigest is returned from ParseDigest for malformed input.
var ErrInvalidDigest = errors.New("invalid digest")

// ParseDigest parses an expected package digest.
// It accepts a hex encoded SHA-256 digest or a hex encoded sha2-256 multihash.
// An empty string returns nil, which disables verification.
func ParseDigest(s string) (*[Size]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var d [Size]byte
	if len(s) == 2*Size {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDigest, err)
		}
		copy(d[:], b)
		return &d, nil
	}
	mh, err := multihash.FromHexString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDigest, err)
	}
	dm, err := multihash.Decode(mh)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDigest, err)
	}
	if dm.Code != multihash.SHA2_256 {
		return nil, fmt.Errorf("%w: unsupported hash function %s", ErrInvalidDigest, dm.Name)
	}
	if len(dm.Digest) != Size {
		return nil, fmt.Errorf("%w: truncated sha2-256 digest", ErrInvalidDigest)
	}
	copy(d[:], dm.Digest)
	return &d, nil
}
