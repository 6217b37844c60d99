//go:build !linux && !darwin

package filestorage

import "errors"

func freeSpace(path string) (uint64, error) {
	return 0, errors.New("free space check is not supported on this platform")
}
