//go:build !linux

package kms

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedPlatform is returned by OpenCard outside Linux.
var ErrUnsupportedPlatform = errors.New("kms: DRM nodes are only available on linux")

// OpenCard is only implemented on Linux.
func OpenCard(path string) (Card, error) {
	return nil, fmt.Errorf("open %s on %s: %w", path, runtime.GOOS, ErrUnsupportedPlatform)
}
