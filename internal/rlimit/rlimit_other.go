//go:build !linux

package rlimit

import "errors"

var errUnsupported = errors.New("resource limits require Linux")

// MaximizeMemlock is a stub on non-Linux platforms.
func MaximizeMemlock() error {
	return errUnsupported
}

// SetOpenFileLimit is a stub on non-Linux platforms.
func SetOpenFileLimit(_ uint64) error {
	return errUnsupported
}
