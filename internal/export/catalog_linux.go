//go:build linux

package export

import "golang.org/x/sys/unix"

// kernelRelease returns the running kernel release string, e.g.
// "6.8.0-45-generic". Empty on failure.
func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}

	return unix.ByteSliceToString(uts.Release[:])
}
