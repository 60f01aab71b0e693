//go:build !linux

package export

func kernelRelease() string {
	return ""
}
