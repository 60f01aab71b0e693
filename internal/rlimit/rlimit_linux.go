//go:build linux

// Package rlimit raises the process resource limits that large-scale
// BPF attachment depends on.
package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaximizeMemlock raises RLIMIT_MEMLOCK to infinity so the BPF
// subsystem can lock as much memory as it needs. Kernels before the
// memcg-based accounting switch reject program loads without this.
func MaximizeMemlock() error {
	limit := unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		return fmt.Errorf("setting RLIMIT_MEMLOCK: %w", err)
	}

	return nil
}

// SetOpenFileLimit raises RLIMIT_NOFILE to n. Per-function program
// and link file descriptors can number in the tens of thousands.
func SetOpenFileLimit(n uint64) error {
	limit := unix.Rlimit{
		Cur: n,
		Max: n,
	}

	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("setting RLIMIT_NOFILE to %d: %w", n, err)
	}

	return nil
}
