// Package calib empirically determines which kernel BPF capabilities
// are available. Capability availability does not follow a strict
// version ordering across distributions, so a small diagnostic BPF
// unit is attached to the calibrating process's own execution and its
// observations are read back, rather than trusting version checks.
package calib

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrNoIPExtraction is returned when neither the direct function-IP
// read primitive nor a usable return-address offset could be
// calibrated. Without either, kretprobe results cannot be mapped back
// to the function that fired, so this is unrecoverable.
var ErrNoIPExtraction = errors.New(
	"failed to calibrate kretprobe function IP extraction",
)

// Result is the process-wide capability set, computed once and
// immutable afterwards.
type Result struct {
	// KretIPOffset is the fixed offset from the probed return
	// address that recovers the original call-site IP. Only
	// meaningful when HasGetFuncIP is false.
	KretIPOffset int32

	// HasGetFuncIP reports bpf_get_func_ip() support.
	HasGetFuncIP bool

	// HasFexitSleepFix reports whether the fexit crash on
	// long-sleeping functions has been fixed in this kernel.
	HasFexitSleepFix bool

	// HasFentryProtection reports fentry re-entry protection.
	HasFentryProtection bool

	// HasBpfCookie reports per-probe opaque tag (cookie) support.
	HasBpfCookie bool

	// HasKprobeMulti reports batched multi-function kprobe support.
	HasKprobeMulti bool
}

// Validate checks that the core return-address-extraction mechanism
// was calibrated. Every other capability defaults to "unsupported"
// rather than failing.
func (r *Result) Validate() error {
	if !r.HasGetFuncIP && r.KretIPOffset == 0 {
		return ErrNoIPExtraction
	}

	return nil
}

// Fields returns the result as structured log fields.
func (r *Result) Fields() logrus.Fields {
	return logrus.Fields{
		"kret_ip_off":       r.KretIPOffset,
		"bpf_get_func_ip":   r.HasGetFuncIP,
		"fexit_sleep_fix":   r.HasFexitSleepFix,
		"fentry_protection": r.HasFentryProtection,
		"bpf_cookie":        r.HasBpfCookie,
		"kprobe_multi":      r.HasKprobeMulti,
	}
}
