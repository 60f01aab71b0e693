//go:build linux

package calib

import (
	"fmt"
	"runtime"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// settleTime is how long the calibrating thread yields the CPU after
// firing the trigger syscall, so both diagnostic probes have run
// before their results are read. A fixed, bounded wait.
const settleTime = time.Millisecond

// triggerSymbols are possible kallsyms names of the getpgid syscall
// entry point across architectures and kernel versions. getpgid is
// used because it is cheap, always present, and side-effect free.
var triggerSymbols = []string{
	"__x64_sys_getpgid",
	"__arm64_sys_getpgid",
	"__se_sys_getpgid",
	"sys_getpgid",
}

// Run loads the diagnostic BPF unit, attaches it to this thread's own
// execution of a no-op syscall, and reads back the capability set.
func Run(log logrus.FieldLogger) (*Result, error) {
	log = log.WithField("component", "calib")

	spec, err := loadCalib()
	if err != nil {
		return nil, fmt.Errorf("loading calibration BPF spec: %w", err)
	}

	var objs calibObjects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading calibration BPF objects: %w", err)
	}
	defer objs.Close()

	// The diagnostic probes only record observations for our own
	// thread, so the TID must be published before attaching and the
	// trigger syscall must come from the same OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := objs.MyTid.Set(uint32(unix.Gettid())); err != nil {
		return nil, fmt.Errorf("publishing calibration TID: %w", err)
	}

	entry, exit, err := attachTrigger(&objs)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	defer exit.Close()

	_, _ = unix.Getpgid(0)
	time.Sleep(settleTime)

	res, err := readResult(&objs)
	if err != nil {
		return nil, err
	}

	if err := res.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(res.Fields()).Debug("Feature calibration results")

	return res, nil
}

// attachTrigger installs the diagnostic entry and return probes on
// the first trigger symbol the kernel accepts.
func attachTrigger(objs *calibObjects) (link.Link, link.Link, error) {
	var lastErr error

	for _, sym := range triggerSymbols {
		entry, err := link.Kprobe(sym, objs.CalibEntry, nil)
		if err != nil {
			lastErr = err

			continue
		}

		exit, err := link.Kretprobe(sym, objs.CalibExit, nil)
		if err != nil {
			entry.Close()

			return nil, nil, fmt.Errorf(
				"attaching calibration kretprobe to %s: %w", sym, err,
			)
		}

		return entry, exit, nil
	}

	return nil, nil, fmt.Errorf(
		"attaching calibration kprobe: no trigger symbol accepted: %w",
		lastErr,
	)
}

func readResult(objs *calibObjects) (*Result, error) {
	res := &Result{}

	for _, v := range []struct {
		name string
		get  func() error
	}{
		{"kret_ip_off", func() error { return objs.KretIpOff.Get(&res.KretIPOffset) }},
		{"has_bpf_get_func_ip", func() error { return objs.HasBpfGetFuncIp.Get(&res.HasGetFuncIP) }},
		{"has_fexit_sleep_fix", func() error { return objs.HasFexitSleepFix.Get(&res.HasFexitSleepFix) }},
		{"has_fentry_protection", func() error { return objs.HasFentryProtection.Get(&res.HasFentryProtection) }},
		{"has_bpf_cookie", func() error { return objs.HasBpfCookie.Get(&res.HasBpfCookie) }},
		{"has_kprobe_multi", func() error { return objs.HasKprobeMulti.Get(&res.HasKprobeMulti) }},
	} {
		if err := v.get(); err != nil {
			return nil, fmt.Errorf("reading calibration result %s: %w", v.name, err)
		}
	}

	return res, nil
}
