// Package attacher implements mass attachment of entry/exit
// instrumentation to kernel functions. It discovers every function
// the kernel exposes through BTF, filters the set by user globs,
// calibrates which BPF capabilities the running kernel actually
// supports, and installs probes at scale with full rollback on any
// failure.
package attacher

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/kfuncsnoop/internal/calib"
	"github.com/ethpandaops/kfuncsnoop/internal/filter"
	"github.com/ethpandaops/kfuncsnoop/internal/kprobes"
	"github.com/ethpandaops/kfuncsnoop/internal/ksyms"
)

// MaxArgCount is the highest argument count fentry/fexit programs
// support; one program template exists per count from 0 to this.
const MaxArgCount = 6

// defaultOpenFileLimit is requested for RLIMIT_NOFILE when the
// configuration does not override it. Per-function programs and links
// each hold a file descriptor.
const defaultOpenFileLimit = 300000

// AttachMode selects the low-level instrumentation mechanism.
type AttachMode int

const (
	// ModeAuto uses generic kprobes, batched via kprobe-multi when
	// the kernel supports it.
	ModeAuto AttachMode = iota

	// ModeFentry uses fentry/fexit trampolines compiled against each
	// target function's exact signature.
	ModeFentry

	// ModeKprobeSingle forces one attach call per function even when
	// batched attachment is available.
	ModeKprobeSingle
)

// ParseAttachMode parses the configuration form of an attach mode.
func ParseAttachMode(s string) (AttachMode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "fentry":
		return ModeFentry, nil
	case "kprobe-single":
		return ModeKprobeSingle, nil
	default:
		return ModeAuto, fmt.Errorf("unknown attach mode %q", s)
	}
}

// String returns the configuration form of the mode.
func (m AttachMode) String() string {
	switch m {
	case ModeFentry:
		return "fentry"
	case ModeKprobeSingle:
		return "kprobe-single"
	default:
		return "auto"
	}
}

// FuncFilter is a caller-supplied veto predicate. It receives the
// candidate's name, module (empty for built-in), and the dense index
// it would be assigned; returning false skips the function.
type FuncFilter func(name, module string, index int) bool

// Options configures an Attacher.
type Options struct {
	// MaxFuncCount caps the number of functions instrumented.
	// 0 means unlimited.
	MaxFuncCount int

	// MaxOpenFiles is the RLIMIT_NOFILE value to request.
	// 0 uses the default.
	MaxOpenFiles uint64

	// Mode selects the attach mechanism.
	Mode AttachMode

	// Filter, when set, can veto individual functions.
	Filter FuncFilter

	// DryRun exercises every decision path without loading or
	// attaching anything in the kernel.
	DryRun bool
}

// FuncInfo is one function accepted into the working set. Its dense
// index in the catalog identifies it for the whole run and is the
// value carried by probe cookies.
type FuncInfo struct {
	Name     string
	Module   string
	Addr     uint64
	Size     uint64
	ArgCount int
	BTFID    btf.TypeID
	RetVoid  bool

	fentryProg *ebpf.Program
	fexitProg  *ebpf.Program
	fentryLink link.Link
	fexitLink  link.Link
	kentryLink link.Link
	kexitLink  link.Link
}

// String returns the function in "name [module]" form.
func (fi *FuncInfo) String() string {
	if fi.Module != "" {
		return fmt.Sprintf("%s [%s]", fi.Name, fi.Module)
	}

	return fi.Name
}

// Attacher owns the full attach pipeline and every kernel handle it
// creates. It is single-threaded: each phase (Prepare, Load, Attach,
// Activate) runs to completion before the next begins, and Close is
// safe to call at any phase boundary, including immediately after
// New.
type Attacher struct {
	log  logrus.FieldLogger
	opts Options

	rules *filter.Set

	// Collaborators, overridable in tests.
	loadKsyms      func() (*ksyms.Table, error)
	loadKprobes    func(logrus.FieldLogger) (*kprobes.Catalog, error)
	calibrate      func(logrus.FieldLogger) (*calib.Result, error)
	loadKernelBTF  func() (*btf.Spec, error)
	raiseLimits    func() error
	attachMulti    func(*ebpf.Program, link.KprobeMultiOptions) (link.Link, error)
	attachRetMulti func(*ebpf.Program, link.KprobeMultiOptions) (link.Link, error)

	syms      *ksyms.Table
	kcat      *kprobes.Catalog
	feats     *calib.Result
	kernelBTF *btf.Spec

	useFentries    bool
	useKprobeMulti bool

	coll         *ebpf.Collection
	templateSpec *ebpf.CollectionSpec

	kentryMultiLink link.Link
	kexitMultiLink  link.Link

	funcs          []*FuncInfo
	skipped        int
	argCountTotals [MaxArgCount + 1]int

	prepared bool
	loaded   bool
	attached bool
	closed   bool
}

// New creates an Attacher and registers the enforced deny globs.
func New(log logrus.FieldLogger, opts Options) (*Attacher, error) {
	a := &Attacher{
		log:   log.WithField("component", "attacher"),
		opts:  opts,
		rules: filter.NewSet(),

		loadKsyms:      ksyms.Load,
		loadKprobes:    kprobes.Load,
		calibrate:      calib.Run,
		loadKernelBTF:  btf.LoadKernelSpec,
		attachMulti:    link.KprobeMulti,
		attachRetMulti: link.KretprobeMulti,
	}
	a.raiseLimits = a.bumpRlimits

	for _, g := range enforcedDenyGlobs {
		if err := a.rules.Deny(g, ""); err != nil {
			return nil, fmt.Errorf(
				"registering enforced deny glob %q: %w", g, err,
			)
		}
	}

	return a, nil
}

// AllowGlob registers an allow rule for function cataloguing. An
// empty module pattern matches any module, including none.
func (a *Attacher) AllowGlob(pattern, modPattern string) error {
	return a.rules.Allow(pattern, modPattern)
}

// DenyGlob registers a deny rule. Deny rules are evaluated before
// allow rules and unconditionally win.
func (a *Attacher) DenyGlob(pattern, modPattern string) error {
	return a.rules.Deny(pattern, modPattern)
}

// AllowRules returns the registered allow rules with their match
// counters. Counters are populated by Prepare.
func (a *Attacher) AllowRules() []*filter.Rule {
	return a.rules.AllowRules()
}

// DenyRules returns the registered deny rules, including the
// enforced ones, with their match counters.
func (a *Attacher) DenyRules() []*filter.Rule {
	return a.rules.DenyRules()
}

// FuncCount returns the number of catalogued functions.
func (a *Attacher) FuncCount() int {
	return len(a.funcs)
}

// Func returns the catalogued function at dense index i, or nil.
func (a *Attacher) Func(i int) *FuncInfo {
	if i < 0 || i >= len(a.funcs) {
		return nil
	}

	return a.funcs[i]
}

// SkippedCount returns how many candidates were skipped during
// cataloguing.
func (a *Attacher) SkippedCount() int {
	return a.skipped
}

// Features returns the calibration result. Valid after Prepare.
func (a *Attacher) Features() *calib.Result {
	return a.feats
}

// Strategy returns the selected attach strategy name. Valid after
// Prepare.
func (a *Attacher) Strategy() string {
	switch {
	case a.useFentries:
		return "fentry"
	case a.useKprobeMulti:
		return "kprobe-multi"
	default:
		return "kprobe"
	}
}

// Activate flips the shared readiness flag so the attached programs
// begin recording. No-op in dry-run mode.
func (a *Attacher) Activate() error {
	if a.coll == nil {
		return nil
	}

	if err := a.coll.Variables["ready"].Set(true); err != nil {
		return fmt.Errorf("activating instrumentation: %w", err)
	}

	return nil
}

// Close releases every kernel handle the attacher acquired, in
// reverse dependency order: attachment links first, then programs,
// then the loaded objects. It is idempotent and safe from any
// reachable state, including partial construction.
func (a *Attacher) Close() {
	if a.closed {
		return
	}

	a.closed = true

	// Stop recording before tearing anything down.
	if a.coll != nil {
		if v := a.coll.Variables["ready"]; v != nil {
			_ = v.Set(false)
		}
	}

	if a.kentryMultiLink != nil {
		a.kentryMultiLink.Close()
		a.kentryMultiLink = nil
	}

	if a.kexitMultiLink != nil {
		a.kexitMultiLink.Close()
		a.kexitMultiLink = nil
	}

	for _, fi := range a.funcs {
		for _, l := range []link.Link{
			fi.fentryLink, fi.fexitLink, fi.kentryLink, fi.kexitLink,
		} {
			if l != nil {
				l.Close()
			}
		}

		if fi.fentryProg != nil {
			fi.fentryProg.Close()
		}

		if fi.fexitProg != nil {
			fi.fexitProg.Close()
		}
	}

	if a.coll != nil {
		a.coll.Close()
		a.coll = nil
	}
}
