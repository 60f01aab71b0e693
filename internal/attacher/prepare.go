package attacher

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/kfuncsnoop/internal/calib"
	"github.com/ethpandaops/kfuncsnoop/internal/rlimit"
)

// ErrNoFunctions is returned by Prepare when no function survived
// filtering; there is nothing to instrument.
var ErrNoFunctions = errors.New("no matching functions found")

// errMaxFuncsReached stops the catalog walk once the configured cap
// is hit. A hard cap, not a per-function filter.
var errMaxFuncsReached = errors.New("maximum function count reached")

// enforcedDenyGlobs are always registered: functions the probes
// themselves call (recursion) and low-level functions that must not
// be interrupted.
var enforcedDenyGlobs = []string{
	// used for recursion protection
	"bpf_get_smp_processor_id",

	// low-level delicate functions
	"migrate_enable",
	"migrate_disable",
	"rcu_read_lock*",
	"rcu_read_unlock*",
	"bpf_spin_lock",
	"bpf_spin_unlock",
	"__bpf_prog_enter*",
	"__bpf_prog_exit*",
	"__bpf_tramp_enter*",
	"__bpf_tramp_exit*",
	"update_prog_stats",
	"inc_misses_counter",
	"bpf_prog_start_time",
}

// sleepableDenyGlobs are syscalls that can sleep indefinitely. On
// kernels without the fexit sleep fix, exit trampolines on them can
// crash the machine, so they are denied in fentry mode.
var sleepableDenyGlobs = []string{
	"*_sys_select",
	"*_sys_pselect6*",
	"*_sys_epoll_wait",
	"*_sys_epoll_pwait",
	"*_sys_poll*",
	"*_sys_ppoll*",
	"*_sys_nanosleep*",
	"*_sys_clock_nanosleep*",
}

// selectKprobeMulti decides whether batched multi-function probing is
// used: only when the kernel supports it, fentry mode was not
// requested, and single-probe mode was not forced.
func selectKprobeMulti(mode AttachMode, feats *calib.Result) bool {
	return mode != ModeFentry &&
		mode != ModeKprobeSingle &&
		feats.HasKprobeMulti
}

func (a *Attacher) bumpRlimits() error {
	if err := rlimit.MaximizeMemlock(); err != nil {
		return fmt.Errorf("raising memlock limit: %w", err)
	}

	nofile := a.opts.MaxOpenFiles
	if nofile == 0 {
		nofile = defaultOpenFileLimit
	}

	if err := rlimit.SetOpenFileLimit(nofile); err != nil {
		return fmt.Errorf("raising open file limit: %w", err)
	}

	return nil
}

// Prepare runs calibration, selects the attach strategy, and builds
// the function catalog. It must be called before Load.
func (a *Attacher) Prepare() error {
	var err error

	if a.syms, err = a.loadKsyms(); err != nil {
		return fmt.Errorf("loading kernel symbols: %w", err)
	}

	if err = a.raiseLimits(); err != nil {
		return err
	}

	if a.feats, err = a.calibrate(a.log); err != nil {
		return fmt.Errorf("calibrating kernel features: %w", err)
	}

	a.useFentries = a.opts.Mode == ModeFentry
	a.useKprobeMulti = selectKprobeMulti(a.opts.Mode, a.feats)

	if a.useFentries && !a.feats.HasFexitSleepFix {
		for _, g := range sleepableDenyGlobs {
			if err := a.rules.Deny(g, ""); err != nil {
				return fmt.Errorf(
					"registering sleepable deny glob %q: %w", g, err,
				)
			}
		}
	}

	if a.kcat, err = a.loadKprobes(a.log); err != nil {
		return fmt.Errorf("loading available kprobes: %w", err)
	}

	if a.kernelBTF, err = a.loadKernelBTF(); err != nil {
		return fmt.Errorf("loading kernel BTF: %w", err)
	}

	if err := a.buildCatalog(); err != nil {
		return err
	}

	if len(a.funcs) == 0 {
		return ErrNoFunctions
	}

	a.logCatalogSummary()

	a.prepared = true

	return nil
}

// buildCatalog walks the kernel type catalog in order and, in the
// probe-based strategies, makes a second pass over probe-eligible
// symbols the type catalog never described (e.g. assembly routines).
func (a *Attacher) buildCatalog() error {
	capped := false

	iter := a.kernelBTF.Iterate()
	for iter.Next() {
		fn, ok := iter.Type.(*btf.Func)
		if !ok {
			continue
		}

		id, err := a.kernelBTF.TypeID(fn)
		if err != nil {
			return fmt.Errorf(
				"resolving BTF id for %s: %w", fn.Name, err,
			)
		}

		if err := a.prepareFunc(fn.Name, fn, id); err != nil {
			if errors.Is(err, errMaxFuncsReached) {
				capped = true

				break
			}

			return err
		}
	}

	if a.useFentries || capped {
		if capped {
			a.log.WithField("max_funcs", a.opts.MaxFuncCount).
				Info("Maximum function count reached, stopping discovery")
		}

		return nil
	}

	for _, name := range a.kcat.Unused() {
		if err := a.prepareFunc(name, nil, 0); err != nil {
			if errors.Is(err, errMaxFuncsReached) {
				a.log.WithField("max_funcs", a.opts.MaxFuncCount).
					Info("Maximum function count reached, stopping discovery")

				return nil
			}

			return err
		}
	}

	return nil
}

// prepareFunc applies the per-function filter chain and appends the
// function to the catalog with the next dense index. fn is nil for
// probe-eligible symbols without type information.
func (a *Attacher) prepareFunc(name string, fn *btf.Func, id btf.TypeID) error {
	sym, ok := a.syms.Lookup(name)
	if !ok {
		// The type catalog can describe functions not actually
		// linked into the running kernel.
		a.log.WithField("func", name).
			Trace("Function not found in kallsyms, skipping")
		a.skipped++

		return nil
	}

	if r := a.rules.DeniedBy(name, sym.Module); r != nil {
		a.log.WithFields(logrus.Fields{
			"func": name,
			"glob": r.String(),
		}).Trace("Function denied, skipping")
		a.skipped++

		return nil
	}

	if a.rules.HasAllowRules() {
		if r := a.rules.AllowedBy(name, sym.Module); r == nil {
			a.log.WithField("func", name).
				Trace("Function matches no allow glob, skipping")
			a.skipped++

			return nil
		}
	}

	ki := a.kcat.Lookup(name)
	if ki < 0 {
		a.log.WithField("func", name).
			Trace("Function is not an attachable kprobe, skipping")
		a.skipped++

		return nil
	}

	a.kcat.MarkUsed(ki)

	if a.useFentries && !isTraceable(fn) {
		a.log.WithField("func", name).
			Debug("Function prototype incompatible with fentry/fexit, skipping")
		a.skipped++

		return nil
	}

	if a.opts.Filter != nil &&
		!a.opts.Filter(name, sym.Module, len(a.funcs)) {
		a.log.WithField("func", name).
			Debug("Function vetoed by custom filter, skipping")
		a.skipped++

		return nil
	}

	if a.opts.MaxFuncCount > 0 && len(a.funcs) >= a.opts.MaxFuncCount {
		return errMaxFuncsReached
	}

	fi := &FuncInfo{
		Name:     name,
		Module:   sym.Module,
		Addr:     sym.Addr,
		Size:     sym.Size,
		ArgCount: funcArgCount(fn),
		BTFID:    id,
		RetVoid:  isRetVoid(fn),
	}

	if a.useFentries {
		a.argCountTotals[fi.ArgCount]++
	}

	a.funcs = append(a.funcs, fi)

	a.log.WithFields(logrus.Fields{
		"func": fi.String(),
		"addr": fmt.Sprintf("%#x", fi.Addr),
	}).Trace("Discovered attachable function")

	return nil
}

func (a *Attacher) logCatalogSummary() {
	a.log.WithFields(logrus.Fields{
		"found":    len(a.funcs),
		"skipped":  a.skipped,
		"strategy": a.Strategy(),
	}).Info("Function discovery complete")

	for _, r := range a.rules.DenyRules() {
		a.log.WithFields(logrus.Fields{
			"glob":    r.String(),
			"matches": r.Matches,
		}).Debug("Deny glob matches")
	}

	for _, r := range a.rules.AllowRules() {
		a.log.WithFields(logrus.Fields{
			"glob":    r.String(),
			"matches": r.Matches,
		}).Debug("Allow glob matches")
	}

	if a.useFentries {
		for argc, cnt := range a.argCountTotals {
			if cnt > 0 {
				a.log.WithFields(logrus.Fields{
					"args":  argc,
					"count": cnt,
				}).Debug("Functions by argument count")
			}
		}
	}
}
