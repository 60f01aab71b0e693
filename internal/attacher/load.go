package attacher

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

const (
	progKentry = "kentry"
	progKexit  = "kexit"

	mapIPToID = "ip_to_id"
)

func fentryProgName(argc int) string {
	return fmt.Sprintf("fentry%d", argc)
}

func fexitProgName(argc int) string {
	return fmt.Sprintf("fexit%d", argc)
}

func fexitVoidProgName(argc int) string {
	return fmt.Sprintf("fexit_void%d", argc)
}

// Load instantiates the BPF objects for the selected strategy. In
// fentry mode every catalogued function gets its own clone of the
// matching entry and exit program templates; a single template cannot
// be attached to more than one target concurrently on the kernels
// this has to support. Any failure leaves cleanup to Close.
func (a *Attacher) Load() error {
	if !a.prepared {
		return errors.New("attacher is not prepared")
	}

	if a.opts.DryRun {
		a.log.Info("Dry run: skipping BPF object loading")

		return nil
	}

	spec, err := loadInstrumentationSpec()
	if err != nil {
		return fmt.Errorf("loading BPF spec: %w", err)
	}

	if err := a.configureSpec(spec); err != nil {
		return err
	}

	a.coll, err = ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading BPF objects: %w", err)
	}

	if err := a.populateIPIndex(); err != nil {
		return err
	}

	if a.useFentries {
		a.log.WithField("count", len(a.funcs)*2).
			Debug("Instantiating per-function BPF programs")

		if err := a.instantiatePrograms(); err != nil {
			return err
		}
	}

	a.loaded = true

	return nil
}

// configureSpec applies the calibration results and strategy decision
// to the collection spec before loading: constants are rewritten, the
// address-to-index map is sized, and programs that the strategy will
// not use are removed so the kernel never sees them.
func (a *Attacher) configureSpec(spec *ebpf.CollectionSpec) error {
	consts := map[string]any{
		"kret_ip_off":           a.feats.KretIPOffset,
		"has_bpf_get_func_ip":   a.feats.HasGetFuncIP,
		"has_fentry_protection": a.feats.HasFentryProtection,
		"has_bpf_cookie":        a.feats.HasBpfCookie,
	}

	for name, val := range consts {
		v, ok := spec.Variables[name]
		if !ok {
			return fmt.Errorf("BPF spec has no %s variable", name)
		}

		if err := v.Set(val); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}

	// The address-to-index map is only consulted when the probe
	// cannot carry the function index itself: fentry programs, or
	// kprobes without cookie support. Otherwise it collapses to a
	// single trivial entry.
	m, ok := spec.Maps[mapIPToID]
	if !ok {
		return fmt.Errorf("BPF spec has no %s map", mapIPToID)
	}

	if a.useFentries || !a.feats.HasBpfCookie {
		m.MaxEntries = uint32(len(a.funcs))
	} else {
		m.MaxEntries = 1
	}

	if a.useFentries {
		return a.extractTemplates(spec)
	}

	for argc := 0; argc <= MaxArgCount; argc++ {
		delete(spec.Programs, fentryProgName(argc))
		delete(spec.Programs, fexitProgName(argc))
		delete(spec.Programs, fexitVoidProgName(argc))
	}

	if a.useKprobeMulti {
		for _, name := range []string{progKentry, progKexit} {
			p, ok := spec.Programs[name]
			if !ok {
				return fmt.Errorf("BPF spec has no %s program", name)
			}

			p.AttachType = ebpf.AttachTraceKprobeMulti
		}
	}

	return nil
}

// extractTemplates splits the per-argument-count program templates
// into their own collection spec and validates that every required
// variant exists. The template spec keeps the full map section:
// clones are loaded against it later with every map replaced by the
// live collection's, so their map references resolve and they share
// the loaded state.
func (a *Attacher) extractTemplates(spec *ebpf.CollectionSpec) error {
	wanted := make(map[string]struct{}, (MaxArgCount+1)*3)

	for argc := 0; argc <= MaxArgCount; argc++ {
		for _, name := range []string{
			fentryProgName(argc),
			fexitProgName(argc),
			fexitVoidProgName(argc),
		} {
			if _, ok := spec.Programs[name]; !ok {
				return fmt.Errorf("BPF spec has no %s template", name)
			}

			wanted[name] = struct{}{}
		}
	}

	tmpl := spec.Copy()
	for name := range tmpl.Programs {
		if _, ok := wanted[name]; !ok {
			delete(tmpl.Programs, name)
		}
	}

	a.templateSpec = tmpl

	for name := range wanted {
		delete(spec.Programs, name)
	}

	// Generic probes are unused in fentry mode.
	delete(spec.Programs, progKentry)
	delete(spec.Programs, progKexit)

	return nil
}

func (a *Attacher) populateIPIndex() error {
	if !a.useFentries && a.feats.HasBpfCookie {
		return nil
	}

	m := a.coll.Maps[mapIPToID]

	for i, fi := range a.funcs {
		if err := m.Put(fi.Addr, uint32(i)); err != nil {
			return fmt.Errorf(
				"adding %#x -> %q index entry: %w", fi.Addr, fi.Name, err,
			)
		}
	}

	return nil
}

// instantiatePrograms clones the entry and exit templates for every
// catalogued function, binding each clone to its target through the
// function's BTF identity. A clone failure aborts the whole run;
// partial fentry instrumentation is not a supported state.
func (a *Attacher) instantiatePrograms() error {
	for _, fi := range a.funcs {
		entry, err := a.cloneProgram(fentryProgName(fi.ArgCount), fi)
		if err != nil {
			return fmt.Errorf(
				"instantiating entry program for %s: %w", fi, err,
			)
		}

		fi.fentryProg = entry

		exitName := fexitProgName(fi.ArgCount)
		if fi.RetVoid {
			exitName = fexitVoidProgName(fi.ArgCount)
		}

		exit, err := a.cloneProgram(exitName, fi)
		if err != nil {
			return fmt.Errorf(
				"instantiating exit program for %s: %w", fi, err,
			)
		}

		fi.fexitProg = exit
	}

	return nil
}

// templateFor builds a single-program collection spec for one clone,
// bound to its target function through the BTF attach name. The
// shared template spec is never mutated.
func (a *Attacher) templateFor(template string, fi *FuncInfo) (*ebpf.CollectionSpec, error) {
	cs := a.templateSpec.Copy()

	ps, ok := cs.Programs[template]
	if !ok {
		return nil, fmt.Errorf("no %s template", template)
	}

	for name := range cs.Programs {
		if name != template {
			delete(cs.Programs, name)
		}
	}

	ps.AttachTo = fi.Name

	return cs, nil
}

// cloneProgram loads one template clone. The clone cannot be loaded
// standalone: its instructions reference maps by name, and those
// references only resolve through a collection load. Replacing every
// map with the live collection's also makes the clone observe the
// shared readiness flag and address index.
func (a *Attacher) cloneProgram(template string, fi *FuncInfo) (*ebpf.Program, error) {
	cs, err := a.templateFor(template, fi)
	if err != nil {
		return nil, err
	}

	repl := make(map[string]*ebpf.Map, len(cs.Maps))

	for name, m := range a.coll.Maps {
		if _, ok := cs.Maps[name]; ok {
			repl[name] = m
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(cs, ebpf.CollectionOptions{
		MapReplacements: repl,
	})
	if err != nil {
		return nil, err
	}

	prog := coll.Programs[template]

	// Keep the program alive past the collection teardown.
	delete(coll.Programs, template)
	coll.Close()

	return prog, nil
}
