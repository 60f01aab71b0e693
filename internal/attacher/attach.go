package attacher

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
)

// Attach installs the instrumentation on every catalogued function
// using the selected strategy. Any failure is fatal for the whole
// run: the partially-built link set is left for Close to release, and
// no partial success is reported.
func (a *Attacher) Attach() error {
	if a.opts.DryRun {
		for i, fi := range a.funcs {
			a.log.WithFields(logrus.Fields{
				"index": i,
				"func":  fi.String(),
			}).Debug("Attached (dry run)")
		}

		a.log.WithField("count", len(a.funcs)).
			Info("Attached to kernel functions (dry run)")

		return nil
	}

	if !a.loaded {
		return errors.New("attacher is not loaded")
	}

	var err error

	switch {
	case a.useFentries:
		err = a.attachFentries()
	case a.useKprobeMulti:
		err = a.attachKprobeMulti()
	default:
		err = a.attachKprobes()
	}

	if err != nil {
		return err
	}

	a.attached = true

	a.log.WithFields(logrus.Fields{
		"count":    len(a.funcs),
		"strategy": a.Strategy(),
	}).Info("Attached to kernel functions")

	return nil
}

// attachFentries opens the two per-function program clones as live
// attachments. No name or address is needed: each clone was bound to
// its target at instantiation.
func (a *Attacher) attachFentries() error {
	for i, fi := range a.funcs {
		entry, err := link.AttachTracing(link.TracingOptions{
			Program: fi.fentryProg,
		})
		if err != nil {
			return fmt.Errorf(
				"attaching entry trampoline for function #%d (%s): %w",
				i+1, fi, err,
			)
		}

		fi.fentryLink = entry

		exit, err := link.AttachTracing(link.TracingOptions{
			Program: fi.fexitProg,
		})
		if err != nil {
			return fmt.Errorf(
				"attaching exit trampoline for function #%d (%s): %w",
				i+1, fi, err,
			)
		}

		fi.fexitLink = exit

		a.log.WithFields(logrus.Fields{
			"index": i,
			"func":  fi.String(),
		}).Trace("Attached fentry/fexit pair")
	}

	return nil
}

// attachKprobes installs one generic entry probe and one generic
// return probe per function, carrying the dense function index as the
// probe cookie when the kernel supports it.
func (a *Attacher) attachKprobes() error {
	kentry := a.coll.Programs[progKentry]
	kexit := a.coll.Programs[progKexit]

	for i, fi := range a.funcs {
		opts := &link.KprobeOptions{}
		if a.feats.HasBpfCookie {
			opts.Cookie = uint64(i)
		}

		entry, err := link.Kprobe(fi.Name, kentry, opts)
		if err != nil {
			return fmt.Errorf(
				"attaching kprobe for function #%d (%s): %w",
				i+1, fi, err,
			)
		}

		fi.kentryLink = entry

		exit, err := link.Kretprobe(fi.Name, kexit, opts)
		if err != nil {
			return fmt.Errorf(
				"attaching kretprobe for function #%d (%s): %w",
				i+1, fi, err,
			)
		}

		fi.kexitLink = exit

		a.log.WithFields(logrus.Fields{
			"index": i,
			"func":  fi.String(),
		}).Trace("Attached kprobe pair")
	}

	return nil
}

// multiBatch builds the parallel address, symbol, and cookie arrays
// for a single-call batch attachment across the whole catalog.
func (a *Attacher) multiBatch() (addrs []uintptr, syms []string, cookies []uint64) {
	addrs = make([]uintptr, len(a.funcs))
	syms = make([]string, len(a.funcs))
	cookies = make([]uint64, len(a.funcs))

	for i, fi := range a.funcs {
		addrs[i] = uintptr(fi.Addr)
		syms[i] = fi.Name
		cookies[i] = uint64(i)
	}

	return addrs, syms, cookies
}

// attachKprobeMulti installs instrumentation on the whole catalog
// with one entry-side and one return-side kernel call. The entry side
// is attempted by address first; the kernel is stricter about
// address-based batch attachment, rejecting functions it cannot
// statically verify, while name-based attachment is more permissive.
// If the address attempt is rejected it is retried once by symbol
// before being treated as fatal.
func (a *Attacher) attachKprobeMulti() error {
	addrs, syms, cookies := a.multiBatch()

	opts := link.KprobeMultiOptions{
		Addresses: addrs,
		Cookies:   cookies,
	}

	entry, err := a.attachMulti(a.coll.Programs[progKentry], opts)
	if err != nil {
		a.log.WithError(err).
			Debug("Address-based multi-attach rejected, retrying with symbols")

		opts.Addresses = nil
		opts.Symbols = syms

		entry, err = a.attachMulti(a.coll.Programs[progKentry], opts)
		if err != nil {
			return fmt.Errorf(
				"multi-attaching entry probe to %d functions: %w",
				len(a.funcs), err,
			)
		}
	}

	a.kentryMultiLink = entry

	// The return side reuses whichever addressing variant worked.
	exit, err := a.attachRetMulti(a.coll.Programs[progKexit], opts)
	if err != nil {
		return fmt.Errorf(
			"multi-attaching return probe to %d functions: %w",
			len(a.funcs), err,
		)
	}

	a.kexitMultiLink = exit

	return nil
}
