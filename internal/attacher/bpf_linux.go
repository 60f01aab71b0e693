//go:build linux

package attacher

import "github.com/cilium/ebpf"

// loadInstrumentationSpec returns the generated collection spec for
// the instrumentation unit.
func loadInstrumentationSpec() (*ebpf.CollectionSpec, error) {
	return loadKfuncsnoop()
}
