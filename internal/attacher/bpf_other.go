//go:build !linux

package attacher

import (
	"errors"

	"github.com/cilium/ebpf"
)

func loadInstrumentationSpec() (*ebpf.CollectionSpec, error) {
	return nil, errors.New("BPF instrumentation requires Linux")
}
