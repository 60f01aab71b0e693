package attacher

import (
	"errors"
	"io"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMultiAttacher(t *testing.T) *Attacher {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	a, err := New(log, Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	a.funcs = []*FuncInfo{
		{Name: "vfs_read", Addr: 0x1000},
		{Name: "vfs_write", Addr: 0x1100},
	}
	a.useKprobeMulti = true
	a.coll = &ebpf.Collection{Programs: map[string]*ebpf.Program{}}

	return a
}

func TestAttachKprobeMulti_AddressBased(t *testing.T) {
	a := newMultiAttacher(t)

	var entryCalls []link.KprobeMultiOptions
	a.attachMulti = func(_ *ebpf.Program, opts link.KprobeMultiOptions) (link.Link, error) {
		entryCalls = append(entryCalls, opts)

		return nil, nil
	}

	var exitOpts *link.KprobeMultiOptions
	a.attachRetMulti = func(_ *ebpf.Program, opts link.KprobeMultiOptions) (link.Link, error) {
		exitOpts = &opts

		return nil, nil
	}

	require.NoError(t, a.attachKprobeMulti())

	require.Len(t, entryCalls, 1)
	assert.Equal(t, []uintptr{0x1000, 0x1100}, entryCalls[0].Addresses)
	assert.Empty(t, entryCalls[0].Symbols)
	assert.Equal(t, []uint64{0, 1}, entryCalls[0].Cookies)

	require.NotNil(t, exitOpts)
	assert.Equal(t, []uintptr{0x1000, 0x1100}, exitOpts.Addresses)
	assert.Empty(t, exitOpts.Symbols)
}

func TestAttachKprobeMulti_SymbolFallback(t *testing.T) {
	a := newMultiAttacher(t)

	var entryCalls []link.KprobeMultiOptions
	a.attachMulti = func(_ *ebpf.Program, opts link.KprobeMultiOptions) (link.Link, error) {
		entryCalls = append(entryCalls, opts)

		if len(opts.Addresses) > 0 {
			return nil, errors.New("address-based attach rejected")
		}

		return nil, nil
	}

	var exitOpts *link.KprobeMultiOptions
	a.attachRetMulti = func(_ *ebpf.Program, opts link.KprobeMultiOptions) (link.Link, error) {
		exitOpts = &opts

		return nil, nil
	}

	require.NoError(t, a.attachKprobeMulti())

	// One address attempt, one symbol retry.
	require.Len(t, entryCalls, 2)
	assert.Equal(t, []uintptr{0x1000, 0x1100}, entryCalls[0].Addresses)
	assert.Empty(t, entryCalls[1].Addresses)
	assert.Equal(t, []string{"vfs_read", "vfs_write"}, entryCalls[1].Symbols)
	assert.Equal(t, []uint64{0, 1}, entryCalls[1].Cookies)

	// The return side reuses the variant that worked.
	require.NotNil(t, exitOpts)
	assert.Empty(t, exitOpts.Addresses)
	assert.Equal(t, []string{"vfs_read", "vfs_write"}, exitOpts.Symbols)
	assert.Equal(t, []uint64{0, 1}, exitOpts.Cookies)
}

func TestAttachKprobeMulti_BothRejected(t *testing.T) {
	a := newMultiAttacher(t)

	rejected := errors.New("batch attach rejected")
	a.attachMulti = func(_ *ebpf.Program, _ link.KprobeMultiOptions) (link.Link, error) {
		return nil, rejected
	}

	err := a.attachKprobeMulti()
	require.ErrorIs(t, err, rejected)
}
