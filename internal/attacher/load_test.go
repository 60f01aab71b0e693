package attacher

import (
	"io"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateProgSpec(name string) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:       name,
		Type:       ebpf.Tracing,
		AttachType: ebpf.AttachTraceFEntry,
		Instructions: asm.Instructions{
			asm.LoadMapPtr(asm.R1, 0).WithReference(mapIPToID),
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
		},
		License: "GPL",
	}
}

// instrumentationSpecFixture mirrors the shape of the generated
// collection spec: the two generic probes, the full template grid,
// the address index map, and a global data section.
func instrumentationSpecFixture() *ebpf.CollectionSpec {
	progs := map[string]*ebpf.ProgramSpec{
		progKentry: templateProgSpec(progKentry),
		progKexit:  templateProgSpec(progKexit),
	}

	for argc := 0; argc <= MaxArgCount; argc++ {
		for _, name := range []string{
			fentryProgName(argc),
			fexitProgName(argc),
			fexitVoidProgName(argc),
		} {
			progs[name] = templateProgSpec(name)
		}
	}

	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			mapIPToID: {
				Name:       mapIPToID,
				Type:       ebpf.Hash,
				KeySize:    8,
				ValueSize:  4,
				MaxEntries: 1,
			},
			".bss": {
				Name:       ".bss",
				Type:       ebpf.Array,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 1,
			},
		},
		Programs: progs,
	}
}

func newBareAttacher(t *testing.T) *Attacher {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	a, err := New(log, Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return a
}

func TestExtractTemplates(t *testing.T) {
	a := newBareAttacher(t)

	spec := instrumentationSpecFixture()
	require.NoError(t, a.extractTemplates(spec))

	// Every per-argument-count variant moved into the template spec.
	assert.Len(t, a.templateSpec.Programs, (MaxArgCount+1)*3)

	// Nothing fentry-mode leaves for the collection loader.
	assert.Empty(t, spec.Programs)

	// The map section survives in the template spec so clone loads
	// can resolve their map references against the live maps.
	assert.Contains(t, a.templateSpec.Maps, mapIPToID)
	assert.Contains(t, a.templateSpec.Maps, ".bss")
}

func TestExtractTemplates_MissingVariant(t *testing.T) {
	a := newBareAttacher(t)

	spec := instrumentationSpecFixture()
	delete(spec.Programs, fexitVoidProgName(4))

	require.Error(t, a.extractTemplates(spec))
}

func TestTemplateFor(t *testing.T) {
	a := newBareAttacher(t)
	require.NoError(t, a.extractTemplates(instrumentationSpecFixture()))

	cs, err := a.templateFor(
		fentryProgName(4), &FuncInfo{Name: "vfs_read", ArgCount: 4},
	)
	require.NoError(t, err)

	require.Len(t, cs.Programs, 1)

	ps := cs.Programs[fentryProgName(4)]
	require.NotNil(t, ps)
	assert.Equal(t, "vfs_read", ps.AttachTo)

	// The clone spec still carries the symbolic map reference and the
	// map spec that satisfies it.
	var refs []string

	for _, ins := range ps.Instructions {
		if ref := ins.Reference(); ref != "" {
			refs = append(refs, ref)
		}
	}

	assert.Contains(t, refs, mapIPToID)
	assert.Contains(t, cs.Maps, mapIPToID)

	// The shared template spec is untouched.
	assert.Empty(t, a.templateSpec.Programs[fentryProgName(4)].AttachTo)
	assert.Len(t, a.templateSpec.Programs, (MaxArgCount+1)*3)

	// A second clone of the same template binds independently.
	cs2, err := a.templateFor(
		fentryProgName(4), &FuncInfo{Name: "vfs_write", ArgCount: 4},
	)
	require.NoError(t, err)
	assert.Equal(t, "vfs_write", cs2.Programs[fentryProgName(4)].AttachTo)
	assert.Equal(t, "vfs_read", ps.AttachTo)
}

func TestTemplateFor_UnknownTemplate(t *testing.T) {
	a := newBareAttacher(t)
	require.NoError(t, a.extractTemplates(instrumentationSpecFixture()))

	_, err := a.templateFor("fentry9", &FuncInfo{Name: "vfs_read"})
	require.Error(t, err)
}
