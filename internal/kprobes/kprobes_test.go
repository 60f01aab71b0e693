package kprobes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleList = `vfs_write
vfs_read
__ftrace_invalid_address___123
xfs_vfs_read [xfs]
tcp_sendmsg
__ftrace_invalid_address___456
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(sampleList))
	require.NoError(t, err)

	// Placeholder entries are dropped.
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, -1, c.Lookup("__ftrace_invalid_address___123"))
}

func TestParse_StripsModuleColumn(t *testing.T) {
	c, err := Parse(strings.NewReader(sampleList))
	require.NoError(t, err)

	assert.NotEqual(t, -1, c.Lookup("xfs_vfs_read"))
	assert.Equal(t, -1, c.Lookup("xfs_vfs_read [xfs]"))
}

func TestLookup(t *testing.T) {
	c := New([]string{"vfs_write", "vfs_read", "tcp_sendmsg"})

	assert.NotEqual(t, -1, c.Lookup("vfs_read"))
	assert.NotEqual(t, -1, c.Lookup("tcp_sendmsg"))
	assert.Equal(t, -1, c.Lookup("vfs"))
	assert.Equal(t, -1, c.Lookup("vfs_readv"))
}

func TestMarkUsedAndUnused(t *testing.T) {
	c := New([]string{"c_func", "a_func", "b_func"})

	i := c.Lookup("b_func")
	require.NotEqual(t, -1, i)
	c.MarkUsed(i)

	assert.Equal(t, []string{"a_func", "c_func"}, c.Unused())
}

func TestUnused_AllClaimed(t *testing.T) {
	c := New([]string{"a_func"})
	c.MarkUsed(c.Lookup("a_func"))

	assert.Empty(t, c.Unused())
}
