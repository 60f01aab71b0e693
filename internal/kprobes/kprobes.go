// Package kprobes reads the kernel's list of kprobe-eligible symbols
// from tracefs and provides sorted, exact-name lookup over it.
package kprobes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	debugfsRoot = "/sys/kernel/debug/tracing"
	tracefsRoot = "/sys/kernel/tracing"

	availableFuncsFile = "available_filter_functions"

	// Placeholder entries the kernel emits for patched-out code.
	invalidEntryPrefix = "__ftrace_invalid_address___"
)

type entry struct {
	name string
	used bool
}

// Catalog is the sorted list of probe-eligible kernel symbols. Each
// entry carries a used flag that tracks whether it was claimed by a
// function discovered through the type catalog.
type Catalog struct {
	entries []entry
}

// AvailableFunctionsPath returns the tracefs location of the
// available_filter_functions list, preferring the debugfs mount when
// it exists.
func AvailableFunctionsPath() string {
	if _, err := os.Stat(debugfsRoot); err == nil {
		return debugfsRoot + "/" + availableFuncsFile
	}

	return tracefsRoot + "/" + availableFuncsFile
}

// Load reads the probe-eligible symbol list from tracefs.
func Load(log logrus.FieldLogger) (*Catalog, error) {
	path := AvailableFunctionsPath()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	log.WithField("count", c.Len()).
		Debug("Discovered available kprobes")

	return c, nil
}

// Parse reads a newline-delimited symbol list. Lines may carry a
// trailing "[module]" column; only the symbol name is kept.
func Parse(r io.Reader) (*Catalog, error) {
	c := &Catalog{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		name := fields[0]
		if strings.HasPrefix(name, invalidEntryPrefix) {
			continue
		}

		c.entries = append(c.entries, entry{name: name})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading symbol list: %w", err)
	}

	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].name < c.entries[j].name
	})

	return c, nil
}

// New builds a catalog from a raw name list, for callers that obtain
// the list elsewhere (tests, snapshots).
func New(names []string) *Catalog {
	c := &Catalog{entries: make([]entry, 0, len(names))}
	for _, n := range names {
		c.entries = append(c.entries, entry{name: n})
	}

	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].name < c.entries[j].name
	})

	return c
}

// Lookup finds a symbol by exact name and returns its index, or -1.
func (c *Catalog) Lookup(name string) int {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].name >= name
	})

	if i < len(c.entries) && c.entries[i].name == name {
		return i
	}

	return -1
}

// MarkUsed flags the entry at index i as claimed.
func (c *Catalog) MarkUsed(i int) {
	c.entries[i].used = true
}

// Unused returns the names of all entries never claimed via MarkUsed,
// in sorted order.
func (c *Catalog) Unused() []string {
	var names []string

	for i := range c.entries {
		if !c.entries[i].used {
			names = append(names, c.entries[i].name)
		}
	}

	return names
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}
