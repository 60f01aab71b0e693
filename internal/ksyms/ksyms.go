// Package ksyms loads /proc/kallsyms and resolves kernel function
// names to their address, size, and owning module.
package ksyms

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

const kallsymsPath = "/proc/kallsyms"

// Symbol is one text symbol from the kernel symbol table.
type Symbol struct {
	Name string
	Addr uint64
	// Size is derived from the distance to the next text symbol;
	// the last symbol has size zero.
	Size uint64
	// Module is empty for symbols built into the kernel core.
	Module string
}

// Table is an immutable, address-sorted kernel symbol table.
type Table struct {
	syms   []Symbol
	byName map[string]int
}

// Load reads and parses /proc/kallsyms.
func Load() (*Table, error) {
	f, err := os.Open(kallsymsPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", kallsymsPath, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", kallsymsPath, err)
	}

	return t, nil
}

// Parse reads a kallsyms-formatted stream. Only text symbols
// (t/T/w/W) are retained.
func Parse(r io.Reader) (*Table, error) {
	var syms []Symbol

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing address in %q: %w", line, err)
		}

		sym := Symbol{
			Name: fields[2],
			Addr: addr,
		}

		if len(fields) >= 4 {
			sym.Module = strings.Trim(fields[3], "[]")
		}

		syms = append(syms, sym)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}

	return New(syms), nil
}

// New builds a table from raw symbols, sorting by address and
// deriving sizes. Exposed so tests and callers with alternate symbol
// sources can construct tables directly.
func New(syms []Symbol) *Table {
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Addr < syms[j].Addr
	})

	for i := range syms {
		if i+1 < len(syms) {
			syms[i].Size = syms[i+1].Addr - syms[i].Addr
		}
	}

	byName := make(map[string]int, len(syms))
	for i := range syms {
		// Duplicate names exist (e.g. static functions in separate
		// compilation units); the first occurrence wins.
		if _, ok := byName[syms[i].Name]; !ok {
			byName[syms[i].Name] = i
		}
	}

	return &Table{syms: syms, byName: byName}
}

// Lookup resolves a symbol by exact name.
func (t *Table) Lookup(name string) (*Symbol, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}

	return &t.syms[i], true
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	return len(t.syms)
}
