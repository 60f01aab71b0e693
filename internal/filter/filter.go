package filter

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Rule is a single allow or deny entry. The name pattern is matched
// against the bare function name; the optional module pattern, when
// set, additionally requires the candidate to live in a matching
// kernel module.
type Rule struct {
	Pattern    string
	ModPattern string

	// Matches counts how many candidates this rule matched. It is
	// diagnostic only and does not influence matching.
	Matches int

	name glob.Glob
	mod  glob.Glob
}

// Match reports whether the candidate (name, module) pair satisfies
// the rule. A built-in function has an empty module; a rule with a
// module pattern can never match it.
func (r *Rule) Match(name, module string) bool {
	if !r.name.Match(name) {
		return false
	}

	if r.mod != nil {
		if module == "" {
			return false
		}

		return r.mod.Match(module)
	}

	return true
}

// String returns the rule in "name [module]" form for diagnostics.
func (r *Rule) String() string {
	if r.ModPattern != "" {
		return fmt.Sprintf("%s [%s]", r.Pattern, r.ModPattern)
	}

	return r.Pattern
}

// Set holds the ordered allow and deny rule sequences. Deny rules are
// always evaluated first and unconditionally win.
type Set struct {
	allow []*Rule
	deny  []*Rule
}

// NewSet creates an empty rule set.
func NewSet() *Set {
	return &Set{}
}

func compileRule(pattern, modPattern string) (*Rule, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	if modPattern != "" {
		if err := validatePattern(modPattern); err != nil {
			return nil, err
		}
	}

	r := &Rule{
		Pattern:    pattern,
		ModPattern: modPattern,
	}

	var err error

	if r.name, err = glob.Compile(pattern); err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}

	if modPattern != "" {
		if r.mod, err = glob.Compile(modPattern); err != nil {
			return nil, fmt.Errorf(
				"compiling module glob %q: %w", modPattern, err,
			)
		}
	}

	return r, nil
}

// validatePattern rejects patterns that can never be registered:
// empty ones, and the bare "**" pattern, which would ordinarily mean
// "match across module boundaries" and is not implemented here.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty glob pattern")
	}

	if pattern == "**" {
		return fmt.Errorf("unsupported glob pattern %q", pattern)
	}

	return nil
}

// Allow registers an allow rule. The rule is rejected before being
// stored if either pattern is invalid.
func (s *Set) Allow(pattern, modPattern string) error {
	r, err := compileRule(pattern, modPattern)
	if err != nil {
		return err
	}

	s.allow = append(s.allow, r)

	return nil
}

// Deny registers a deny rule.
func (s *Set) Deny(pattern, modPattern string) error {
	r, err := compileRule(pattern, modPattern)
	if err != nil {
		return err
	}

	s.deny = append(s.deny, r)

	return nil
}

// DeniedBy returns the first deny rule matching the candidate, with
// its match counter incremented, or nil if no deny rule matches.
func (s *Set) DeniedBy(name, module string) *Rule {
	for _, r := range s.deny {
		if r.Match(name, module) {
			r.Matches++

			return r
		}
	}

	return nil
}

// AllowedBy returns the first allow rule matching the candidate, with
// its match counter incremented, or nil if none matches. Callers must
// check HasAllowRules first: an empty allow set means "allow all".
func (s *Set) AllowedBy(name, module string) *Rule {
	for _, r := range s.allow {
		if r.Match(name, module) {
			r.Matches++

			return r
		}
	}

	return nil
}

// HasAllowRules reports whether any allow rule is registered.
func (s *Set) HasAllowRules() bool {
	return len(s.allow) > 0
}

// AllowRules returns the ordered allow rules for diagnostics.
func (s *Set) AllowRules() []*Rule {
	return s.allow
}

// DenyRules returns the ordered deny rules for diagnostics.
func (s *Set) DenyRules() []*Rule {
	return s.deny
}
