// Package descriptor reads and writes the persisted per-rule configuration
// record (parameters.json) and resolves which rules a command operates on.
// It performs no network calls.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// FileName is the descriptor file inside each rule directory.
const FileName = "parameters.json"

// FormatVersion is the version written into every descriptor.
const FormatVersion = "1.0"

// supportedVersions is the range of descriptor versions this store can read.
var supportedVersions = mustConstraint("^1")

// ErrNoRules is returned when a selection matches no rule directory.
var ErrNoRules = errors.New("no matching rule directories found")

// Store is the file-backed Rule Descriptor Store. Each rule lives in its own
// directory under root named after the rule.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root. An empty root means the current
// working directory.
func NewStore(root string) *Store {
	if root == "" {
		root = "."
	}
	return &Store{root: root}
}

// Root returns the directory rules are discovered under.
func (s *Store) Root() string { return s.root }

// RuleDir returns the directory holding the named rule.
func (s *Store) RuleDir(name string) string {
	return filepath.Join(s.root, models.CleanRuleName(name))
}

// Path returns the descriptor path of the named rule.
func (s *Store) Path(name string) string {
	return filepath.Join(s.RuleDir(name), FileName)
}

// Exists reports whether the named rule has a descriptor on disk.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && !info.IsDir()
}

// Read loads and decodes the descriptor of the named rule.
func (s *Store) Read(name string) (*models.RuleDescriptor, error) {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor for rule %q: %w", name, err)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode descriptor %q: %w", path, err)
	}
	// Older descriptors may omit RuleName; the directory is authoritative.
	if d.Name == "" {
		d.Name = models.CleanRuleName(name)
	}
	return d, nil
}

// Write encodes d and writes it to its rule directory, creating the
// directory when needed.
func (s *Store) Write(d *models.RuleDescriptor) error {
	data, err := Encode(d)
	if err != nil {
		return fmt.Errorf("encode descriptor for rule %q: %w", d.Name, err)
	}
	if err := os.MkdirAll(s.RuleDir(d.Name), 0o755); err != nil {
		return fmt.Errorf("create rule directory %q: %w", s.RuleDir(d.Name), err)
	}
	if err := os.WriteFile(s.Path(d.Name), data, 0o644); err != nil {
		return fmt.Errorf("write descriptor %q: %w", s.Path(d.Name), err)
	}
	return nil
}

// Decode parses a persisted descriptor document.
func Decode(data []byte) (*models.RuleDescriptor, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor version %q: %w", doc.Version, err)
	}
	if !supportedVersions.Check(v) {
		return nil, fmt.Errorf("unsupported descriptor version %q", doc.Version)
	}
	return toDescriptor(&doc)
}

// Encode renders d as an indented descriptor document.
func Encode(d *models.RuleDescriptor) ([]byte, error) {
	out, err := marshalIndentNoEscape(fromDescriptor(d))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the names of every rule directory under the root that holds a
// descriptor, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list rules under %q: %w", s.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if s.Exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Selection chooses the rules a command operates on. Exactly one of the
// fields is honoured, checked in the order All, RuleSets, Names.
type Selection struct {
	All      bool
	RuleSets []string
	Names    []string
}

// Select resolves sel into an ordered list of rule names. Explicit names keep
// their input order; All and RuleSets yield sorted names. Every returned name
// passes the length limit and no two names share an alphanumeric identifier.
func (s *Store) Select(sel Selection) ([]string, error) {
	var names []string
	switch {
	case sel.All:
		all, err := s.List()
		if err != nil {
			return nil, err
		}
		names = all
	case len(sel.RuleSets) > 0:
		all, err := s.List()
		if err != nil {
			return nil, err
		}
		for _, name := range all {
			d, err := s.Read(name)
			if err != nil {
				return nil, err
			}
			if d.InRuleSet(sel.RuleSets...) {
				names = append(names, name)
			}
		}
	case len(sel.Names) > 0:
		for _, raw := range sel.Names {
			name := models.CleanRuleName(raw)
			if !s.Exists(name) {
				return nil, &ValidationError{Rule: name, Field: "RuleName", Reason: "no rule directory with a descriptor found"}
			}
			names = append(names, name)
		}
	default:
		return nil, &ValidationError{Reason: "specify rule names, --rulesets, or --all"}
	}

	if len(names) == 0 {
		return nil, ErrNoRules
	}
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}
	if err := CheckIdentifierCollisions(names); err != nil {
		return nil, err
	}
	return names, nil
}

// Load reads the descriptors for names, preserving order.
func (s *Store) Load(names []string) ([]*models.RuleDescriptor, error) {
	out := make([]*models.RuleDescriptor, 0, len(names))
	for _, name := range names {
		d, err := s.Read(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ── rule sets ────────────────────────────────────────────────────────────────

// RuleSets returns every rule set name mapped to its sorted member rules.
func (s *Store) RuleSets() (map[string][]string, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	sets := make(map[string][]string)
	for _, name := range names {
		d, err := s.Read(name)
		if err != nil {
			return nil, err
		}
		for _, set := range d.RuleSets {
			sets[set] = append(sets[set], name)
		}
	}
	return sets, nil
}

// AddToRuleSet adds rule to set. It reports false when the rule was
// already a member.
func (s *Store) AddToRuleSet(set, rule string) (bool, error) {
	d, err := s.Read(rule)
	if err != nil {
		return false, err
	}
	if d.InRuleSet(set) {
		return false, nil
	}
	d.RuleSets = append(d.RuleSets, set)
	return true, s.Write(d)
}

// RemoveFromRuleSet removes rule from set. It reports false when the rule was
// not a member.
func (s *Store) RemoveFromRuleSet(set, rule string) (bool, error) {
	d, err := s.Read(rule)
	if err != nil {
		return false, err
	}
	kept := d.RuleSets[:0]
	removed := false
	for _, have := range d.RuleSets {
		if have == set {
			removed = true
			continue
		}
		kept = append(kept, have)
	}
	if !removed {
		return false, nil
	}
	if len(kept) == 0 {
		kept = nil
	}
	d.RuleSets = kept
	return true, s.Write(d)
}

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

func marshalIndentNoEscape(v any) ([]byte, error) {
	data, err := marshalNoEscape(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}
