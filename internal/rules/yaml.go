package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleSet is the on-disk shape of a versioned rule file.
type RuleSet struct {
	Tolerance []ToleranceRule `yaml:"tolerance_rules"`
	Matching  []MatchingRule  `yaml:"matching_rules"`
	Reasons   []ReasonCode    `yaml:"reason_codes"`
}

// LoadFile reads a YAML rule set and builds a resolver from it, enforcing
// the versioning invariants at construction.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return Load(data)
}

// ParseFile reads a YAML rule set without building a resolver, for tooling
// that inspects the raw version entries.
func ParseFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, eris.Wrap(err, "rules: unmarshal rule set")
	}
	return &set, nil
}

// Load parses a YAML rule set from memory.
func Load(data []byte) (*Resolver, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, eris.Wrap(err, "rules: unmarshal rule set")
	}

	r := NewResolver()
	for _, t := range set.Tolerance {
		if err := r.AddTolerance(t); err != nil {
			return nil, err
		}
	}
	for _, m := range set.Matching {
		if err := r.AddMatching(m); err != nil {
			return nil, err
		}
	}
	for _, rc := range set.Reasons {
		if err := r.AddReasonCode(rc); err != nil {
			return nil, err
		}
	}
	return r, nil
}
