// Package normalize canonicalizes raw source keys into matching keys using
// ordered, deterministic rule chains. Normalization never fails a run: an
// unresolvable key falls back to byte identity and is flagged for
// downstream fuzzy matching.
package normalize

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
)

// Normalizer applies the matching rule's normalization chain selected by
// (sourceSystemID, entityType). Chains are pure functions over the key
// string, so the same input always yields the same output regardless of
// call order — a requirement for audit replay.
type Normalizer struct {
	snapshot *rules.Snapshot

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// New creates a normalizer over an immutable rule snapshot.
func New(snapshot *rules.Snapshot) *Normalizer {
	return &Normalizer{
		snapshot: snapshot,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Normalize canonicalizes a raw key. When no rule chain matches, the raw
// key is compared byte-identical and FallbackUsed is set. A malformed rule
// (bad regex) is the only error path; callers turn it into an orphan
// marker, never a run failure.
func (n *Normalizer) Normalize(rawKey, entityType, sourceSystemID string) (model.NormalizedKey, error) {
	rule, ok := n.chainFor(entityType, sourceSystemID)
	if !ok {
		return model.NormalizedKey{Key: rawKey, FallbackUsed: true}, nil
	}

	key := rawKey
	for _, step := range rule.Steps {
		next, err := n.apply(step, key)
		if err != nil {
			return model.NormalizedKey{}, eris.Wrapf(err, "normalize: rule %s step %s", rule.ID, step.Op)
		}
		key = next
	}

	return model.NormalizedKey{Key: key, RuleID: rule.ID}, nil
}

// chainFor picks the most specific matching rule carrying a normalization
// chain: exact source-system match beats wildcard, per the snapshot's
// stable ordering.
func (n *Normalizer) chainFor(entityType, sourceSystemID string) (rules.MatchingRule, bool) {
	candidates := n.snapshot.MatchingFor(entityType)
	for _, m := range candidates {
		if len(m.Steps) == 0 {
			continue
		}
		if m.SourceSystemID == sourceSystemID {
			return m, true
		}
	}
	for _, m := range candidates {
		if len(m.Steps) == 0 {
			continue
		}
		if m.SourceSystemID == "" {
			return m, true
		}
	}
	return rules.MatchingRule{}, false
}

var foldCaser = cases.Fold()

func (n *Normalizer) apply(step rules.NormalizationStep, key string) (string, error) {
	switch step.Op {
	case "strip_non_alnum":
		return stripNonAlnum(key), nil
	case "casefold":
		return foldCaser.String(key), nil
	case "upper":
		return cases.Upper(language.Und).String(key), nil
	case "regex":
		re, err := n.pattern(step.Pattern)
		if err != nil {
			return "", err
		}
		return re.ReplaceAllString(key, step.Replace), nil
	case "strip_prefix":
		return strings.TrimPrefix(key, step.Value), nil
	case "strip_suffix":
		return strings.TrimSuffix(key, step.Value), nil
	case "trim_zeros":
		return trimTrailingZeros(key), nil
	case "trim_space":
		return strings.TrimSpace(key), nil
	default:
		return "", eris.Errorf("unknown normalization op %q", step.Op)
	}
}

func (n *Normalizer) pattern(expr string) (*regexp.Regexp, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if re, ok := n.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "compile pattern %q", expr)
	}
	n.patterns[expr] = re
	return re, nil
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// trimTrailingZeros removes trailing zeros after a decimal point in numeric
// suffixes ("TRD-100.500" -> "TRD-100.5") and leaves non-numeric keys alone.
func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	trimmed := strings.TrimRight(s, "0")
	trimmed = strings.TrimSuffix(trimmed, ".")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
