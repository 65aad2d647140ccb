// Package detect compares the aligned or aggregated fields of a match
// group against versioned tolerance rules. Detection is deterministic:
// the same group and rule version always yield the identical difference
// set, which is what makes audit replay possible.
package detect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/recon-engine/internal/grouper"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
)

// KnowledgeContext carries read-only historical pattern hints into
// detection and routing. It is passed explicitly, never held as global
// state.
type KnowledgeContext struct {
	// KnownPatterns maps field name to reason codes seen before for that
	// field. A difference on a field with no known pattern is novel.
	KnownPatterns map[string][]string
}

// Novel reports whether a difference on the field matches no historical
// pattern. Without any knowledge base there is no basis to call a pattern
// novel.
func (k KnowledgeContext) Novel(field string) bool {
	if k.KnownPatterns == nil {
		return false
	}
	return len(k.KnownPatterns[field]) == 0
}

// Detector evaluates groups against an immutable rule snapshot.
type Detector struct {
	snapshot *rules.Snapshot
}

// New creates a detector over a per-run snapshot.
func New(snapshot *rules.Snapshot) *Detector {
	return &Detector{snapshot: snapshot}
}

// Detect returns the tolerance-exceeding differences for a group. A zero
// result means the group is MATCHED and needs no attribution step.
// Resolution gaps surface rules.ErrNoEffectiveRule so the caller can block
// the group with RULE_VERSION_GAP.
func (d *Detector) Detect(group *model.MatchGroup) ([]model.Difference, error) {
	entityType := entityTypeOf(group)
	rule, err := d.snapshot.ToleranceFor(entityType)
	if err != nil {
		return nil, err
	}

	fields := comparedFields(group, d.matchingFieldsFor(group))
	var diffs []model.Difference

	for _, field := range fields {
		valA, valB, okA, okB := group.ComparedFields(field)
		if !okA && !okB {
			continue
		}

		var diff model.Difference
		var flagged bool
		switch {
		case okA != okB:
			// One side lacks the field entirely, as opposed to carrying
			// a null value for it.
			diff, flagged = missingDiff(field, valA, valB, okA), true
		default:
			diff, flagged = compare(field, valA, valB, rule)
		}
		if !flagged {
			continue
		}

		if diff.Type == model.DiffTypeNumeric && aggregatedField(group, field) {
			diff.Type = model.DiffTypeAggregate
		}
		diff.ID = uuid.New().String()
		diff.GroupID = group.ID
		diff.ToleranceRuleID = rule.ID
		diff.ToleranceVersion = rule.Version
		diffs = append(diffs, diff)
	}

	grouper.MarkPartial(group, diffs)
	return diffs, nil
}

func (d *Detector) matchingFieldsFor(group *model.MatchGroup) []string {
	for _, m := range d.snapshot.Matching {
		if m.ID == group.RuleID {
			return m.ComparedFields
		}
	}
	return nil
}

// comparedFields returns the configured compare list, or the sorted union
// of both sides' field names when the rule does not restrict it.
func comparedFields(group *model.MatchGroup, configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	seen := make(map[string]struct{})
	collect := func(records []model.SourceRecord, aggregates map[string]any) {
		for _, rec := range records {
			for k := range rec.Fields {
				seen[k] = struct{}{}
			}
		}
		for k := range aggregates {
			seen[k] = struct{}{}
		}
	}
	collect(group.RecordsA, group.AggregatesA)
	collect(group.RecordsB, group.AggregatesB)

	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func missingDiff(field string, valA, valB any, okA bool) model.Difference {
	diffType := model.DiffTypeMissingA
	if okA {
		diffType = model.DiffTypeMissingB
	}
	return model.Difference{
		Field:  field,
		Type:   diffType,
		ValueA: render(valA),
		ValueB: render(valB),
	}
}

func aggregatedField(group *model.MatchGroup, field string) bool {
	if _, ok := group.AggregatesA[field]; ok {
		return true
	}
	_, ok := group.AggregatesB[field]
	return ok
}

func entityTypeOf(group *model.MatchGroup) string {
	if len(group.RecordsA) > 0 {
		return group.RecordsA[0].EntityType
	}
	if len(group.RecordsB) > 0 {
		return group.RecordsB[0].EntityType
	}
	return ""
}

// compare resolves type-aware equivalence, then applies the tolerance for
// the field. It reports whether a difference must be recorded.
func compare(field string, valA, valB any, rule rules.ToleranceRule) (model.Difference, bool) {
	tol, _ := rule.FieldFor(field)

	eqA := equivalenceClass(valA, rule.Equivalences)
	eqB := equivalenceClass(valB, rule.Equivalences)
	if eqA != "" && eqA == eqB {
		return model.Difference{}, false
	}

	nilA := valA == nil && eqA == ""
	nilB := valB == nil && eqB == ""
	if nilA && nilB {
		return model.Difference{}, false
	}
	if nilA || nilB {
		return model.Difference{
			Field:  field,
			Type:   model.DiffTypeNull,
			ValueA: render(valA),
			ValueB: render(valB),
		}, true
	}

	if tol.DateField {
		return compareDates(field, valA, valB)
	}

	fa, okA := grouper.ToFloat(valA)
	fb, okB := grouper.ToFloat(valB)
	if okA && okB {
		return compareNumbers(field, fa, fb, tol)
	}

	return compareStrings(field, render(valA), render(valB), tol)
}

// compareNumbers applies AND semantics: when both an absolute and a
// percentage threshold are configured, the difference is flagged only if
// both are exceeded, so a permissive per-field configuration does not
// over-trigger.
func compareNumbers(field string, fa, fb float64, tol rules.FieldTolerance) (model.Difference, bool) {
	absDelta := math.Abs(fa - fb)
	var relDelta float64
	if fa != 0 {
		relDelta = absDelta / math.Abs(fa)
	} else if fb != 0 {
		relDelta = 1
	}

	if absDelta == 0 {
		return model.Difference{}, false
	}

	absSet := tol.AbsoluteThreshold > 0
	pctSet := tol.PercentThreshold > 0

	flagged := true
	if absSet && absDelta <= tol.AbsoluteThreshold {
		flagged = false
	}
	if pctSet && relDelta <= tol.PercentThreshold {
		flagged = false
	}

	if !flagged {
		return model.Difference{}, false
	}

	return model.Difference{
		Field:         field,
		Type:          model.DiffTypeNumeric,
		ValueA:        render(fa),
		ValueB:        render(fb),
		AbsoluteDelta: absDelta,
		RelativeDelta: relDelta,
	}, true
}

// compareDates normalizes both sides to UTC before comparison. Unparseable
// values fall back to string comparison semantics.
func compareDates(field string, valA, valB any) (model.Difference, bool) {
	ta, okA := toTime(valA)
	tb, okB := toTime(valB)
	if !okA || !okB {
		if render(valA) == render(valB) {
			return model.Difference{}, false
		}
		return model.Difference{
			Field:  field,
			Type:   model.DiffTypeDate,
			ValueA: render(valA),
			ValueB: render(valB),
		}, true
	}
	if ta.UTC().Equal(tb.UTC()) {
		return model.Difference{}, false
	}
	return model.Difference{
		Field:         field,
		Type:          model.DiffTypeDate,
		ValueA:        ta.UTC().Format(time.RFC3339),
		ValueB:        tb.UTC().Format(time.RFC3339),
		AbsoluteDelta: math.Abs(ta.Sub(tb).Hours()),
	}, true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.DateOnly,
	"01/02/2006",
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func equivalenceClass(v any, classes []rules.EquivalenceClass) string {
	s := render(v)
	for _, c := range classes {
		for _, member := range c.Values {
			if s == member {
				return c.Name
			}
		}
	}
	return ""
}

func render(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok {
		// Avoid scientific notation for money-like magnitudes.
		return trimFloat(f)
	}
	return fmt.Sprint(v)
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.6f", f)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
