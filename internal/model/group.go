package model

// Cardinality describes the grouping relationship declared by a matching
// rule between the two sides of a reconciliation.
type Cardinality string

const (
	CardinalityOneToOne   Cardinality = "one_to_one"
	CardinalityOneToMany  Cardinality = "one_to_many"
	CardinalityManyToOne  Cardinality = "many_to_one"
	CardinalityManyToMany Cardinality = "many_to_many"
)

// AggregateFunc names an aggregation applied to the "many" side of a group
// before field comparison.
type AggregateFunc string

const (
	AggregateSum   AggregateFunc = "sum"
	AggregateCount AggregateFunc = "count"
	AggregateMin   AggregateFunc = "min"
	AggregateMax   AggregateFunc = "max"
)

// MatchGroup is the unit of comparison: the records from each side that
// share a normalized key under one cardinality rule. For aggregating sides
// the computed aggregates are carried alongside the members.
type MatchGroup struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Key            NormalizedKey  `json:"key"`
	RuleID         string         `json:"rule_id"`
	RuleVersion    int            `json:"rule_version"`
	Cardinality    Cardinality    `json:"cardinality"`
	RecordsA       []SourceRecord `json:"records_a"`
	RecordsB       []SourceRecord `json:"records_b"`
	AggregatesA    map[string]any `json:"aggregates_a,omitempty"`
	AggregatesB    map[string]any `json:"aggregates_b,omitempty"`
	Partial        bool           `json:"partial"`
	DuplicateEntry bool           `json:"duplicate_entry"`
}

// Complete reports whether the group has members on both sides and no
// structural shortfall. Non-one-to-one groups must be complete to pass the
// quality gate automatically.
func (g MatchGroup) Complete() bool {
	return len(g.RecordsA) > 0 && len(g.RecordsB) > 0 && !g.Partial && !g.DuplicateEntry
}

// ComparedFields returns the side values to compare for the given field:
// the aggregate when one was computed, the single member's value otherwise.
// Each side reports separately whether it carries the field at all, so the
// detector can tell a one-sided field from a null value.
func (g MatchGroup) ComparedFields(field string) (a, b any, okA, okB bool) {
	a, okA = g.sideValue(field, g.RecordsA, g.AggregatesA)
	b, okB = g.sideValue(field, g.RecordsB, g.AggregatesB)
	return a, b, okA, okB
}

func (g MatchGroup) sideValue(field string, records []SourceRecord, aggregates map[string]any) (any, bool) {
	if v, ok := aggregates[field]; ok {
		return v, true
	}
	if len(records) == 1 {
		v, ok := records[0].Fields[field]
		return v, ok
	}
	return nil, false
}
