package rules

import (
	"time"

	"github.com/sells-group/recon-engine/internal/model"
)

// RuleType discriminates the three versioned configuration entities.
type RuleType string

const (
	RuleTypeTolerance  RuleType = "tolerance"
	RuleTypeMatching   RuleType = "matching"
	RuleTypeReasonCode RuleType = "reason_code"
)

// VersionInfo carries the common versioning fields of every rule entity.
// Historical versions are immutable: an update creates a new version and
// closes the prior interval, never mutates in place.
type VersionInfo struct {
	Version       int       `yaml:"version" json:"version"`
	EffectiveFrom time.Time `yaml:"effective_from" json:"effective_from"`
	EffectiveTo   time.Time `yaml:"effective_to,omitempty" json:"effective_to,omitempty"` // zero = open-ended
}

// Covers reports whether the half-open interval [from, to) contains t.
func (v VersionInfo) Covers(t time.Time) bool {
	if t.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo.IsZero() || t.Before(v.EffectiveTo)
}

// EquivalenceClass names a set of raw values treated as equal before
// comparison (e.g. null/empty/"N/A"/zero). Configuration-driven, never
// hardcoded in the detector.
type EquivalenceClass struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// FieldTolerance configures how one field is compared. When both the
// absolute and percentage thresholds are set, a difference is flagged only
// if both are exceeded.
type FieldTolerance struct {
	Field               string  `yaml:"field" json:"field"`
	AbsoluteThreshold   float64 `yaml:"absolute_threshold,omitempty" json:"absolute_threshold,omitempty"`
	PercentThreshold    float64 `yaml:"percent_threshold,omitempty" json:"percent_threshold,omitempty"`
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty"`
	DateField           bool    `yaml:"date_field,omitempty" json:"date_field,omitempty"`
}

// ToleranceRule is one versioned tolerance configuration for an entity type.
type ToleranceRule struct {
	VersionInfo  `yaml:",inline"`
	ID           string             `yaml:"id" json:"id"`
	EntityType   string             `yaml:"entity_type" json:"entity_type"`
	Fields       []FieldTolerance   `yaml:"fields" json:"fields"`
	Equivalences []EquivalenceClass `yaml:"equivalences,omitempty" json:"equivalences,omitempty"`
}

// FieldFor returns the tolerance configured for a field, if any.
func (r ToleranceRule) FieldFor(field string) (FieldTolerance, bool) {
	for _, f := range r.Fields {
		if f.Field == field {
			return f, true
		}
	}
	return FieldTolerance{}, false
}

// AggregateSpec configures one aggregation on the "many" side of a group.
type AggregateSpec struct {
	Field string              `yaml:"field" json:"field"`
	Func  model.AggregateFunc `yaml:"func" json:"func"`
}

// NormalizationStep is one transformation in a key-normalization chain.
type NormalizationStep struct {
	Op      string `yaml:"op" json:"op"` // strip_non_alnum | casefold | regex | prefix | suffix | trim_zeros
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Replace string `yaml:"replace,omitempty" json:"replace,omitempty"`
	Value   string `yaml:"value,omitempty" json:"value,omitempty"`
}

// MatchingRule is one versioned matching configuration: which normalization
// chain applies, the declared cardinality, and the aggregates to compute.
type MatchingRule struct {
	VersionInfo    `yaml:",inline"`
	ID             string              `yaml:"id" json:"id"`
	EntityType     string              `yaml:"entity_type" json:"entity_type"` // "*" matches any
	SourceSystemID string              `yaml:"source_system_id,omitempty" json:"source_system_id,omitempty"`
	Cardinality    model.Cardinality   `yaml:"cardinality" json:"cardinality"`
	KeyFields      []string            `yaml:"key_fields,omitempty" json:"key_fields,omitempty"`
	Steps          []NormalizationStep `yaml:"steps,omitempty" json:"steps,omitempty"`
	Aggregates     []AggregateSpec     `yaml:"aggregates,omitempty" json:"aggregates,omitempty"`
	ComparedFields []string            `yaml:"compared_fields" json:"compared_fields"`
}

// ReasonCode is one versioned reason-code definition used by attribution
// and governance overrides.
type ReasonCode struct {
	VersionInfo    `yaml:",inline"`
	Code           string               `yaml:"code" json:"code"`
	Description    string               `yaml:"description" json:"description"`
	Classification model.Classification `yaml:"classification" json:"classification"`
}
