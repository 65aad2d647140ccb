package model

import (
	"time"
)

// Source identifies which side of the reconciliation a record came from.
type Source string

const (
	SourceA Source = "A"
	SourceB Source = "B"
)

// SourceRecord is one schema-normalized record from a source system.
// Field mapping is resolved upstream by the ingestion collaborator; key
// normalization happens inside the engine. Immutable once ingested.
type SourceRecord struct {
	ID             string         `json:"id"`
	Source         Source         `json:"source"`
	SourceSystemID string         `json:"source_system_id"`
	EntityType     string         `json:"entity_type"`
	RawKey         string         `json:"raw_key"`
	Fields         map[string]any `json:"fields"`
	BusinessDate   time.Time      `json:"business_date"`
}

// NormalizedKey is the canonical matching key derived from a record's raw
// key, together with the normalization rule that produced it. Collisions
// across records are expected — they are what drives grouping.
type NormalizedKey struct {
	Key          string `json:"key"`
	RuleID       string `json:"rule_id"`
	FallbackUsed bool   `json:"fallback_used"`
}

// Orphan is a record that matched no group in a run, with the reason it
// fell out. Orphans are reported, never dropped.
type Orphan struct {
	Record SourceRecord `json:"record"`
	Reason string       `json:"reason"`
}

const (
	OrphanReasonNoCounterpart = "NO_COUNTERPART"
	OrphanReasonNormalization = "NORMALIZATION_FAILURE"
)
