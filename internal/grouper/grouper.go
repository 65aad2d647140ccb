// Package grouper partitions normalized records from both sources into
// match groups under a matching rule's declared cardinality. Unmatched
// members become orphans — reported, never dropped.
package grouper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/normalize"
	"github.com/sells-group/recon-engine/internal/rules"
)

// ErrCardinalityConflict signals that the rule set declares conflicting
// cardinalities for the same rule id. It is a configuration error surfaced
// to the caller, never resolved heuristically.
var ErrCardinalityConflict = eris.New("grouper: conflicting cardinality for rule id")

// Result carries the groups and orphans of one grouping pass. The union of
// group members and orphans equals the input set, and no record appears in
// more than one group.
type Result struct {
	Groups   []model.MatchGroup
	OrphansA []model.Orphan
	OrphansB []model.Orphan
}

// Group partitions both sides by normalized (or composite) key and applies
// the rule's cardinality to each partition.
func Group(runID string, recordsA, recordsB []model.SourceRecord, rule rules.MatchingRule, norm *normalize.Normalizer) (*Result, error) {
	res := &Result{}

	partsA, orphansA := partition(recordsA, rule, norm)
	partsB, orphansB := partition(recordsB, rule, norm)
	res.OrphansA = append(res.OrphansA, orphansA...)
	res.OrphansB = append(res.OrphansB, orphansB...)

	for _, key := range sortedKeys(partsA, partsB) {
		pa := partsA[key]
		pb := partsB[key]

		if len(pa.records) == 0 {
			for _, rec := range pb.records {
				res.OrphansB = append(res.OrphansB, model.Orphan{Record: rec, Reason: model.OrphanReasonNoCounterpart})
			}
			continue
		}
		if len(pb.records) == 0 {
			for _, rec := range pa.records {
				res.OrphansA = append(res.OrphansA, model.Orphan{Record: rec, Reason: model.OrphanReasonNoCounterpart})
			}
			continue
		}

		group, err := buildGroup(runID, pa, pb, rule)
		if err != nil {
			return nil, err
		}
		res.Groups = append(res.Groups, group)
	}

	return res, nil
}

// ValidateCardinality checks that every version of each matching rule id in
// the set declares the same cardinality.
func ValidateCardinality(set []rules.MatchingRule) error {
	seen := make(map[string]model.Cardinality)
	for _, m := range set {
		if prev, ok := seen[m.ID]; ok && prev != m.Cardinality {
			return eris.Wrapf(ErrCardinalityConflict, "rule %s declares %s and %s", m.ID, prev, m.Cardinality)
		}
		seen[m.ID] = m.Cardinality
	}
	return nil
}

// MarkPartial flags an aggregating group as partial when its aggregate did
// not reconcile: some members are plausibly missing from the many side.
func MarkPartial(group *model.MatchGroup, differences []model.Difference) {
	if group.Cardinality == model.CardinalityOneToOne {
		return
	}
	for _, d := range differences {
		if d.Type == model.DiffTypeNumeric || d.Type == model.DiffTypeAggregate {
			if _, aggregated := group.AggregatesA[d.Field]; aggregated {
				group.Partial = true
				return
			}
			if _, aggregated := group.AggregatesB[d.Field]; aggregated {
				group.Partial = true
				return
			}
		}
	}
}

type part struct {
	key     model.NormalizedKey
	records []model.SourceRecord
}

func partition(records []model.SourceRecord, rule rules.MatchingRule, norm *normalize.Normalizer) (map[string]part, []model.Orphan) {
	parts := make(map[string]part)
	var orphans []model.Orphan

	for _, rec := range records {
		key, err := groupingKey(rec, rule, norm)
		if err != nil {
			zap.L().Warn("grouper: key normalization failed",
				zap.String("record", rec.ID),
				zap.String("raw_key", rec.RawKey),
				zap.Error(err),
			)
			orphans = append(orphans, model.Orphan{Record: rec, Reason: model.OrphanReasonNormalization})
			continue
		}
		p := parts[key.Key]
		p.key = key
		p.records = append(p.records, rec)
		parts[key.Key] = p
	}
	return parts, orphans
}

// groupingKey derives the partition key: the composite of configured key
// fields when present, the normalized raw key otherwise.
func groupingKey(rec model.SourceRecord, rule rules.MatchingRule, norm *normalize.Normalizer) (model.NormalizedKey, error) {
	if len(rule.KeyFields) > 0 {
		vals := make([]string, 0, len(rule.KeyFields))
		for _, f := range rule.KeyFields {
			vals = append(vals, fmt.Sprint(rec.Fields[f]))
		}
		return model.NormalizedKey{Key: strings.Join(vals, "|"), RuleID: rule.ID}, nil
	}
	return norm.Normalize(rec.RawKey, rec.EntityType, rec.SourceSystemID)
}

func buildGroup(runID string, pa, pb part, rule rules.MatchingRule) (model.MatchGroup, error) {
	key := pickKey(pa, pb)
	group := model.MatchGroup{
		ID:          groupID(runID, rule.ID, key.Key),
		RunID:       runID,
		Key:         key,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Cardinality: rule.Cardinality,
		RecordsA:    pa.records,
		RecordsB:    pb.records,
	}

	switch rule.Cardinality {
	case model.CardinalityOneToOne:
		// Exactly one record per side; anything else is a duplicate-entry
		// ambiguity routed for review, not silently collapsed.
		if len(pa.records) != 1 || len(pb.records) != 1 {
			group.DuplicateEntry = true
		}

	case model.CardinalityOneToMany:
		if len(pa.records) != 1 {
			group.DuplicateEntry = true
			break
		}
		agg, err := aggregate(pb.records, rule.Aggregates)
		if err != nil {
			return model.MatchGroup{}, err
		}
		group.AggregatesB = agg

	case model.CardinalityManyToOne:
		if len(pb.records) != 1 {
			group.DuplicateEntry = true
			break
		}
		agg, err := aggregate(pa.records, rule.Aggregates)
		if err != nil {
			return model.MatchGroup{}, err
		}
		group.AggregatesA = agg

	case model.CardinalityManyToMany:
		aggA, err := aggregate(pa.records, rule.Aggregates)
		if err != nil {
			return model.MatchGroup{}, err
		}
		aggB, err := aggregate(pb.records, rule.Aggregates)
		if err != nil {
			return model.MatchGroup{}, err
		}
		group.AggregatesA = aggA
		group.AggregatesB = aggB

	default:
		return model.MatchGroup{}, eris.Errorf("grouper: unknown cardinality %q on rule %s", rule.Cardinality, rule.ID)
	}

	return group, nil
}

// groupID is stable for a given run, rule, and partition key, so a resumed
// run regenerates the identical groups its earlier decisions reference.
func groupID(runID, ruleID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"|"+ruleID+"|"+key)).String()
}

func pickKey(pa, pb part) model.NormalizedKey {
	if pa.key.Key != "" {
		return pa.key
	}
	return pb.key
}

func sortedKeys(a, b map[string]part) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
