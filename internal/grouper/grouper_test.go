package grouper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/normalize"
	"github.com/sells-group/recon-engine/internal/rules"
)

func rec(source model.Source, key string, fields map[string]any) model.SourceRecord {
	return model.SourceRecord{
		ID:         key + "-" + string(source),
		Source:     source,
		EntityType: "transaction",
		RawKey:     key,
		Fields:     fields,
	}
}

func oneToOneRule() rules.MatchingRule {
	r := rules.MatchingRule{ID: "match-txn", EntityType: "transaction", Cardinality: model.CardinalityOneToOne}
	r.Version = 1
	return r
}

func fallbackNormalizer() *normalize.Normalizer {
	return normalize.New(&rules.Snapshot{})
}

func TestGroupPartitionInvariant(t *testing.T) {
	// Every input record lands in exactly one group or the orphan list.
	recordsA := []model.SourceRecord{
		rec(model.SourceA, "K1", map[string]any{"amount": 10.0}),
		rec(model.SourceA, "K2", map[string]any{"amount": 20.0}),
		rec(model.SourceA, "K3", map[string]any{"amount": 30.0}),
	}
	recordsB := []model.SourceRecord{
		rec(model.SourceB, "K1", map[string]any{"amount": 10.0}),
		rec(model.SourceB, "K4", map[string]any{"amount": 40.0}),
	}

	res, err := Group("run-1", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)

	placed := 0
	for _, g := range res.Groups {
		placed += len(g.RecordsA) + len(g.RecordsB)
	}
	placed += len(res.OrphansA) + len(res.OrphansB)
	assert.Equal(t, len(recordsA)+len(recordsB), placed)

	require.Len(t, res.Groups, 1)
	assert.Equal(t, "K1", res.Groups[0].Key.Key)
	assert.Len(t, res.OrphansA, 2)
	assert.Len(t, res.OrphansB, 1)
	for _, o := range append(res.OrphansA, res.OrphansB...) {
		assert.Equal(t, model.OrphanReasonNoCounterpart, o.Reason)
	}
}

func TestGroupDeterministicOrder(t *testing.T) {
	recordsA := []model.SourceRecord{
		rec(model.SourceA, "B", nil),
		rec(model.SourceA, "A", nil),
	}
	recordsB := []model.SourceRecord{
		rec(model.SourceB, "A", nil),
		rec(model.SourceB, "B", nil),
	}

	res, err := Group("run-1", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "A", res.Groups[0].Key.Key)
	assert.Equal(t, "B", res.Groups[1].Key.Key)
}

func TestGroupIDsStableAcrossRepeatedRuns(t *testing.T) {
	// Group ids derive from run, rule, and key, so a resumed run lines up
	// with the groups its earlier decisions reference.
	recordsA := []model.SourceRecord{rec(model.SourceA, "K1", nil), rec(model.SourceA, "K2", nil)}
	recordsB := []model.SourceRecord{rec(model.SourceB, "K1", nil), rec(model.SourceB, "K2", nil)}

	first, err := Group("run-1", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)
	second, err := Group("run-1", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)

	require.Len(t, first.Groups, 2)
	require.Len(t, second.Groups, 2)
	for i := range first.Groups {
		assert.Equal(t, first.Groups[i].ID, second.Groups[i].ID)
	}

	other, err := Group("run-2", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)
	assert.NotEqual(t, first.Groups[0].ID, other.Groups[0].ID, "ids are scoped to the run")
}

func TestGroupOneToOneDuplicateEntry(t *testing.T) {
	recordsA := []model.SourceRecord{
		rec(model.SourceA, "K1", map[string]any{"amount": 10.0}),
		rec(model.SourceA, "K1", map[string]any{"amount": 10.0}),
	}
	recordsB := []model.SourceRecord{
		rec(model.SourceB, "K1", map[string]any{"amount": 10.0}),
	}

	res, err := Group("run-1", recordsA, recordsB, oneToOneRule(), fallbackNormalizer())
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.True(t, res.Groups[0].DuplicateEntry)
	assert.False(t, res.Groups[0].Complete())
}

func TestGroupOneToManyAggregatesManySide(t *testing.T) {
	// One $1,000 payment against three invoices totaling $950.
	rule := rules.MatchingRule{
		ID:          "match-pay",
		EntityType:  "transaction",
		Cardinality: model.CardinalityOneToMany,
		Aggregates:  []rules.AggregateSpec{{Field: "amount", Func: model.AggregateSum}},
	}
	rule.Version = 1

	recordsA := []model.SourceRecord{
		rec(model.SourceA, "PAY-1", map[string]any{"amount": 1000.0}),
	}
	recordsB := []model.SourceRecord{
		rec(model.SourceB, "PAY-1", map[string]any{"amount": 400.0}),
		rec(model.SourceB, "PAY-1", map[string]any{"amount": 300.0}),
		rec(model.SourceB, "PAY-1", map[string]any{"amount": 250.0}),
	}

	res, err := Group("run-1", recordsA, recordsB, rule, fallbackNormalizer())
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)

	g := res.Groups[0]
	assert.InDelta(t, 950.0, g.AggregatesB["amount"], 1e-9)

	a, b, okA, okB := g.ComparedFields("amount")
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, 1000.0, a)
	assert.InDelta(t, 950.0, b, 1e-9)
}

func TestGroupCompositeKeyFields(t *testing.T) {
	rule := rules.MatchingRule{
		ID:          "match-comp",
		EntityType:  "transaction",
		Cardinality: model.CardinalityOneToOne,
		KeyFields:   []string{"account", "ccy"},
	}
	rule.Version = 1

	recordsA := []model.SourceRecord{
		rec(model.SourceA, "ignored-a", map[string]any{"account": "ACC1", "ccy": "USD", "amount": 5.0}),
	}
	recordsB := []model.SourceRecord{
		rec(model.SourceB, "ignored-b", map[string]any{"account": "ACC1", "ccy": "USD", "amount": 5.0}),
	}

	res, err := Group("run-1", recordsA, recordsB, rule, fallbackNormalizer())
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "ACC1|USD", res.Groups[0].Key.Key)
}

func TestValidateCardinality(t *testing.T) {
	one := rules.MatchingRule{ID: "match-txn", Cardinality: model.CardinalityOneToOne}
	many := rules.MatchingRule{ID: "match-txn", Cardinality: model.CardinalityOneToMany}

	assert.NoError(t, ValidateCardinality([]rules.MatchingRule{one, one}))

	err := ValidateCardinality([]rules.MatchingRule{one, many})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCardinalityConflict)
}

func TestMarkPartial(t *testing.T) {
	group := &model.MatchGroup{
		Cardinality: model.CardinalityOneToMany,
		AggregatesB: map[string]any{"amount": 950.0},
	}
	MarkPartial(group, []model.Difference{{Field: "amount", Type: model.DiffTypeNumeric}})
	assert.True(t, group.Partial)

	oneToOne := &model.MatchGroup{Cardinality: model.CardinalityOneToOne}
	MarkPartial(oneToOne, []model.Difference{{Field: "amount", Type: model.DiffTypeNumeric}})
	assert.False(t, oneToOne.Partial)

	nonAgg := &model.MatchGroup{
		Cardinality: model.CardinalityOneToMany,
		AggregatesB: map[string]any{"amount": 950.0},
	}
	MarkPartial(nonAgg, []model.Difference{{Field: "desc", Type: model.DiffTypeString}})
	assert.False(t, nonAgg.Partial)
}
