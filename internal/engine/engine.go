// Package engine orchestrates a reconciliation run: normalize and group
// records, detect differences, obtain attributions, and drive every group
// through the quality gate. Work is data-parallel across shards keyed by
// normalized-key hash; shards share nothing but the read-only rule
// snapshot.
package engine

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recon-engine/internal/attribution"
	"github.com/sells-group/recon-engine/internal/detect"
	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/grouper"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/normalize"
	"github.com/sells-group/recon-engine/internal/review"
	"github.com/sells-group/recon-engine/internal/rules"
	"github.com/sells-group/recon-engine/internal/store"
)

// Config tunes the run engine.
type Config struct {
	Shards               int `yaml:"shards" mapstructure:"shards"`
	AttributionBatchSize int `yaml:"attribution_batch_size" mapstructure:"attribution_batch_size"`
	CheckpointEvery      int `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Shards:               4,
		AttributionBatchSize: 50,
		CheckpointEvery:      100,
	}
}

// Engine executes reconciliation runs.
type Engine struct {
	cfg       Config
	store     store.Store
	scorer    attribution.Scorer
	queue     review.Queue
	gateCfg   gate.Config
	knowledge detect.KnowledgeContext
}

// New creates an engine with all collaborators.
func New(cfg Config, st store.Store, scorer attribution.Scorer, queue review.Queue, gateCfg gate.Config, knowledge detect.KnowledgeContext) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.AttributionBatchSize <= 0 {
		cfg.AttributionBatchSize = DefaultConfig().AttributionBatchSize
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultConfig().CheckpointEvery
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		scorer:    scorer,
		queue:     queue,
		gateCfg:   gateCfg,
		knowledge: knowledge,
	}
}

// Run executes one reconciliation run over pre-ingested records. The rule
// snapshot is resolved once at the run's business date and never re-read.
// Record-level failures block their group; the run itself always completes
// with an enumerated result.
func (e *Engine) Run(ctx context.Context, run model.Run, recordsA, recordsB []model.SourceRecord, resolver *rules.Resolver) (*model.RunResult, error) {
	log := zap.L().With(zap.String("run_id", run.ID))

	snapshot, err := resolver.SnapshotAt(run.BusinessDate)
	if err != nil {
		return nil, eris.Wrap(err, "engine: resolve rule snapshot")
	}

	setStatus := func(status model.RunStatus) {
		if statusErr := e.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("engine: failed to update status", zap.Error(statusErr))
		}
	}

	// Conflicting cardinality is a configuration error: the affected
	// rules' groups block, the run keeps going.
	conflicted := conflictedRuleIDs(snapshot.Matching)
	if len(conflicted) > 0 {
		log.Error("engine: conflicting cardinality in rule set, affected groups will block",
			zap.Int("rules", len(conflicted)))
	}

	result := &model.RunResult{RecordsA: len(recordsA), RecordsB: len(recordsB)}

	// ===== Grouping =====
	setStatus(model.RunStatusGrouping)
	norm := normalize.New(snapshot)

	grouped, err := e.groupAll(run.ID, recordsA, recordsB, snapshot, norm)
	if err != nil {
		setStatus(model.RunStatusFailed)
		result.Error = err.Error()
		return result, err
	}
	result.Groups = len(grouped.Groups)
	result.OrphansA = len(grouped.OrphansA)
	result.OrphansB = len(grouped.OrphansB)

	// A resumed run regenerates the identical groups (grouping and group
	// ids are deterministic), so they are only persisted the first time.
	if !resumedRun(run) {
		if err := e.store.AppendGroups(ctx, grouped.Groups); err != nil {
			setStatus(model.RunStatusFailed)
			result.Error = err.Error()
			return result, err
		}
	}

	// ===== Detection, attribution, routing — per shard =====
	setStatus(model.RunStatusRouting)
	shards := e.shardGroups(grouped.Groups)

	workers := make([]*shardWorker, 0, len(shards))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range shards {
		w := &shardWorker{
			engine:    e,
			run:       run,
			shard:     i,
			groups:    shards[i],
			snapshot:  snapshot,
			conflicts: conflicted,
			log:       log.With(zap.Int("shard", i)),
		}
		workers = append(workers, w)
		g.Go(func() error { return w.process(gCtx) })
	}

	// Shard errors are isolated failure domains: a failed shard reports
	// itself in the result, the others complete.
	runErr := g.Wait()

	for _, w := range workers {
		result.Matched += w.matched
		result.STPPassed += w.stpPassed
		result.Queued += w.queued
		result.Differences += w.differences
		result.Blocked = append(result.Blocked, w.blocked...)
	}
	sort.Slice(result.Blocked, func(i, j int) bool { return result.Blocked[i].GroupID < result.Blocked[j].GroupID })

	switch {
	case ctx.Err() != nil:
		setStatus(model.RunStatusCancelled)
	case runErr != nil:
		result.Error = runErr.Error()
		setStatus(model.RunStatusCompleteWithErrors)
	case len(result.Blocked) > 0:
		setStatus(model.RunStatusCompleteWithErrors)
	default:
		setStatus(model.RunStatusComplete)
	}

	if saveErr := e.store.UpdateRunResult(ctx, run.ID, result); saveErr != nil {
		log.Warn("engine: failed to save run result", zap.Error(saveErr))
	}

	log.Info("engine: run complete",
		zap.Int("groups", result.Groups),
		zap.Int("matched", result.Matched),
		zap.Int("stp_passed", result.STPPassed),
		zap.Int("queued", result.Queued),
		zap.Int("blocked", len(result.Blocked)),
		zap.Int("orphans_a", result.OrphansA),
		zap.Int("orphans_b", result.OrphansB),
	)
	return result, nil
}

// groupAll partitions records by entity type, picks the winning matching
// rule per type via the snapshot's stable ordering, and merges group
// results.
func (e *Engine) groupAll(runID string, recordsA, recordsB []model.SourceRecord, snapshot *rules.Snapshot, norm *normalize.Normalizer) (*grouper.Result, error) {
	merged := &grouper.Result{}

	for _, entityType := range entityTypes(recordsA, recordsB) {
		candidates := snapshot.MatchingFor(entityType)
		if len(candidates) == 0 {
			// No matching rule covers this entity type: everything orphans.
			for _, rec := range filterByType(recordsA, entityType) {
				merged.OrphansA = append(merged.OrphansA, model.Orphan{Record: rec, Reason: model.OrphanReasonNoCounterpart})
			}
			for _, rec := range filterByType(recordsB, entityType) {
				merged.OrphansB = append(merged.OrphansB, model.Orphan{Record: rec, Reason: model.OrphanReasonNoCounterpart})
			}
			continue
		}
		rule := candidates[0]

		res, err := grouper.Group(runID, filterByType(recordsA, entityType), filterByType(recordsB, entityType), rule, norm)
		if err != nil {
			return nil, err
		}
		merged.Groups = append(merged.Groups, res.Groups...)
		merged.OrphansA = append(merged.OrphansA, res.OrphansA...)
		merged.OrphansB = append(merged.OrphansB, res.OrphansB...)
	}

	return merged, nil
}

// shardGroups assigns each group to a shard by FNV hash of its normalized
// key, so re-runs shard identically.
func (e *Engine) shardGroups(groups []model.MatchGroup) [][]model.MatchGroup {
	shards := make([][]model.MatchGroup, e.cfg.Shards)
	for _, g := range groups {
		h := fnv.New32a()
		_, _ = h.Write([]byte(g.Key.Key))
		idx := int(h.Sum32()) % e.cfg.Shards
		shards[idx] = append(shards[idx], g)
	}
	return shards
}

// resumedRun reports whether the run was interrupted after grouping: any
// status past queued means groups were already persisted and shard
// checkpoints may exist.
func resumedRun(run model.Run) bool {
	return run.Status != "" && run.Status != model.RunStatusQueued
}

func conflictedRuleIDs(set []rules.MatchingRule) map[string]bool {
	seen := make(map[string]model.Cardinality)
	conflicted := make(map[string]bool)
	for _, m := range set {
		if prev, ok := seen[m.ID]; ok && prev != m.Cardinality {
			conflicted[m.ID] = true
		}
		seen[m.ID] = m.Cardinality
	}
	return conflicted
}

func entityTypes(recordsA, recordsB []model.SourceRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range recordsA {
		seen[r.EntityType] = struct{}{}
	}
	for _, r := range recordsB {
		seen[r.EntityType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func filterByType(records []model.SourceRecord, entityType string) []model.SourceRecord {
	var out []model.SourceRecord
	for _, r := range records {
		if r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out
}
