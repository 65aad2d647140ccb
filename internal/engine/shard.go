package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/attribution"
	"github.com/sells-group/recon-engine/internal/detect"
	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/review"
	"github.com/sells-group/recon-engine/internal/rules"
)

// shardWorker processes one shard's groups sequentially. Shards are
// independent failure domains: a worker that stops leaves its checkpoint
// behind and never touches another shard's groups.
type shardWorker struct {
	engine    *Engine
	run       model.Run
	shard     int
	groups    []model.MatchGroup
	snapshot  *rules.Snapshot
	conflicts map[string]bool
	log       *zap.Logger

	matched     int
	stpPassed   int
	queued      int
	differences int
	blocked     []model.BlockedGroup
}

func (w *shardWorker) process(ctx context.Context) error {
	detector := detect.New(w.snapshot)
	router := gate.NewRouter(w.engine.gateCfg, w.snapshot, w.engine.knowledge)

	start := 0
	if cp, err := w.engine.store.GetCheckpoint(ctx, w.run.ID, w.shard); err != nil {
		w.log.Warn("shard: checkpoint lookup failed, starting from zero", zap.Error(err))
	} else if cp != nil && cp.GroupsDone > 0 && cp.GroupsDone <= len(w.groups) {
		start = cp.GroupsDone
		w.log.Info("shard: resuming from checkpoint", zap.Int("groups_done", start))
	}

	for i := start; i < len(w.groups); i++ {
		if err := ctx.Err(); err != nil {
			// Graceful stop: checkpoint what we finished, nothing
			// half-done leaks.
			w.checkpoint(context.WithoutCancel(ctx), i, w.lastGroupID(i))
			return nil
		}

		group := &w.groups[i]
		if err := w.processGroup(ctx, detector, router, group); err != nil {
			w.checkpoint(context.WithoutCancel(ctx), i, w.lastGroupID(i))
			return eris.Wrapf(err, "shard %d: group %s", w.shard, group.ID)
		}

		done := i + 1
		if done%w.engine.cfg.CheckpointEvery == 0 {
			w.checkpoint(ctx, done, group.ID)
		}
	}

	w.checkpoint(ctx, len(w.groups), w.lastGroupID(len(w.groups)))
	return nil
}

// processGroup runs one group through detect, attribution, and routing,
// and persists the resulting artifacts.
func (w *shardWorker) processGroup(ctx context.Context, detector *detect.Detector, router *gate.Router, group *model.MatchGroup) error {
	if w.conflicts[group.RuleID] {
		return w.persist(ctx, router.Blocked(group, model.BlockCardinalityConflict, nil,
			"matching rule declares conflicting cardinality"), nil, nil)
	}

	diffs, err := detector.Detect(group)
	if err != nil {
		if eris.Is(err, rules.ErrNoEffectiveRule) {
			return w.persist(ctx, router.Blocked(group, model.BlockRuleVersionGap, nil, err.Error()), nil, nil)
		}
		return eris.Wrap(err, "detect")
	}

	// A duplicate-entry partition can yield zero field diffs (no single
	// side value to compare), but it is still ambiguous and must reach the
	// router, never MATCHED.
	if len(diffs) == 0 && !group.DuplicateEntry {
		w.matched++
		return w.persist(ctx, router.Matched(group), nil, nil)
	}
	w.differences += len(diffs)

	attrs, err := w.score(ctx, diffs)
	if err != nil {
		return w.persist(ctx, router.Blocked(group, model.BlockAttributionUnavailable, diffs, err.Error()), diffs, nil)
	}

	decision := router.Route(group, diffs, attrs)
	if err := w.persist(ctx, decision, diffs, attrs); err != nil {
		return err
	}

	switch decision.State {
	case model.GateSTPPassed:
		w.stpPassed++
	case model.GateHITLQueued:
		w.queued++
		item := review.Item{
			GroupID:      group.ID,
			Differences:  diffs,
			PriorityBand: decision.Band,
		}
		for _, d := range diffs {
			if attr, ok := attrs[d.ID]; ok {
				item.Attributions = append(item.Attributions, attr)
			}
		}
		// Enqueue failures are not fatal: the decision is already
		// persisted, governance can replay from the store.
		if err := w.engine.queue.Enqueue(ctx, item); err != nil {
			w.log.Warn("shard: review enqueue failed", zap.String("group_id", group.ID), zap.Error(err))
		}
	}
	return nil
}

// score batches the group's differences through the scorer. A failed batch
// or a failed item both mean the group cannot be attributed; the retry
// policy lives inside the scorer.
func (w *shardWorker) score(ctx context.Context, diffs []model.Difference) (map[string]model.Attribution, error) {
	attrs := make(map[string]model.Attribution, len(diffs))

	for offset := 0; offset < len(diffs); offset += w.engine.cfg.AttributionBatchSize {
		end := offset + w.engine.cfg.AttributionBatchSize
		if end > len(diffs) {
			end = len(diffs)
		}
		batch := diffs[offset:end]

		reqs := make([]attribution.ScoreRequest, len(batch))
		for i, d := range batch {
			reqs[i] = attribution.BuildRequest(d)
		}

		results, err := w.engine.scorer.ScoreBatch(ctx, reqs)
		if err != nil {
			return nil, eris.Wrap(err, "attribution batch failed")
		}
		if len(results) != len(reqs) {
			return nil, eris.Errorf("attribution returned %d results for %d requests", len(results), len(reqs))
		}
		for i, res := range results {
			if res.Err != nil {
				return nil, eris.Wrapf(res.Err, "attribution failed for difference %s", batch[i].ID)
			}
			attrs[batch[i].ID] = res.Attribution
		}
	}
	return attrs, nil
}

func (w *shardWorker) persist(ctx context.Context, decision model.GateDecision, diffs []model.Difference, _ map[string]model.Attribution) error {
	if len(diffs) > 0 {
		if err := w.engine.store.AppendDifferences(ctx, diffs); err != nil {
			return eris.Wrap(err, "append differences")
		}
	}
	if err := w.engine.store.AppendDecision(ctx, decision); err != nil {
		return eris.Wrap(err, "append decision")
	}
	if decision.State == model.GateBlocked {
		w.blocked = append(w.blocked, model.BlockedGroup{GroupID: decision.GroupID, Reason: decision.Reason})
	}
	return nil
}

func (w *shardWorker) checkpoint(ctx context.Context, done int, lastGroupID string) {
	cp := model.ShardCheckpoint{
		RunID:        w.run.ID,
		Shard:        w.shard,
		GroupsDone:   done,
		LastGroupID:  lastGroupID,
		CheckpointAt: time.Now().UTC(),
	}
	if err := w.engine.store.SaveCheckpoint(ctx, cp); err != nil {
		w.log.Warn("shard: checkpoint save failed", zap.Int("groups_done", done), zap.Error(err))
	}
}

func (w *shardWorker) lastGroupID(done int) string {
	if done == 0 {
		return ""
	}
	return w.groups[done-1].ID
}
