// Package review connects the engine to the governance collaborator that
// owns human-in-the-loop resolution. The engine enqueues; resolutions come
// back asynchronously and are applied as new gate decisions.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/store"
)

// Item is what the review queue receives for one queued group.
type Item struct {
	GroupID      string              `json:"groupId"`
	Differences  []model.Difference  `json:"differences"`
	Attributions []model.Attribution `json:"attribution"`
	PriorityBand model.PriorityBand  `json:"priorityBand"`
}

// Queue is the enqueue side of the governance collaborator.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
}

// WebhookQueue posts queue items to the governance system's webhook.
type WebhookQueue struct {
	url    string
	client *http.Client
}

// NewWebhookQueue creates a queue against the governance webhook URL.
func NewWebhookQueue(url string) *WebhookQueue {
	return &WebhookQueue{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (q *WebhookQueue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "review: marshal item")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "review: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "review: enqueue request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("review: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopQueue discards items; used when no governance webhook is configured.
// Queued groups still get their HITL_QUEUED decision persisted.
type NopQueue struct{}

func (NopQueue) Enqueue(context.Context, Item) error { return nil }

// ApplyResolution looks up a queued group's latest decision, applies the
// governance resolution through the state machine, and appends the new
// decision. The queued decision itself is never touched.
func ApplyResolution(ctx context.Context, st store.Store, res gate.Resolution) (*model.GateDecision, error) {
	prev, err := st.LatestDecision(ctx, res.GroupID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: load decision for group %s", res.GroupID)
	}
	if prev == nil {
		return nil, eris.Errorf("review: no decision found for group %s", res.GroupID)
	}

	next, err := gate.ApplyResolution(*prev, res)
	if err != nil {
		return nil, err
	}
	if err := st.AppendDecision(ctx, next); err != nil {
		return nil, eris.Wrap(err, "review: append resolution decision")
	}

	zap.L().Info("review: resolution applied",
		zap.String("group_id", res.GroupID),
		zap.String("action", res.Action),
		zap.String("actor", res.ActorID),
		zap.String("new_state", string(next.State)),
	)
	return &next, nil
}
