package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/store"
)

func TestWebhookQueuePostsItem(t *testing.T) {
	var got Item
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	item := Item{
		GroupID:      "grp-1",
		PriorityBand: model.BandExpedited,
		Differences: []model.Difference{{
			ID: "diff-1", GroupID: "grp-1", Field: "amount",
			Type: model.DiffTypeNumeric, AbsoluteDelta: 2.5,
		}},
	}
	require.NoError(t, NewWebhookQueue(srv.URL).Enqueue(context.Background(), item))

	assert.Equal(t, "grp-1", got.GroupID)
	assert.Equal(t, model.BandExpedited, got.PriorityBand)
	require.Len(t, got.Differences, 1)
	assert.Equal(t, "amount", got.Differences[0].Field)
}

func TestWebhookQueueRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookQueue(srv.URL).Enqueue(context.Background(), Item{GroupID: "grp-1"})
	assert.Error(t, err)
}

func TestNopQueueAcceptsEverything(t *testing.T) {
	assert.NoError(t, NopQueue{}.Enqueue(context.Background(), Item{GroupID: "grp-1"}))
}

// decisionStore fakes the two Store methods ApplyResolution uses.
type decisionStore struct {
	store.Store
	latest   *model.GateDecision
	appended []model.GateDecision
}

func (d *decisionStore) LatestDecision(context.Context, string) (*model.GateDecision, error) {
	return d.latest, nil
}

func (d *decisionStore) AppendDecision(_ context.Context, decision model.GateDecision) error {
	d.appended = append(d.appended, decision)
	return nil
}

func TestApplyResolutionAppendsResolvedDecision(t *testing.T) {
	st := &decisionStore{latest: &model.GateDecision{
		ID:      "dec-1",
		RunID:   "run-1",
		GroupID: "grp-1",
		State:   model.GateHITLQueued,
		Band:    model.BandStandard,
	}}

	next, err := ApplyResolution(context.Background(), st, gate.Resolution{
		GroupID: "grp-1",
		Action:  gate.ResolutionApprove,
		ActorID: "ops-7",
	})
	require.NoError(t, err)

	assert.Equal(t, model.GateResolved, next.State)
	assert.Equal(t, "dec-1", next.PreviousID)
	assert.Equal(t, "ops-7", next.ActorID)
	require.Len(t, st.appended, 1)
	assert.Equal(t, next.ID, st.appended[0].ID)
}

func TestApplyResolutionRequiresQueuedDecision(t *testing.T) {
	st := &decisionStore{latest: &model.GateDecision{
		ID: "dec-1", GroupID: "grp-1", State: model.GateSTPPassed,
	}}

	_, err := ApplyResolution(context.Background(), st, gate.Resolution{
		GroupID: "grp-1", Action: gate.ResolutionApprove, ActorID: "ops-7",
	})
	require.Error(t, err)
	assert.Empty(t, st.appended)
}

func TestApplyResolutionUnknownGroup(t *testing.T) {
	_, err := ApplyResolution(context.Background(), &decisionStore{}, gate.Resolution{
		GroupID: "grp-missing", Action: gate.ResolutionApprove, ActorID: "ops-7",
	})
	assert.Error(t, err)
}
