// Package attribution talks to the scoring collaborator that explains
// differences. The engine consumes scores; it never trains or owns the
// model.
package attribution

import (
	"context"

	"github.com/sells-group/recon-engine/internal/model"
)

// FeatureVector is the per-difference input to the scoring service.
type FeatureVector struct {
	DiffType      model.DiffType `json:"diff_type"`
	Field         string         `json:"field"`
	ValueA        string         `json:"value_a"`
	ValueB        string         `json:"value_b"`
	AbsoluteDelta float64        `json:"absolute_delta"`
	RelativeDelta float64        `json:"relative_delta"`
}

// ScoreRequest asks for attribution of one difference.
type ScoreRequest struct {
	DifferenceID string        `json:"difference_id"`
	Features     FeatureVector `json:"features"`
}

// ScoreResult is the per-item outcome of a batch. Err is set for items the
// service failed individually; a batch never fails all-or-nothing on item
// errors.
type ScoreResult struct {
	Attribution model.Attribution
	Err         error
}

// Scorer scores batches of differences. Implementations must return one
// result per request, in request order.
type Scorer interface {
	ScoreBatch(ctx context.Context, reqs []ScoreRequest) ([]ScoreResult, error)
}

// BuildRequest derives the feature vector for a difference.
func BuildRequest(d model.Difference) ScoreRequest {
	return ScoreRequest{
		DifferenceID: d.ID,
		Features: FeatureVector{
			DiffType:      d.Type,
			Field:         d.Field,
			ValueA:        d.ValueA,
			ValueB:        d.ValueB,
			AbsoluteDelta: d.AbsoluteDelta,
			RelativeDelta: d.RelativeDelta,
		},
	}
}
