package attribution

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/resilience"
)

// HTTPScorer calls a remote scoring service over HTTP. Requests are sent
// in configurable batches, rate limited, and retried with bounded backoff
// on transient failures. Per-item failures come back as item errors, never
// as a batch failure.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// HTTPScorerOption customizes an HTTPScorer.
type HTTPScorerOption func(*HTTPScorer)

// WithRetry overrides the default retry configuration.
func WithRetry(cfg resilience.RetryConfig) HTTPScorerOption {
	return func(s *HTTPScorer) { s.retry = cfg }
}

// WithRateLimit caps outbound batch calls per second.
func WithRateLimit(rps float64, burst int) HTTPScorerOption {
	return func(s *HTTPScorer) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPScorerOption {
	return func(s *HTTPScorer) { s.client = c }
}

// NewHTTPScorer creates a scorer against the service's base URL.
func NewHTTPScorer(baseURL string, opts ...HTTPScorerOption) *HTTPScorer {
	s := &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		retry:   resilience.DefaultRetryConfig(),
	}
	s.retry.OnRetry = resilience.RetryLogger("attribution", "score_batch")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type wireItem struct {
	DifferenceID  string               `json:"differenceId"`
	RankedReasons []model.RankedReason `json:"rankedReasons"`
	Error         string               `json:"error,omitempty"`
}

type wireResponse struct {
	Items        []wireItem `json:"items"`
	ModelVersion string     `json:"modelVersion"`
}

// ScoreBatch posts the batch and maps per-item responses back to request
// order. Missing items are reported as item errors.
func (s *HTTPScorer) ScoreBatch(ctx context.Context, reqs []ScoreRequest) ([]ScoreResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "attribution: rate limit wait")
	}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*wireResponse, error) {
		return s.post(ctx, reqs)
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]wireItem, len(resp.Items))
	for _, item := range resp.Items {
		byID[item.DifferenceID] = item
	}

	results := make([]ScoreResult, len(reqs))
	for i, req := range reqs {
		item, ok := byID[req.DifferenceID]
		if !ok {
			results[i] = ScoreResult{Err: eris.Errorf("attribution: no result for difference %s", req.DifferenceID)}
			continue
		}
		if item.Error != "" {
			results[i] = ScoreResult{Err: eris.Errorf("attribution: item failed: %s", item.Error)}
			continue
		}
		results[i] = ScoreResult{Attribution: model.Attribution{
			DifferenceID: req.DifferenceID,
			Reasons:      item.RankedReasons,
			ModelVersion: resp.ModelVersion,
		}}
	}
	return results, nil
}

func (s *HTTPScorer) post(ctx context.Context, reqs []ScoreRequest) (*wireResponse, error) {
	payload, err := json.Marshal(map[string]any{"items": reqs})
	if err != nil {
		return nil, eris.Wrap(err, "attribution: marshal batch")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "attribution: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "attribution: post batch"), 0)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "attribution: read response"), httpResp.StatusCode)
	}

	if httpResp.StatusCode != http.StatusOK {
		err := eris.Errorf("attribution: service returned %d", httpResp.StatusCode)
		if resilience.IsTransientHTTPStatus(httpResp.StatusCode) {
			return nil, resilience.NewTransientError(err, httpResp.StatusCode)
		}
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "attribution: decode response")
	}
	return &resp, nil
}
