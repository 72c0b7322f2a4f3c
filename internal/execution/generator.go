package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/models"
)

// ErrAccepted means the generator took the area and will deliver its result
// through the callback endpoint.
var ErrAccepted = errors.New("accepted for asynchronous processing")

// AreaError is a failure the generator attributes to the area itself. It is
// recorded on the area and not retried.
type AreaError struct {
	Reason string
}

func (e *AreaError) Error() string { return e.Reason }

// JobError is a failure the generator attributes to the whole job, such as an
// address it cannot geocode. Every unfinished area of the job fails with it.
type JobError struct {
	Reason string
}

func (e *JobError) Error() string { return e.Reason }

type AreaRequest struct {
	JobID  uuid.UUID       `json:"job_id"`
	AreaID string          `json:"area_id"`
	Kind   models.JobKind  `json:"kind"`
	Params json.RawMessage `json:"params"`
	// CallbackURL is where asynchronous generators post the result.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Generator produces the imagery for one area and returns a reference to the result.
type Generator interface {
	Generate(ctx context.Context, req AreaRequest) (string, error)
}

// HTTPGenerator calls an external image generation service. A 200 response
// carries {"result_ref": "..."}; 202 means the result arrives by callback;
// other 4xx responses fail the area, or the whole job when the body says
// {"scope": "job"}; 5xx and transport errors are retryable.
type HTTPGenerator struct {
	url           string
	callbackBase  string
	callbackToken string
	httpClient    *http.Client
}

func NewHTTPGenerator(url, callbackBase, callbackToken string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		url:           url,
		callbackBase:  strings.TrimRight(callbackBase, "/"),
		callbackToken: callbackToken,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req AreaRequest) (string, error) {
	if g.callbackBase != "" {
		req.CallbackURL = fmt.Sprintf("%s/v1/generations/%s/areas/%s/result", g.callbackBase, req.JobID, req.AreaID)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", &AreaError{Reason: fmt.Sprintf("encode request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", &AreaError{Reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.callbackToken != "" {
		httpReq.Header.Set("X-Callback-Token", g.callbackToken)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("network error calling generator: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return "", ErrAccepted
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("generator returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", rejection(resp)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("generator returned unexpected status %d", resp.StatusCode)
	}

	var out struct {
		ResultRef string `json:"result_ref"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", &AreaError{Reason: "generator returned invalid JSON"}
	}
	if out.ResultRef == "" {
		return "", &AreaError{Reason: "generator returned no result reference"}
	}
	return out.ResultRef, nil
}

func rejection(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Scope string `json:"scope"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	reason := body.Error
	if reason == "" {
		reason = fmt.Sprintf("generator returned status %d", resp.StatusCode)
	}
	if body.Scope == "job" {
		return &JobError{Reason: reason}
	}
	return &AreaError{Reason: reason}
}
