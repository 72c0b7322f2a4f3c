// Package client is a small HTTP client for the generation API, used by the
// admin CLI and integration callers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/generation"
)

// ErrPollTimeout means the client stopped waiting. The job itself may still
// finish; it is not a failed status.
var ErrPollTimeout = errors.New("stopped polling before the job finished")

// ErrNotFound is returned for unknown jobs and jobs owned by someone else.
var ErrNotFound = errors.New("generation not found")

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// Status fetches the polling projection of one job.
func (c *Client) Status(ctx context.Context, jobID uuid.UUID) (*generation.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/generations/"+jobID.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	var st generation.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Poller waits for a job to reach a terminal status by polling at a fixed
// interval for at most Attempts requests.
type Poller struct {
	Client   *Client
	Interval time.Duration
	Attempts uint
	// OnUpdate, when set, sees every non-terminal status.
	OnUpdate func(*generation.Status)
}

// Wait returns the terminal status, or ErrPollTimeout once the attempts are
// used up. Transport errors and 5xx answers count as attempts; 4xx answers
// stop polling immediately.
func (p *Poller) Wait(ctx context.Context, jobID uuid.UUID) (*generation.Status, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 60
	}
	errPending := errors.New("pending")

	st, err := backoff.Retry(ctx, func() (*generation.Status, error) {
		st, err := p.Client.Status(ctx, jobID)
		if err != nil {
			var apiErr *APIError
			if errors.Is(err, ErrNotFound) || (errors.As(err, &apiErr) && apiErr.StatusCode < 500) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !st.Terminal {
			if p.OnUpdate != nil {
				p.OnUpdate(st)
			}
			return nil, errPending
		}
		return st, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(interval)), backoff.WithMaxTries(attempts))
	if err != nil {
		if errors.Is(err, errPending) {
			return nil, ErrPollTimeout
		}
		return nil, err
	}
	return st, nil
}
