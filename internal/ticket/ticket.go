// Package ticket creates externally visible tickets for admitted
// phases via the issue-tracker collaborator. One isolated ticket per
// phase; no parent ticket is ever created.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Request describes the phase a ticket is created for.
type Request struct {
	PhaseID     string `json:"phase_id"`
	FeatureID   int64  `json:"feature_id"`
	PhaseNumber int    `json:"phase_number"`
	TotalPhases int    `json:"total_phases"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Priority    int    `json:"priority"`
}

// Poster creates a ticket and returns its opaque reference.
// Implementations must be idempotent on retry: creating a ticket twice
// for the same phase ID returns the existing reference.
type Poster interface {
	CreateTicket(ctx context.Context, req Request) (string, error)
}

// HTTPPoster posts tickets to the configured ticket service.
// Calls run behind a circuit breaker so a dead service fails fast
// instead of holding launch slots, and each attempt carries a per-call
// timeout with bounded retry on top.
type HTTPPoster struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewHTTPPoster creates a poster for the given service URL.
func NewHTTPPoster(baseURL, token string) *HTTPPoster {
	return &HTTPPoster{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ticket-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		retry: DefaultRetryConfig,
	}
}

// createResponse is the ticket service's reply shape.
type createResponse struct {
	Ref string `json:"ref"`
}

// CreateTicket posts the request, retrying transient failures with
// exponential backoff. The phase ID doubles as the idempotency key so
// service-side retries reuse the existing ticket.
func (p *HTTPPoster) CreateTicket(ctx context.Context, req Request) (string, error) {
	var ref string

	result := RetryWithBackoff(ctx, p.retry, func(ctx context.Context) error {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.post(ctx, req)
		})
		if err != nil {
			return err
		}
		ref = out.(string)
		return nil
	})

	if !result.Success {
		return "", fmt.Errorf("ticket creation failed after %d attempts: %w", result.Attempts, result.LastErr)
	}
	return ref, nil
}

func (p *HTTPPoster) post(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal ticket payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ticket request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.PhaseID)
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ticket request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Read a little of the body for the log line; the caller only
		// sees the status
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("ticket service returned %d: %s", resp.StatusCode, snippet)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("ticket service returned empty ref")
	}
	return out.Ref, nil
}

// LocalPoster fabricates ticket references without any external call.
// Used when no ticket service is configured (development, tests).
type LocalPoster struct{}

// CreateTicket returns a reference derived from the phase ID.
func (LocalPoster) CreateTicket(_ context.Context, req Request) (string, error) {
	return "local/" + req.PhaseID, nil
}

// FromConfig selects the poster implementation: HTTP when a service
// URL is configured, local otherwise.
func FromConfig(serviceURL, token string) Poster {
	if serviceURL == "" {
		return LocalPoster{}
	}
	return NewHTTPPoster(serviceURL, token)
}
