package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HTTPDirectoryConfig configures the remote directory client.
type HTTPDirectoryConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// HTTPDirectory resolves approvers against the platform identity service
// over HTTP. Calls are rate limited, retried with backoff and guarded by a
// circuit breaker so a failing directory fails fast.
type HTTPDirectory struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPDirectory creates a directory client.
func NewHTTPDirectory(cfg HTTPDirectoryConfig) *HTTPDirectory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "approver-directory",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// A missing approver is a valid answer, not a directory outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrApproverNotFound)
		},
	})

	return &HTTPDirectory{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Resolve implements ApproverDirectory.
func (d *HTTPDirectory) Resolve(ctx context.Context, approverID string) (*Approver, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("directory rate limit: %w", err)
	}

	res, err := d.cb.Execute(func() (interface{}, error) {
		var approver *Approver
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ErrApproverNotFound)
			}),
		)
		err := r.Do(func() error {
			var callErr error
			approver, callErr = d.fetch(ctx, approverID)
			return callErr
		})
		return approver, err
	})
	if err != nil {
		return nil, err
	}
	return res.(*Approver), nil
}

func (d *HTTPDirectory) fetch(ctx context.Context, approverID string) (*Approver, error) {
	endpoint := fmt.Sprintf("%s/api/v1/approvers/%s", d.baseURL, url.PathEscape(approverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call directory: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrApproverNotFound, approverID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var a Approver
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode approver: %w", err)
	}
	if a.ID == "" {
		a.ID = approverID
	}
	return &a, nil
}
