// Package notifier delivers trigger intents to the external automation
// system: a GitHub Actions workflow_dispatch endpoint.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthDevOps/k8s-service-trigger/internal/types"
)

const (
	defaultAPIBaseURL      = "https://api.github.com"
	defaultWorkflowRef     = "main"
	defaultMaxRetries      = 4
	defaultAttemptTimeout  = 10 * time.Second
	defaultBackoffBase     = 500 * time.Millisecond
	defaultBackoffCap      = 30 * time.Second
	userAgent              = "k8s-service-trigger/v1"
	acceptGitHubJSON       = "application/vnd.github+json"
	githubAPIVersionHeader = "X-GitHub-Api-Version"
	githubAPIVersion       = "2022-11-28"
)

// GitHubDispatcherConfig holds the configuration for creating a GitHubDispatcher.
type GitHubDispatcherConfig struct {
	// Repo is the "owner/name" repository carrying the workflow.
	Repo string
	// WorkflowFile is the workflow file name, e.g. "deploy.yml".
	WorkflowFile string
	// Ref is the git ref the workflow runs against. Empty means "main".
	Ref string
	// Token is a pre-resolved bearer token. Stored at construction time —
	// token rotation requires a controller restart.
	Token string
	// APIBaseURL overrides the GitHub API endpoint (tests, GHE).
	APIBaseURL string
	// MaxRetries bounds retries after the first attempt. Zero means 4.
	MaxRetries int
	// AttemptTimeout bounds each HTTP attempt, separate from backoff.
	AttemptTimeout time.Duration
	// BackoffBase and BackoffCap shape the exponential backoff between attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// dispatchPayload is the JSON body POSTed to the workflow_dispatch endpoint.
type dispatchPayload struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// GitHubDispatcher performs the outbound workflow_dispatch call with bounded
// retries. Safe for concurrent use; each Dispatch call is independent.
type GitHubDispatcher struct {
	httpClient  *http.Client
	logger      *zap.Logger
	dispatchURL string
	token       string
	ref         string
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	// sleep is injectable so retry schedules are testable without timers.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a factor in [0,1); injectable for deterministic tests.
	jitter func() float64
}

// NewGitHubDispatcher creates a GitHubDispatcher. Returns an error when the
// repo, workflow file, or token is missing, or the base URL is invalid.
func NewGitHubDispatcher(logger *zap.Logger, cfg GitHubDispatcherConfig) (*GitHubDispatcher, error) {
	if cfg.Repo == "" {
		return nil, fmt.Errorf("github repo is required")
	}
	if cfg.WorkflowFile == "" {
		return nil, fmt.Errorf("workflow file is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	base := cfg.APIBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("API base URL must use http or https scheme, got %q", u.Scheme)
	}

	ref := cfg.Ref
	if ref == "" {
		ref = defaultWorkflowRef
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}

	return &GitHubDispatcher{
		httpClient: &http.Client{
			Timeout: attemptTimeout,
		},
		logger: logger.Named("github-dispatcher"),
		dispatchURL: fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches",
			base, cfg.Repo, cfg.WorkflowFile),
		token:       cfg.Token,
		ref:         ref,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		sleep:       sleepContext,
		jitter:      rand.Float64,
	}, nil
}

// Dispatch performs the trigger call for one intent and reports how the
// attempt sequence ended. It never panics or propagates raw faults; every
// failure mode is folded into the record's Outcome.
func (d *GitHubDispatcher) Dispatch(ctx context.Context, intent types.TriggerIntent) types.DispatchRecord {
	record := types.DispatchRecord{
		DeliveryID: uuid.NewString(),
		Identity:   intent.Identity,
		Kind:       intent.Kind,
	}

	body, err := json.Marshal(dispatchPayload{
		Ref: d.ref,
		Inputs: map[string]string{
			"tenant":  intent.Tenant,
			"project": intent.Project,
		},
	})
	if err != nil {
		record.Outcome = types.OutcomeFailedPermanent
		record.Err = fmt.Errorf("marshal dispatch payload: %w", err)
		record.FinishedAt = time.Now()
		dispatchTotal.WithLabelValues(string(record.Outcome)).Inc()
		return record
	}

	bo := backoff{base: d.backoffBase, cap: d.backoffCap, jitter: d.jitter}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			dispatchRetries.Inc()
			if err := d.sleep(ctx, bo.next()); err != nil {
				// Shutdown during backoff: do not start a new attempt.
				record.Outcome = types.OutcomeAbandoned
				record.Err = fmt.Errorf("cancelled during backoff: %w", err)
				record.FinishedAt = time.Now()
				dispatchTotal.WithLabelValues(string(record.Outcome)).Inc()
				return record
			}
		}

		record.Attempts = attempt + 1
		lastErr = d.doPost(ctx, body)
		if lastErr == nil {
			record.Outcome = types.OutcomeSucceeded
			record.FinishedAt = time.Now()
			dispatchTotal.WithLabelValues(string(record.Outcome)).Inc()
			d.logger.Info("Workflow dispatched",
				zap.String("delivery_id", record.DeliveryID),
				zap.String("service", intent.Identity.String()),
				zap.String("kind", string(intent.Kind)),
				zap.Int("attempts", record.Attempts),
			)
			return record
		}

		if !isRetryable(lastErr) {
			record.Outcome = types.OutcomeFailedPermanent
			record.Err = lastErr
			record.FinishedAt = time.Now()
			dispatchTotal.WithLabelValues(string(record.Outcome)).Inc()
			d.logger.Error("Workflow dispatch rejected",
				zap.String("delivery_id", record.DeliveryID),
				zap.String("service", intent.Identity.String()),
				zap.Error(lastErr),
			)
			return record
		}

		d.logger.Debug("Workflow dispatch transient failure, will retry",
			zap.String("delivery_id", record.DeliveryID),
			zap.Int("attempt", record.Attempts),
			zap.Error(lastErr),
		)
	}

	record.Outcome = types.OutcomeAbandoned
	record.Err = fmt.Errorf("dispatch abandoned after %d attempts: %w", record.Attempts, lastErr)
	record.FinishedAt = time.Now()
	dispatchTotal.WithLabelValues(string(record.Outcome)).Inc()
	d.logger.Error("Workflow dispatch abandoned",
		zap.String("delivery_id", record.DeliveryID),
		zap.String("service", intent.Identity.String()),
		zap.Int("attempts", record.Attempts),
		zap.Error(lastErr),
	)
	return record
}

// doPost executes a single workflow_dispatch POST. GitHub answers 204 No
// Content on acceptance; any 2xx is treated as accepted.
func (d *GitHubDispatcher) doPost(ctx context.Context, body []byte) error {
	start := time.Now()

	// Shutdown must not cut an attempt off mid-flight, only stop new ones
	// (the backoff sleep is the cancellation point). The client timeout
	// still bounds the detached attempt.
	attemptCtx := context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.dispatchURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptGitHubJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(githubAPIVersionHeader, githubAPIVersion)
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		dispatchDuration.WithLabelValues("error").Observe(duration)
		return &dispatchError{err: err, retryable: true}
	}
	defer func() {
		// Drain and close body to reuse connections.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		dispatchDuration.WithLabelValues("success").Observe(duration)
		return nil
	}

	dispatchDuration.WithLabelValues("error").Observe(duration)
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &dispatchError{
		err:       fmt.Errorf("workflow dispatch returned HTTP %d", resp.StatusCode),
		retryable: retryable,
	}
}

// dispatchError wraps an error with a retryable flag.
type dispatchError struct {
	err       error
	retryable bool
}

func (e *dispatchError) Error() string { return e.err.Error() }
func (e *dispatchError) Unwrap() error { return e.err }

// isRetryable returns true if the error is a transient failure worth retrying.
func isRetryable(err error) bool {
	var de *dispatchError
	if errors.As(err, &de) {
		return de.retryable
	}
	// Unknown errors (connection refused, DNS, etc.) are retryable.
	return true
}

// backoff is the retry delay state: exponential growth from base, capped,
// with up to 50% positive jitter.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	jitter  func() float64
	attempt int
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.attempt++
	return d + time.Duration(float64(d)*0.5*b.jitter())
}

// sleepContext blocks for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RedactURL masks credentials in a URL for safe logging. It redacts userinfo
// passwords and query parameter values.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	redacted := u.Redacted()
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		r, err := url.Parse(redacted)
		if err != nil {
			return redacted
		}
		r.RawQuery = q.Encode()
		return r.String()
	}
	return redacted
}
