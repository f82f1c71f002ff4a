package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxWebhookBody bounds how much of a webhook response is read.
const maxWebhookBody = 64 << 10

// WebhookValidator calls rawURL with GET ?percentage=<pct>&flag=<flag>. The
// stage passes on a 2xx answer whose JSON body is {"healthy": true}.
// If client is nil, a client with a 10s timeout is used.
func WebhookValidator(client *http.Client, rawURL, flagName string) (ValidateFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid validation url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid validation url: scheme must be http or https, got %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ctx context.Context, pct float64) (bool, error) {
		target := *u
		q := target.Query()
		q.Set("percentage", strconv.FormatFloat(pct, 'f', -1, 64))
		if flagName != "" {
			q.Set("flag", flagName)
		}
		target.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Errorf("validation webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("validation webhook returned %d", resp.StatusCode)
		}

		var body struct {
			Healthy bool `json:"healthy"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebhookBody)).Decode(&body); err != nil {
			return false, fmt.Errorf("validation webhook: invalid body: %w", err)
		}
		return body.Healthy, nil
	}, nil
}

// HealthMetrics is what a ThresholdValidator reads for one stage.
type HealthMetrics struct {
	ErrorRate  float64
	P99Latency time.Duration
}

// MetricsSource supplies health numbers for the flag at the given percentage.
type MetricsSource interface {
	HealthMetrics(ctx context.Context, percentage float64) (HealthMetrics, error)
}

// Thresholds are ceilings; a zero field is not checked.
type Thresholds struct {
	MaxErrorRate  float64
	MaxP99Latency time.Duration
}

// ThresholdValidator passes a stage while the source stays under every ceiling.
func ThresholdValidator(source MetricsSource, limits Thresholds) ValidateFunc {
	if source == nil {
		panic("rollout: metrics source cannot be nil")
	}
	return func(ctx context.Context, pct float64) (bool, error) {
		m, err := source.HealthMetrics(ctx, pct)
		if err != nil {
			return false, err
		}
		if limits.MaxErrorRate > 0 && m.ErrorRate > limits.MaxErrorRate {
			return false, nil
		}
		if limits.MaxP99Latency > 0 && m.P99Latency > limits.MaxP99Latency {
			return false, nil
		}
		return true, nil
	}
}
