package rollout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	m   HealthMetrics
	err error
}

func (s staticSource) HealthMetrics(context.Context, float64) (HealthMetrics, error) {
	return s.m, s.err
}

func TestThresholdValidator(t *testing.T) {
	t.Parallel()

	limits := Thresholds{MaxErrorRate: 0.01, MaxP99Latency: 200 * time.Millisecond}

	tests := []struct {
		name    string
		source  staticSource
		limits  Thresholds
		want    bool
		wantErr bool
	}{
		{name: "under both ceilings", source: staticSource{m: HealthMetrics{ErrorRate: 0.005, P99Latency: 150 * time.Millisecond}}, limits: limits, want: true},
		{name: "error rate above ceiling", source: staticSource{m: HealthMetrics{ErrorRate: 0.02, P99Latency: 150 * time.Millisecond}}, limits: limits, want: false},
		{name: "latency above ceiling", source: staticSource{m: HealthMetrics{ErrorRate: 0.001, P99Latency: 300 * time.Millisecond}}, limits: limits, want: false},
		{name: "zero ceilings are not checked", source: staticSource{m: HealthMetrics{ErrorRate: 0.9, P99Latency: time.Minute}}, limits: Thresholds{}, want: true},
		{name: "source error fails the stage", source: staticSource{err: errors.New("metrics unavailable")}, limits: limits, want: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ok, err := ThresholdValidator(tt.source, tt.limits)(context.Background(), 10)

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestThresholdValidator_PanicsOnNilSource(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { ThresholdValidator(nil, Thresholds{}) })
}

func TestWebhookValidator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{name: "healthy", status: http.StatusOK, body: `{"healthy": true}`, want: true},
		{name: "unhealthy", status: http.StatusOK, body: `{"healthy": false}`, want: false},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, wantErr: true},
		{name: "malformed body", status: http.StatusOK, body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotQuery map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotQuery = map[string]string{
					"percentage": r.URL.Query().Get("percentage"),
					"flag":       r.URL.Query().Get("flag"),
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			validate, err := WebhookValidator(srv.Client(), srv.URL+"/health", "checkout")
			require.NoError(t, err)

			ok, err := validate(context.Background(), 25)

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, map[string]string{"percentage": "25", "flag": "checkout"}, gotQuery)
		})
	}
}

func TestWebhookValidator_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ftp://example.com/health", "://nope"} {
		_, err := WebhookValidator(nil, raw, "checkout")
		assert.Error(t, err, raw)
	}
}
