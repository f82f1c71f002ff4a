package dataapi_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/bifrost/internal/abtest"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/dataapi"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

func testConfig() *config.DataPlaneConfig {
	return &config.DataPlaneConfig{
		MaxConcurrentStreams: 100,
		KeepaliveTime:        2 * time.Minute,
		KeepaliveTimeout:     20 * time.Second,
		MaxConnectionAge:     5 * time.Minute,
	}
}

// startServer serves api over an in-memory listener and returns a connected client.
func startServer(t *testing.T, logger *slog.Logger, api *dataapi.API) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	srv := dataapi.NewServer(testConfig(), logger, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough://bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return conn
}

type fixture struct {
	client *dataapi.DataPlaneClient
	conn   *grpc.ClientConn
	reg    *flags.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := flags.NewRegistry(logger)
	_, err := reg.SetFlag(flags.Definition{Name: "checkout", Enabled: true, RolloutPercentage: 100})
	require.NoError(t, err)
	_, err = reg.SetFlag(flags.Definition{Name: "beta-only", Enabled: true, RolloutPercentage: 0})
	require.NoError(t, err)
	_, err = reg.SetGroups("beta-only", []string{"beta"})
	require.NoError(t, err)

	engine := abtest.NewEngine(logger)
	_, err = engine.CreateTest(abtest.Definition{
		ID:                 "button",
		ControlComponent:   "blue",
		TreatmentComponent: "green",
		TrafficSplit:       0.5,
		Duration:           time.Hour,
		TrackedMetrics:     []string{"clicks"},
	})
	require.NoError(t, err)

	conn := startServer(t, logger, dataapi.NewAPI(dataapi.RegistryEvaluator(reg), engine))
	return &fixture{client: dataapi.NewDataPlaneClient(conn), conn: conn, reg: reg}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name       string
		req        dataapi.EvaluateRequest
		wantCode   codes.Code
		wantValue  bool
		wantReason string
	}{
		{
			name:       "enabled flag",
			req:        dataapi.EvaluateRequest{Flag: "checkout", UserID: "u1"},
			wantCode:   codes.OK,
			wantValue:  true,
			wantReason: flags.ReasonEnabled,
		},
		{
			name:       "group target",
			req:        dataapi.EvaluateRequest{Flag: "beta-only", UserID: "u1", GroupIDs: []string{"beta"}},
			wantCode:   codes.OK,
			wantValue:  true,
			wantReason: flags.ReasonGroupTarget,
		},
		{
			name:       "outside the groups",
			req:        dataapi.EvaluateRequest{Flag: "beta-only", UserID: "u1", Attributes: map[string]string{"country": "br"}},
			wantCode:   codes.OK,
			wantValue:  false,
			wantReason: flags.ReasonPercentageMiss,
		},
		{
			name:     "unknown flag",
			req:      dataapi.EvaluateRequest{Flag: "missing", UserID: "u1"},
			wantCode: codes.NotFound,
		},
		{
			name:     "missing flag name",
			req:      dataapi.EvaluateRequest{UserID: "u1"},
			wantCode: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, err := f.client.Evaluate(context.Background(), tt.req)
			require.Equal(t, tt.wantCode, status.Code(err), "err: %v", err)
			if tt.wantCode != codes.OK {
				return
			}
			assert.Equal(t, tt.req.Flag, resp.Flag)
			assert.Equal(t, tt.wantValue, resp.Value)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestEvaluate_KillSwitchIsVisibleImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.reg.DisableFlag("checkout")
	require.NoError(t, err)

	resp, err := f.client.Evaluate(context.Background(), dataapi.EvaluateRequest{Flag: "checkout", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, resp.Value)
	assert.Equal(t, flags.ReasonKilled, resp.Reason)
}

func TestEvaluate_MalformedStruct(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "flag is a number", fields: map[string]any{"flag": 42}},
		{name: "group_ids is not a list", fields: map[string]any{"flag": "checkout", "group_ids": "beta"}},
		{name: "group id is not a string", fields: map[string]any{"flag": "checkout", "group_ids": []any{1}}},
		{name: "attributes is not an object", fields: map[string]any{"flag": "checkout", "attributes": []any{"x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)

			err = f.conn.Invoke(context.Background(), dataapi.EvaluateMethod, in, new(structpb.Struct))
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestEvaluate_AttributesAcceptScalars(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	in, err := structpb.NewStruct(map[string]any{
		"flag":       "checkout",
		"user_id":    "u1",
		"attributes": map[string]any{"age": 30, "pro": true, "country": "br"},
	})
	require.NoError(t, err)

	out := new(structpb.Struct)
	require.NoError(t, f.conn.Invoke(context.Background(), dataapi.EvaluateMethod, in, out))
	assert.True(t, out.GetFields()["value"].GetBoolValue())
}

func TestGetVariant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first, err := f.client.GetVariant(context.Background(), dataapi.VariantRequest{TestID: "button", UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, []string{string(abtest.VariantControl), string(abtest.VariantTreatment)}, first.Variant)

	again, err := f.client.GetVariant(context.Background(), dataapi.VariantRequest{TestID: "button", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.Variant, again.Variant)

	_, err = f.client.GetVariant(context.Background(), dataapi.VariantRequest{TestID: "nope", UserID: "u1"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.GetVariant(context.Background(), dataapi.VariantRequest{TestID: "button"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetVariant_UnimplementedWithoutEngine(t *testing.T) {
	t.Parallel()

	reg := flags.NewRegistry(nil)
	conn := startServer(t, nil, dataapi.NewAPI(dataapi.RegistryEvaluator(reg), nil))

	_, err := dataapi.NewDataPlaneClient(conn).GetVariant(context.Background(), dataapi.VariantRequest{TestID: "t", UserID: "u"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

type failingEvaluator struct{ err error }

func (f failingEvaluator) Evaluate(context.Context, string, flags.Request) (flags.Evaluation, error) {
	return flags.Evaluation{}, f.err
}

func TestEvaluate_SourceFailureIsInternal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	conn := startServer(t, logger, dataapi.NewAPI(failingEvaluator{err: errors.New("redis: connection refused")}, nil))

	_, err := dataapi.NewDataPlaneClient(conn).Evaluate(context.Background(), dataapi.EvaluateRequest{Flag: "any"})
	st := status.Convert(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "redis")
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	reg := flags.NewRegistry(nil)
	_, err := reg.SetFlag(flags.Definition{Name: "checkout", Enabled: true, RolloutPercentage: 100})
	require.NoError(t, err)
	conn := startServer(t, logger, dataapi.NewAPI(dataapi.RegistryEvaluator(reg), nil))
	client := dataapi.NewDataPlaneClient(conn)

	t.Run("propagates the caller's id", func(t *testing.T) {
		ctx := metadata.AppendToOutgoingContext(context.Background(), dataapi.RequestIDHeader, "req-123")
		var header metadata.MD

		_, err := client.Evaluate(ctx, dataapi.EvaluateRequest{Flag: "checkout"}, grpc.Header(&header))
		require.NoError(t, err)
		assert.Equal(t, []string{"req-123"}, header.Get(dataapi.RequestIDHeader))
	})

	t.Run("generates one when missing", func(t *testing.T) {
		var header metadata.MD

		_, err := client.Evaluate(context.Background(), dataapi.EvaluateRequest{Flag: "checkout"}, grpc.Header(&header))
		require.NoError(t, err)
		require.Len(t, header.Get(dataapi.RequestIDHeader), 1)
		assert.Len(t, header.Get(dataapi.RequestIDHeader)[0], 36)
	})
}

func TestHealthService(t *testing.T) {
	t.Parallel()

	conn := startServer(t, nil, dataapi.NewAPI(dataapi.RegistryEvaluator(flags.NewRegistry(nil)), nil))

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: dataapi.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

// Metrics live in the global Prometheus registry, so this test is not parallel.
func TestMetrics(t *testing.T) {
	conn := startServer(t, nil, dataapi.NewAPI(dataapi.RegistryEvaluator(flags.NewRegistry(nil)), nil))
	client := dataapi.NewDataPlaneClient(conn)

	labels := map[string]string{"method": dataapi.EvaluateMethod, "code": "NotFound"}

	testsupport.AssertMetricDelta(t, "bifrost_data_plane_grpc_requests_total", labels, 1, func() {
		_, err := client.Evaluate(context.Background(), dataapi.EvaluateRequest{Flag: "missing-flag"})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
	testsupport.AssertHistogramRecorded(t, "bifrost_data_plane_grpc_handling_seconds", labels)
}
