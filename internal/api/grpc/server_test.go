package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
	"github.com/kubilitics/kubilitics-explain/pkg/contracts"
)

func e1() map[string]interface{} {
	return map[string]interface{}{
		"event_id":         "E1",
		"timestamp":        "2026-05-01T10:00:00Z",
		"intent":           "low-latency",
		"chosen_option_id": "A",
		"options": []interface{}{
			map[string]interface{}{"id": "A", "score": 0.8, "factors": map[string]interface{}{"latency": 0.9, "cost": 0.5}},
			map[string]interface{}{"id": "B", "score": 0.6, "factors": map[string]interface{}{"latency": 0.5, "cost": 0.7}},
		},
	}
}

func startServer(t *testing.T) *Client {
	t.Helper()
	engine, err := pipeline.New(pipeline.Deps{
		Resolver: resolver.New(resolver.NewStaticSource(map[string]float64{"latency": 12, "cost": 3}), resolver.Options{FetchTimeout: time.Second}),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(0, Deps{Explainer: engine})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestExplainOverGRPC(t *testing.T) {
	client := startServer(t)

	rec, rendered, err := client.Explain(context.Background(), e1(), "markdown")
	require.NoError(t, err)
	assert.Equal(t, "E1", rec.EventID)
	assert.Equal(t, "A", rec.ChosenOptionID)
	assert.Equal(t, "B", rec.RunnerUpID)
	assert.InDelta(t, 0.2, rec.Margin, 1e-9)
	assert.Contains(t, rec.Narrative, "latency favored A")
	assert.Contains(t, rendered, "# Explanation for `E1`")

	again, rendered, err := client.Explain(context.Background(), e1(), "")
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, again.Fingerprint)
	assert.Empty(t, rendered)
}

func TestExplainErrorCodes(t *testing.T) {
	client := startServer(t)

	malformed := e1()
	malformed["chosen_option_id"] = "Z"
	_, _, err := client.Explain(context.Background(), malformed, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	inconsistent := e1()
	inconsistent["chosen_option_id"] = "B"
	_, _, err = client.Explain(context.Background(), inconsistent, "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "AttributionError")

	_, _, err = client.Explain(context.Background(), e1(), "pdf")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestEvictOverGRPC(t *testing.T) {
	client := startServer(t)

	rec, _, err := client.Explain(context.Background(), e1(), "")
	require.NoError(t, err)

	require.NoError(t, client.Evict(context.Background(), rec.Fingerprint))
	assert.Equal(t, codes.NotFound, status.Code(client.Evict(context.Background(), rec.Fingerprint)))
	assert.Equal(t, codes.InvalidArgument, status.Code(client.Evict(context.Background(), "")))
}

func TestBareEventStruct(t *testing.T) {
	client := startServer(t)

	req, err := structpb.NewStruct(e1())
	require.NoError(t, err)
	resp := new(structpb.Struct)
	require.NoError(t, client.conn.Invoke(context.Background(), contracts.FullMethod(contracts.MethodExplain), req, resp))
	assert.Equal(t, "E1", resp.GetFields()[contracts.KeyExplanation].GetStructValue().GetFields()["event_id"].GetStringValue())
}

func TestHealthService(t *testing.T) {
	client := startServer(t)

	resp, err := grpc_health_v1.NewHealthClient(client.conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: contracts.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
