package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-explain/pkg/contracts"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

// Client calls a remote explanation service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the explanation service at address.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial explanation service at %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Explain sends a raw adaptation record. rendered is set when format is not
// json.
func (c *Client) Explain(ctx context.Context, event map[string]interface{}, format string) (record *types.ExplanationRecord, rendered string, err error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		contracts.KeyEvent:  plain(event),
		contracts.KeyFormat: format,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode event: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, contracts.FullMethod(contracts.MethodExplain), req, resp); err != nil {
		return nil, "", err
	}

	b, err := resp.GetFields()[contracts.KeyExplanation].MarshalJSON()
	if err != nil {
		return nil, "", fmt.Errorf("decode explanation: %w", err)
	}
	record = new(types.ExplanationRecord)
	if err := json.Unmarshal(b, record); err != nil {
		return nil, "", fmt.Errorf("decode explanation: %w", err)
	}
	return record, resp.GetFields()[contracts.KeyRendered].GetStringValue(), nil
}

// Evict evicts a cached explanation.
func (c *Client) Evict(ctx context.Context, fingerprint string) error {
	req, err := structpb.NewStruct(map[string]interface{}{contracts.KeyFingerprint: fingerprint})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, contracts.FullMethod(contracts.MethodEvict), req, new(structpb.Struct))
}

// plain converts json.Number values, which structpb does not accept, to
// float64.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
