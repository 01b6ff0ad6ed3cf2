package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Client calls a remote BatchService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security. Extra options are
// appended, so tests can pass a bufconn dialer.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageBytes)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// RunBatch submits jobs and waits for their results.
func (c *Client) RunBatch(ctx context.Context, jobs []types.Job) ([]types.JobResult, error) {
	raw, err := json.Marshal(jobs)
	if err != nil {
		return nil, err
	}
	var images []any
	if err := json.Unmarshal(raw, &images); err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"images": images})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, RunBatchMethod, req, resp); err != nil {
		return nil, err
	}
	return decodeResults(resp)
}

// Healthy reports whether the server's health service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
