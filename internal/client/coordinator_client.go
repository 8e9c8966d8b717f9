// Package client adapts the coordinator's mutation write path into the
// collab.WritePath contract the hint sender depends on, over a plain gRPC
// connection. No generated service stub exists for this RPC surface in this
// repository, so requests are marshalled with a small JSON codec registered
// against the grpc-go codec extension point instead of protobuf-generated
// messages, keeping the teacher's gRPC transport while avoiding a
// fabricated generated package.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/shardkv/hintedhandoff/internal/model"
)

const jsonCodecName = "hintedhandoff-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc-go's encoding.Codec so RPCWritePath can call a
// peer's write-path service without a generated protobuf client.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return jsonCodecName }

type mutateDirectlyRequest struct {
	Endpoint string `json:"endpoint"`
	Mutation []byte `json:"mutation"`
}

type mutateAnyRequest struct {
	Mutation []byte `json:"mutation"`
}

type mutateResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// RPCWritePath implements collab.WritePath against a remote coordinator or
// peer replica over gRPC.
type RPCWritePath struct {
	host   string
	port   int
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewRPCWritePath dials the write-path service at host:port.
func NewRPCWritePath(host string, port int, logger *zap.Logger) (*RPCWritePath, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial write path at %s: %w", addr, err)
	}

	return &RPCWritePath{host: host, port: port, conn: conn, logger: logger}, nil
}

// MutateDirectly implements collab.WritePath.
func (c *RPCWritePath) MutateDirectly(ctx context.Context, ep model.EndpointID, mutation []byte) error {
	req := &mutateDirectlyRequest{Endpoint: string(ep), Mutation: mutation}
	resp := &mutateResponse{}
	if err := c.conn.Invoke(ctx, "/hintedhandoff.WritePath/MutateDirectly", req, resp); err != nil {
		return fmt.Errorf("mutate directly to %s: %w", ep, err)
	}
	if !resp.Success {
		return fmt.Errorf("mutate directly to %s refused: %s", ep, resp.ErrorMessage)
	}
	return nil
}

// MutateAny implements collab.WritePath.
func (c *RPCWritePath) MutateAny(ctx context.Context, mutation []byte) error {
	req := &mutateAnyRequest{Mutation: mutation}
	resp := &mutateResponse{}
	if err := c.conn.Invoke(ctx, "/hintedhandoff.WritePath/MutateAny", req, resp); err != nil {
		return fmt.Errorf("mutate any: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("mutate any refused: %s", resp.ErrorMessage)
	}
	return nil
}

// WaitUntilReady blocks, retrying, until the write-path connection is ready
// or ctx is cancelled. This mirrors the teacher's RegisterWithRetry
// backoff shape, applied here to connection readiness rather than a
// one-shot registration call.
func (c *RPCWritePath) WaitUntilReady(ctx context.Context, maxAttempts int, retryInterval time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state := c.conn.GetState()
		if state.String() == "READY" || state.String() == "IDLE" {
			return nil
		}
		c.conn.Connect()

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for write path: %w", ctx.Err())
		case <-time.After(retryInterval):
		}
		lastErr = fmt.Errorf("write path not ready, state=%s", state)
	}
	return fmt.Errorf("write path did not become ready after %d attempts: %w", maxAttempts, lastErr)
}

// Close closes the underlying connection.
func (c *RPCWritePath) Close() error {
	return c.conn.Close()
}
