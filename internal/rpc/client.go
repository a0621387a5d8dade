package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/face-service/internal/auth"
	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/logging"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/usecase"
)

// Client calls a remote face.v1.Classifier.
type Client struct {
	conn   *grpc.ClientConn
	token  string
	logger *zap.Logger
}

// Dial connects to addr and blocks until the connection is ready or five
// seconds pass. token is sent as a bearer token on every call.
func Dial(ctx context.Context, addr, token string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("rpc.dial", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Client{conn: conn, token: token, logger: logger.Named("rpc_client")}, nil
}

// Create calls face.v1.Classifier/Create.
func (c *Client) Create(ctx context.Context, spec *query.Spec) (*classifier.Ack, error) {
	out := new(classifier.Ack)
	if err := c.invoke(ctx, createMethod, spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Learn calls face.v1.Classifier/Learn.
func (c *Client) Learn(ctx context.Context, spec *query.Spec) (*classifier.Ack, error) {
	out := new(classifier.Ack)
	if err := c.invoke(ctx, learnMethod, spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Infer calls face.v1.Classifier/Infer.
func (c *Client) Infer(ctx context.Context, spec *query.Spec) (*usecase.InferResult, error) {
	out := new(usecase.InferResult)
	if err := c.invoke(ctx, inferMethod, spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke returns the gRPC status error unchanged so callers can use status.Code.
func (c *Client) invoke(ctx context.Context, method string, spec *query.Spec, out interface{}) error {
	if c.token != "" {
		ctx = auth.BearerToken(ctx, c.token)
	}
	err := c.conn.Invoke(ctx, method, &QueryRequest{Query: spec}, out)
	if err != nil {
		c.logger.Warn("classifier call failed", zap.String("method", method), zap.Error(err))
	}
	return err
}
