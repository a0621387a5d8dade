package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/face-service/internal/auth"
	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/imaging"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/usecase"
)

// Server implements ClassifierServer on top of the inference use case.
type Server struct {
	uc     *usecase.InferenceUseCase
	logger *zap.Logger
}

var _ ClassifierServer = (*Server)(nil)

// NewServer builds a Server.
func NewServer(uc *usecase.InferenceUseCase, logger *zap.Logger) *Server {
	return &Server{uc: uc, logger: logger.Named("rpc")}
}

// NewGRPCServer returns a grpc.Server with authentication installed and the
// classifier service registered.
func NewGRPCServer(srv *Server, jwtSecret, jwtAudience string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(jwtSecret, jwtAudience)))
	s := grpc.NewServer(opts...)
	RegisterClassifierServer(s, srv)
	return s
}

// Create implements ClassifierServer.
func (s *Server) Create(ctx context.Context, req *QueryRequest) (*classifier.Ack, error) {
	identity, _ := auth.GetIdentity(ctx)
	ack, err := s.uc.Create(ctx, identity, req.Query)
	if err != nil {
		return nil, s.toStatus("rpc.create", err)
	}
	return &ack, nil
}

// Learn implements ClassifierServer.
func (s *Server) Learn(ctx context.Context, req *QueryRequest) (*classifier.Ack, error) {
	identity, _ := auth.GetIdentity(ctx)
	ack, err := s.uc.Learn(ctx, identity, req.Query)
	if err != nil {
		return nil, s.toStatus("rpc.learn", err)
	}
	return &ack, nil
}

// Infer implements ClassifierServer.
func (s *Server) Infer(ctx context.Context, req *QueryRequest) (*usecase.InferResult, error) {
	identity, _ := auth.GetIdentity(ctx)
	result, err := s.uc.Infer(ctx, identity, req.Query)
	if err != nil {
		return nil, s.toStatus("rpc.infer", err)
	}
	return result, nil
}

func (s *Server) toStatus(operation string, err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrEmptyQuery), errors.Is(err, imaging.ErrDecode):
		return codes.InvalidArgument
	case errors.Is(err, engine.ErrShapeMismatch):
		return codes.FailedPrecondition
	case errors.Is(err, usecase.ErrResultNotFound):
		return codes.NotFound
	case errors.Is(err, usecase.ErrInferTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, classifier.ErrServiceClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}
