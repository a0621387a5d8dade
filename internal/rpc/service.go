// Package rpc exposes the classifier over gRPC. Messages are plain Go structs
// carried by a JSON codec, so no generated code is involved.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/usecase"
)

const serviceName = "face.v1.Classifier"

const (
	createMethod = "/" + serviceName + "/Create"
	learnMethod  = "/" + serviceName + "/Learn"
	inferMethod  = "/" + serviceName + "/Infer"
)

// QueryRequest is the request message of every method. The identity comes
// from the caller's token, not from the message.
type QueryRequest struct {
	Query *query.Spec `json:"query"`
}

// ClassifierServer is the server API of face.v1.Classifier.
type ClassifierServer interface {
	Create(ctx context.Context, req *QueryRequest) (*classifier.Ack, error)
	Learn(ctx context.Context, req *QueryRequest) (*classifier.Ack, error)
	Infer(ctx context.Context, req *QueryRequest) (*usecase.InferResult, error)
}

// RegisterClassifierServer registers srv on s.
func RegisterClassifierServer(s grpc.ServiceRegistrar, srv ClassifierServer) {
	s.RegisterService(&classifierServiceDesc, srv)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(createMethod, ClassifierServer.Create)},
		{MethodName: "Learn", Handler: unaryHandler(learnMethod, ClassifierServer.Learn)},
		{MethodName: "Infer", Handler: unaryHandler(inferMethod, ClassifierServer.Infer)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "face/v1/classifier",
}

func unaryHandler[T any](fullMethod string, call func(ClassifierServer, context.Context, *QueryRequest) (T, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(QueryRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ClassifierServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ClassifierServer), ctx, req.(*QueryRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}
