package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor authenticates unary calls from the "authorization"
// metadata entry, using the same rules as JWTMiddleware.
func UnaryServerInterceptor(secret, audience string) grpc.UnaryServerInterceptor {
	verifier := NewVerifier(secret, audience)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}

		identity, err := verifier.Verify(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithIdentity(ctx, identity), req)
	}
}

// BearerToken attaches token to outgoing calls made with ctx.
func BearerToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
