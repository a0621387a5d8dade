package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(testSecret, "face")

	cases := map[string]struct {
		header  string
		subject string
		wantErr bool
	}{
		"valid": {
			header:  "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"face"}}),
			subject: "user-1",
		},
		"lowercase scheme": {
			header:  "bearer " + signToken(t, testSecret, jwt.RegisteredClaims{Subject: "user-2", Audience: jwt.ClaimStrings{"face"}}),
			subject: "user-2",
		},
		"missing header": {wantErr: true},
		"basic scheme":   {header: "Basic abc", wantErr: true},
		"wrong secret": {
			header:  "Bearer " + signToken(t, "other", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"face"}}),
			wantErr: true,
		},
		"wrong audience": {
			header:  "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"billing"}}),
			wantErr: true,
		},
		"no subject": {
			header:  "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"face"}}),
			wantErr: true,
		},
		"expired": {
			header: "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{
				Subject:   "user-1",
				Audience:  jwt.ClaimStrings{"face"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}),
			wantErr: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			subject, err := v.Verify(tc.header)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.subject, subject)
		})
	}
}

func TestJWTMiddlewareInjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTMiddleware(testSecret, ""), func(c *gin.Context) {
		identity, _ := GetIdentity(c.Request.Context())
		c.String(http.StatusOK, identity)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.RegisteredClaims{Subject: "alice"}))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "alice", resp.Body.String())

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestUnaryServerInterceptor(t *testing.T) {
	interceptor := UnaryServerInterceptor(testSecret, "")
	info := &grpc.UnaryServerInfo{FullMethod: "/face.v1.Classifier/Infer"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		identity, _ := GetIdentity(ctx)
		return identity, nil
	}

	token := signToken(t, testSecret, jwt.RegisteredClaims{Subject: "bob"})
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	got, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "bob", got)

	_, err = interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
