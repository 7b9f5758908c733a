package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestVerifier_IssueAndParse(t *testing.T) {
	v := NewVerifier("s3cret", "pesio-identity")

	token, err := v.Issue("U1", "manager", time.Hour)
	require.NoError(t, err)

	uc, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "U1", uc.UserID)
	assert.Equal(t, "manager", uc.Role)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("s3cret", "pesio-identity")

	other, err := NewVerifier("different", "pesio-identity").Issue("U1", "", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := NewVerifier("s3cret", "someone-else").Issue("U1", "", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("U1", "", -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "pesio-identity"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": other,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
		})
	}
}

func TestVerifier_TrustedProxyMode(t *testing.T) {
	signed, err := NewVerifier("whatever", "").Issue("U9", "staff", time.Hour)
	require.NoError(t, err)

	v := NewVerifier("", "")
	assert.False(t, v.Verifies())

	uc, err := v.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "U9", uc.UserID)

	_, err = v.Issue("U9", "", time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken("abc"))
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cret", "")
	token, err := v.Issue("U1", "", time.Hour)
	require.NoError(t, err)

	var seen string
	h := Middleware(v, func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "U1", seen)
}

func TestUnaryServerInterceptor(t *testing.T) {
	v := NewVerifier("s3cret", "")
	token, err := v.Issue("U2", "", time.Hour)
	require.NoError(t, err)
	interceptor := UnaryServerInterceptor(v)

	handler := func(ctx context.Context, _ any) (any, error) {
		return UserID(ctx), nil
	}

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/approvals.v1.ApprovalService/GetRequest"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "", resp)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	resp, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/approvals.v1.ApprovalService/GetRequest"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "U2", resp)
}

type stubUsers map[string]*repository.User

func (s stubUsers) GetUser(_ context.Context, id string) (*repository.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, errors.NotFound("user", id)
}

func TestRolePermissionOracle(t *testing.T) {
	users := stubUsers{
		"M":   {ID: "M", Role: "manager", IsActive: true},
		"S":   {ID: "S", Role: "staff", IsActive: true},
		"A":   {ID: "A", Role: "admin", IsActive: true},
		"OFF": {ID: "OFF", Role: "admin", IsActive: false},
	}
	o := NewRolePermissionOracle(users, map[string][]string{
		"manager": {"approvals:*"},
		"staff":   {PermRequestsRead, PermRequestsWrite},
		"admin":   {"*"},
	})
	ctx := context.Background()

	tests := []struct {
		user, perm string
		want       bool
	}{
		{"M", PermTemplatesManage, true},
		{"M", PermNotificationsRead, false},
		{"S", PermRequestsWrite, true},
		{"S", PermRequestsReadAll, false},
		{"A", PermMonitorStuck, true},
		{"OFF", PermRequestsRead, false},
		{"ghost", PermRequestsRead, false},
	}
	for _, tt := range tests {
		got, err := o.HasPermission(ctx, tt.user, tt.perm)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.user, tt.perm)
	}

	err := Require(ctx, o, "S", PermTemplatesManage)
	assert.True(t, errors.Is(err, errors.ErrCodeForbidden))
	assert.NoError(t, Require(ctx, AllowAllOracle{}, "anyone", PermTemplatesManage))
}
