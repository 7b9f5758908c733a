package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Claims are the token claims the service reads. The user ID is the
// registered "sub" claim.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses HS256 bearer tokens. Without a secret it runs in trusted
// proxy mode: tokens are decoded but their signature is not checked.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. An empty issuer is not validated.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verifies reports whether signatures are checked.
func (v *Verifier) Verifies() bool {
	return len(v.secret) > 0
}

// Parse validates token and returns the caller it names.
func (v *Verifier) Parse(token string) (*UserContext, error) {
	if token == "" {
		return nil, errors.Unauthorized("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parser := jwt.NewParser(opts...)

	var claims Claims
	if v.Verifies() {
		_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid bearer token")
		}
	} else {
		if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "malformed bearer token")
		}
	}

	if claims.Subject == "" {
		return nil, errors.Unauthorized("token has no subject")
	}
	return &UserContext{UserID: claims.Subject, Role: claims.Role, Email: claims.Email}, nil
}

// Issue signs a token for userID valid for ttl. Used by approvalctl and tests.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	if !v.Verifies() {
		return "", fmt.Errorf("cannot sign tokens without a secret")
	}
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
