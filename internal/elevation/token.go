package elevation

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenType = "elevation"
	issuer    = "retailcore"

	secretEnvVariable         = "RETAILCORE_ELEVATION_SECRET"
	fallbackSecretEnvVariable = "RETAILCORE_AUTH_SECRET"
	lifetimeEnvVariable       = "RETAILCORE_ELEVATION_TTL_SECONDS"

	minTokenLifetime     = 60 * time.Second
	maxTokenLifetime     = 900 * time.Second
	defaultTokenLifetime = 300 * time.Second
)

var errMissingSecret = errors.New("elevation: signing secret is not configured")

// Validation error codes surfaced by ValidateToken.
const (
	CodeInvalid       = "INVALID"
	CodeExpired       = "EXPIRED"
	CodeScopeMismatch = "SCOPE_MISMATCH"
)

// TokenClaims is the signed claim set of an elevation token. Beyond the scope
// pair it carries a snapshot of the bearer's authorization data, so downstream
// checks can honor the elevated identity without a second storage round-trip.
// The snapshot can be briefly stale relative to the account's live permissions;
// the short lifetime bounds that window.
type TokenClaims struct {
	TokenType     string   `json:"token_type"`
	Email         string   `json:"email"`
	Permission    string   `json:"permission"`
	StoreID       string   `json:"store_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	IsSystemAdmin bool     `json:"is_system_admin,omitempty"`
	CompanyIDs    []string `json:"company_ids,omitempty"`
	StoreIDs      []string `json:"store_ids,omitempty"`
	jwt.RegisteredClaims
}

// TokenInput is the identity and scope a new token is minted for.
type TokenInput struct {
	UserID        string
	Email         string
	Permission    string
	StoreID       string
	SessionID     string
	Roles         []string
	Permissions   []string
	IsSystemAdmin bool
	CompanyIDs    []string
	StoreIDs      []string
}

// IssuedToken is the serialized credential plus issuance metadata.
type IssuedToken struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// Validation is the structured outcome of ValidateToken. It never carries a
// panic-worthy condition; cryptographic and scope failures both land here.
type Validation struct {
	Valid     bool
	Claims    *TokenClaims
	ErrorCode string
	Err       error
}

// TokenService mints and verifies elevation tokens. Validation is stateless:
// single-use enforcement lives in the audit store, not in the token.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	issuer   string
	now      func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithSecret overrides the environment-sourced signing secret.
func WithSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(secret) != "" {
			s.secret = []byte(secret)
		}
		return nil
	}
}

// WithLifetime overrides the token lifetime. Values outside the permitted
// range fall back to the default, matching the environment handling.
func WithLifetime(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		s.lifetime = clampLifetime(d)
		return nil
	}
}

// WithTokenIssuer overrides the issuer claim.
func WithTokenIssuer(iss string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(iss) != "" {
			s.issuer = strings.TrimSpace(iss)
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService reads the signing secret and lifetime from the environment,
// applies options, and fails if no secret is configured: the process must not
// start without one.
func NewTokenService(opts ...TokenOption) (*TokenService, error) {
	svc := &TokenService{
		secret:   secretFromEnv(),
		lifetime: lifetimeFromEnv(),
		issuer:   issuer,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errMissingSecret
	}
	return svc, nil
}

// Lifetime returns the configured token lifetime.
func (s *TokenService) Lifetime() time.Duration { return s.lifetime }

// GenerateToken mints a signed elevation token. Issuance is not audited here;
// the caller records the grant so minting and auditing fail independently.
func (s *TokenService) GenerateToken(in TokenInput) (IssuedToken, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Permission = strings.TrimSpace(in.Permission)
	if in.UserID == "" {
		return IssuedToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if in.Email == "" {
		return IssuedToken{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if in.Permission == "" {
		return IssuedToken{}, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	exp := now.Add(s.lifetime)
	jti := uuid.NewString()

	claims := TokenClaims{
		TokenType:     tokenType,
		Email:         in.Email,
		Permission:    in.Permission,
		StoreID:       strings.TrimSpace(in.StoreID),
		SessionID:     strings.TrimSpace(in.SessionID),
		Roles:         in.Roles,
		Permissions:   in.Permissions,
		IsSystemAdmin: in.IsSystemAdmin,
		CompanyIDs:    in.CompanyIDs,
		StoreIDs:      in.StoreIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   in.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{
		Token:     signed,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: exp,
		ExpiresIn: int(s.lifetime / time.Second),
	}, nil
}

// ValidateToken verifies signature, expiry, the elevation discriminator and,
// when given, the (permission, store) scope. A valid token may be presented
// here any number of times; spend tracking happens at redemption.
func (s *TokenService) ValidateToken(token, expectedPermission, expectedStoreID string) Validation {
	token = strings.TrimSpace(token)
	if token == "" {
		return Validation{ErrorCode: CodeInvalid, Err: ErrInvalidToken}
	}

	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Validation{ErrorCode: CodeExpired, Err: err}
		}
		return Validation{ErrorCode: CodeInvalid, Err: err}
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return Validation{ErrorCode: CodeInvalid, Err: ErrInvalidToken}
	}
	if claims.TokenType != tokenType {
		return Validation{ErrorCode: CodeInvalid, Err: ErrInvalidToken}
	}
	if claims.Issuer != s.issuer {
		return Validation{ErrorCode: CodeInvalid, Err: ErrInvalidToken}
	}
	if expectedPermission != "" && claims.Permission != expectedPermission {
		return Validation{ErrorCode: CodeScopeMismatch, Err: ErrInvalidToken}
	}
	if expectedStoreID != "" && claims.StoreID != expectedStoreID {
		return Validation{ErrorCode: CodeScopeMismatch, Err: ErrInvalidToken}
	}
	return Validation{Valid: true, Claims: claims}
}

// DecodeUnsafe decodes a token without verifying signature or expiry. It is
// for error-path logging only and must never feed an authorization decision.
func (s *TokenService) DecodeUnsafe(token string) *TokenClaims {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return nil
	}
	if claims.TokenType != tokenType {
		return nil
	}
	return claims
}

// ExtractJTI returns the token identifier from an unverified decode, or "".
func (s *TokenService) ExtractJTI(token string) string {
	if claims := s.DecodeUnsafe(token); claims != nil {
		return claims.ID
	}
	return ""
}

func secretFromEnv() []byte {
	if raw := strings.TrimSpace(os.Getenv(secretEnvVariable)); raw != "" {
		return []byte(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(fallbackSecretEnvVariable)); raw != "" {
		return []byte(raw)
	}
	return nil
}

func lifetimeFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv(lifetimeEnvVariable))
	if raw == "" {
		return defaultTokenLifetime
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return defaultTokenLifetime
	}
	return clampLifetime(time.Duration(seconds) * time.Second)
}

// clampLifetime rejects out-of-range lifetimes in favor of the default rather
// than pinning them to a boundary: a misconfigured value should not silently
// become the maximum.
func clampLifetime(d time.Duration) time.Duration {
	if d < minTokenLifetime || d > maxTokenLifetime {
		return defaultTokenLifetime
	}
	return d
}
