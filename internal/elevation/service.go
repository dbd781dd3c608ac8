package elevation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retailcore.org/internal/obs"
)

// Service orchestrates the step-up flow: rate limit, credential verification,
// permission check, token issuance and auditing on the request side; scope
// validation and single-use redemption on the redeem side.
type Service struct {
	tokens      *TokenService
	audit       *AuditService
	users       CredentialStore
	stores      StoreAccessVerifier
	window      time.Duration
	maxAttempts int
}

// StoreAccessVerifier reports whether one of the given companies owns a store.
type StoreAccessVerifier interface {
	VerifyStoreCompanyAccess(ctx context.Context, companyIDs []string, storeID string) bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithRateLimitWindow overrides the sliding window applied to failed attempts.
func WithRateLimitWindow(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithMaxAttempts overrides the failure budget inside the window.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithStoreAccess enables store-ownership checks at redemption. Without a
// verifier a store-scoped token is honored on the token scope alone.
func WithStoreAccess(v StoreAccessVerifier) ServiceOption {
	return func(s *Service) {
		s.stores = v
	}
}

// NewService wires the elevation flow. All collaborators are injected; there
// is no ambient global state.
func NewService(tokens *TokenService, audit *AuditService, users CredentialStore, opts ...ServiceOption) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("elevation: token service is required")
	}
	if audit == nil {
		return nil, errors.New("elevation: audit service is required")
	}
	if users == nil {
		return nil, errors.New("elevation: credential store is required")
	}
	svc := &Service{
		tokens:      tokens,
		audit:       audit,
		users:       users,
		window:      DefaultRateLimitWindow,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RateLimitWindow returns the configured sliding window, for Retry-After
// headers and operator-facing responses.
func (s *Service) RateLimitWindow() time.Duration { return s.window }

// ElevationRequest carries one step-up attempt.
type ElevationRequest struct {
	Email      string
	Password   string
	Permission string
	StoreID    string
	SessionID  string
	Context    RequestContext
}

// RequestElevation runs the issue side of the flow. Credential and permission
// failures both surface as ErrAccessDenied so the caller cannot tell which
// check refused; the audit log keeps the distinction.
func (s *Service) RequestElevation(ctx context.Context, req ElevationRequest) (IssuedToken, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.Permission = strings.TrimSpace(req.Permission)
	if req.Email == "" || req.Password == "" {
		return IssuedToken{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if req.Permission == "" {
		return IssuedToken{}, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}

	s.audit.LogElevationRequested(ctx, RequestedEntry{
		UserEmail:  req.Email,
		SessionID:  req.SessionID,
		Permission: req.Permission,
		StoreID:    req.StoreID,
		Context:    req.Context,
	})

	ipStatus := s.audit.CheckRateLimit(ctx, req.Context.IPAddress, ByIP, s.window, s.maxAttempts)
	emailStatus := s.audit.CheckRateLimit(ctx, req.Email, ByEmail, s.window, s.maxAttempts)
	if ipStatus.Limited || emailStatus.Limited {
		attempts := ipStatus.AttemptCount
		if emailStatus.AttemptCount > attempts {
			attempts = emailStatus.AttemptCount
		}
		s.audit.LogRateLimited(ctx, RateLimitedEntry{
			UserEmail:    req.Email,
			Permission:   req.Permission,
			StoreID:      req.StoreID,
			AttemptCount: attempts,
			Window:       s.window,
			Context:      req.Context,
		})
		obs.ElevationDenied(string(ResultFailedRateLimit))
		return IssuedToken{}, ErrRateLimited
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IssuedToken{}, s.deny(ctx, req, "", ResultFailedCredentials, "unknown account", emailStatus.AttemptCount+1)
		}
		return IssuedToken{}, fmt.Errorf("resolve account: %w", err)
	}
	if user.Status != UserStatusActive {
		return IssuedToken{}, s.deny(ctx, req, user.ID, ResultFailedCredentials, "account is not active", emailStatus.AttemptCount+1)
	}
	if err := VerifyPassword(user.PasswordHash, req.Password); err != nil {
		return IssuedToken{}, s.deny(ctx, req, user.ID, ResultFailedCredentials, "password mismatch", emailStatus.AttemptCount+1)
	}
	if !user.IsSystemAdmin && !containsString(user.Permissions, req.Permission) {
		return IssuedToken{}, s.deny(ctx, req, user.ID, ResultFailedPermission, "permission not held", emailStatus.AttemptCount+1)
	}

	issued, err := s.tokens.GenerateToken(TokenInput{
		UserID:        user.ID,
		Email:         user.Email,
		Permission:    req.Permission,
		StoreID:       req.StoreID,
		SessionID:     req.SessionID,
		Roles:         user.Roles,
		Permissions:   user.Permissions,
		IsSystemAdmin: user.IsSystemAdmin,
		CompanyIDs:    user.CompanyIDs,
		StoreIDs:      user.StoreIDs,
	})
	if err != nil {
		return IssuedToken{}, err
	}

	s.audit.LogElevationGranted(ctx, GrantedEntry{
		UserID:     user.ID,
		UserEmail:  user.Email,
		SessionID:  req.SessionID,
		Permission: req.Permission,
		StoreID:    req.StoreID,
		JTI:        issued.JTI,
		IssuedAt:   issued.IssuedAt,
		ExpiresAt:  issued.ExpiresAt,
		Context:    req.Context,
	})
	obs.TokenIssued()
	return issued, nil
}

// MarkTokenAsUsed spends a token. Thin delegation to the audit store, which
// is the only durable state able to detect reuse.
func (s *Service) MarkTokenAsUsed(ctx context.Context, jti string, rc RequestContext) bool {
	return s.audit.LogTokenUsed(ctx, UsedEntry{JTI: jti, Context: rc})
}

// RedeemRequest presents a token for spending against an expected scope.
type RedeemRequest struct {
	Token      string
	Permission string
	StoreID    string
	Context    RequestContext
}

// RedeemToken validates the credential and then claims its single use. The
// two steps stay separate on purpose: validity is stateless and fails open on
// nothing, the spend is stateful and fails closed.
func (s *Service) RedeemToken(ctx context.Context, req RedeemRequest) (*TokenClaims, error) {
	v := s.tokens.ValidateToken(req.Token, req.Permission, req.StoreID)
	if !v.Valid {
		switch v.ErrorCode {
		case CodeExpired:
			if claims := s.tokens.DecodeUnsafe(req.Token); claims != nil {
				s.audit.LogTokenExpired(ctx, claims.ID)
			}
			obs.ElevationDenied(string(ResultFailedTokenExpired))
		default:
			obs.ElevationDenied(string(ResultFailedCredentials))
		}
		return nil, ErrInvalidToken
	}
	if s.stores != nil && v.Claims.StoreID != "" && !v.Claims.IsSystemAdmin {
		if !s.stores.VerifyStoreCompanyAccess(ctx, v.Claims.CompanyIDs, v.Claims.StoreID) {
			obs.ElevationDenied(string(ResultFailedPermission))
			return nil, ErrInvalidToken
		}
	}
	if !s.MarkTokenAsUsed(ctx, v.Claims.ID, req.Context) {
		return nil, ErrTokenUsed
	}
	return v.Claims, nil
}

func (s *Service) deny(ctx context.Context, req ElevationRequest, userID string, result Result, detail string, attempts int) error {
	s.audit.LogElevationDenied(ctx, DeniedEntry{
		UserID:       userID,
		UserEmail:    req.Email,
		SessionID:    req.SessionID,
		Permission:   req.Permission,
		StoreID:      req.StoreID,
		Result:       result,
		ErrorMessage: detail,
		AttemptCount: attempts,
		Context:      req.Context,
	})
	obs.ElevationDenied(string(result))
	return ErrAccessDenied
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
