package elevation

import (
	"context"
	"errors"
	"strings"
	"time"

	"retailcore.org/internal/ids"
	"retailcore.org/internal/obs"
)

const (
	// DefaultRateLimitWindow and DefaultMaxAttempts govern the sliding-window
	// failure count derived from the audit log.
	DefaultRateLimitWindow = 15 * time.Minute
	DefaultMaxAttempts     = 5

	codeTokenAlreadyUsed = "TOKEN_ALREADY_USED"
)

// AuditService records every step of the elevation lifecycle and is the sole
// durable state for replay detection and rate limiting. Its write methods
// never surface storage errors to the caller: a logging failure must not
// abort the primary flow. The one read that fails closed is IsTokenUsed,
// since an audit outage must not become a way around single-use enforcement.
type AuditService struct {
	store AuditStore
	now   func() time.Time
}

// AuditOption configures AuditService behavior.
type AuditOption func(*AuditService)

// WithAuditClock overrides the time source (useful for tests).
func WithAuditClock(fn func() time.Time) AuditOption {
	return func(s *AuditService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewAuditService constructs the audit recorder over the given store.
func NewAuditService(store AuditStore, opts ...AuditOption) (*AuditService, error) {
	if store == nil {
		return nil, errors.New("elevation: audit store is required")
	}
	svc := &AuditService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// LogElevationRequested records that a step-up attempt arrived. Identity may
// not be resolved yet; the sentinel user id stands in until it is.
func (s *AuditService) LogElevationRequested(ctx context.Context, in RequestedEntry) {
	rec := &AuditRecord{
		ID:                  ids.New(),
		UserID:              orSentinel(in.UserID),
		UserEmail:           normalizeEmail(in.UserEmail),
		SessionID:           in.SessionID,
		EventType:           EventRequested,
		Result:              ResultSuccess,
		RequestedPermission: in.Permission,
		StoreID:             in.StoreID,
		IPAddress:           in.Context.IPAddress,
		UserAgent:           in.Context.UserAgent,
		RequestID:           in.Context.RequestID,
	}
	s.append(ctx, rec)
}

// LogElevationGranted records a successful issuance. This record is the
// canonical grant row for the token and the lookup key for later redemption.
func (s *AuditService) LogElevationGranted(ctx context.Context, in GrantedEntry) {
	issued := in.IssuedAt.UTC()
	expires := in.ExpiresAt.UTC()
	rec := &AuditRecord{
		ID:                  ids.New(),
		UserID:              orSentinel(in.UserID),
		UserEmail:           normalizeEmail(in.UserEmail),
		SessionID:           in.SessionID,
		EventType:           EventGranted,
		Result:              ResultSuccess,
		RequestedPermission: in.Permission,
		StoreID:             in.StoreID,
		TokenJTI:            in.JTI,
		TokenIssuedAt:       &issued,
		TokenExpiresAt:      &expires,
		IPAddress:           in.Context.IPAddress,
		UserAgent:           in.Context.UserAgent,
		RequestID:           in.Context.RequestID,
	}
	s.append(ctx, rec)
}

// LogElevationDenied records a refusal. Denials can occur before the user is
// resolved, so a missing user id falls back to the sentinel.
func (s *AuditService) LogElevationDenied(ctx context.Context, in DeniedEntry) {
	result := in.Result
	if result == "" {
		result = ResultFailedCredentials
	}
	rec := &AuditRecord{
		ID:                  ids.New(),
		UserID:              orSentinel(in.UserID),
		UserEmail:           normalizeEmail(in.UserEmail),
		SessionID:           in.SessionID,
		EventType:           EventDenied,
		Result:              result,
		RequestedPermission: in.Permission,
		StoreID:             in.StoreID,
		ErrorCode:           in.ErrorCode,
		ErrorMessage:        in.ErrorMessage,
		AttemptCount:        in.AttemptCount,
		IPAddress:           in.Context.IPAddress,
		UserAgent:           in.Context.UserAgent,
		RequestID:           in.Context.RequestID,
	}
	s.append(ctx, rec)
}

// LogRateLimited records a throttled attempt, kept distinct from credential
// denials so limiter analytics stay separable from attack analytics.
func (s *AuditService) LogRateLimited(ctx context.Context, in RateLimitedEntry) {
	window := in.Window
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	rec := &AuditRecord{
		ID:                  ids.New(),
		UserID:              orSentinel(in.UserID),
		UserEmail:           normalizeEmail(in.UserEmail),
		EventType:           EventRateLimited,
		Result:              ResultFailedRateLimit,
		RequestedPermission: in.Permission,
		StoreID:             in.StoreID,
		AttemptCount:        in.AttemptCount,
		RateLimitWindow:     window,
		IPAddress:           in.Context.IPAddress,
		UserAgent:           in.Context.UserAgent,
		RequestID:           in.Context.RequestID,
	}
	s.append(ctx, rec)
}

// LogTokenUsed is the replay gate. The token itself is a stateless signed
// claim, so the grant row's token_used_at is the only durable state that can
// detect reuse. The claim is one atomic conditional update; exactly one caller
// wins it, every other attempt lands on the replay path.
func (s *AuditService) LogTokenUsed(ctx context.Context, in UsedEntry) bool {
	jti := strings.TrimSpace(in.JTI)
	if jti == "" {
		return false
	}
	grant, err := s.store.FindGrant(ctx, jti)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.warn("audit.token_used.lookup_failed", jti, err)
		}
		// Unknown token or storage failure: unusable either way.
		return false
	}

	now := s.now().UTC()
	claimed, err := s.store.ClaimTokenUse(ctx, jti, now)
	if err != nil {
		s.warn("audit.token_used.claim_failed", jti, err)
		return false
	}

	rec := s.companionRecord(grant, in.Context)
	rec.EventType = EventUsed
	if claimed {
		rec.Result = ResultSuccess
		rec.TokenUsedAt = &now
		s.append(ctx, rec)
		return true
	}

	rec.Result = ResultFailedTokenUsed
	rec.ErrorCode = codeTokenAlreadyUsed
	s.append(ctx, rec)
	obs.TokenReplayed()
	return false
}

// LogTokenExpired records that a granted token lapsed without use. It is
// idempotent and a no-op once the token has been redeemed.
func (s *AuditService) LogTokenExpired(ctx context.Context, jti string) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return
	}
	grant, err := s.store.FindGrant(ctx, jti)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.warn("audit.token_expired.lookup_failed", jti, err)
		}
		return
	}
	if grant.TokenUsedAt != nil {
		return
	}
	exists, err := s.store.HasEvent(ctx, jti, EventExpired)
	if err != nil {
		s.warn("audit.token_expired.check_failed", jti, err)
		return
	}
	if exists {
		return
	}
	rec := s.companionRecord(grant, RequestContext{IPAddress: grant.IPAddress})
	rec.EventType = EventExpired
	rec.Result = ResultFailedTokenExpired
	s.append(ctx, rec)
}

// CheckRateLimit derives the failure count for an identifier from the audit
// log over a sliding window. The state is implicit in the log, so it survives
// restarts and needs no second source of truth. On storage failure it fails
// open: the limiter is a secondary defense behind credential checks, and an
// audit outage must not take request handling down with it.
func (s *AuditService) CheckRateLimit(ctx context.Context, identifier string, kind RateLimitIdentifier, window time.Duration, maxAttempts int) RateLimitStatus {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if kind == ByEmail {
		identifier = normalizeEmail(identifier)
	}
	windowStart := s.now().UTC().Add(-window)
	status := RateLimitStatus{WindowStart: windowStart, RemainingAttempts: maxAttempts}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return status
	}
	count, err := s.store.CountFailures(ctx, identifier, kind, windowStart)
	if err != nil {
		s.warn("audit.rate_limit.count_failed", identifier, err)
		return status
	}
	status.AttemptCount = count
	status.Limited = count >= maxAttempts
	if remaining := maxAttempts - count; remaining > 0 {
		status.RemainingAttempts = remaining
	} else {
		status.RemainingAttempts = 0
	}
	return status
}

// IsTokenUsed reports whether the token has been redeemed. On storage failure
// it fails closed, deliberately the opposite posture of CheckRateLimit.
func (s *AuditService) IsTokenUsed(ctx context.Context, jti string) bool {
	grant, err := s.store.FindGrant(ctx, strings.TrimSpace(jti))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		s.warn("audit.is_token_used.lookup_failed", jti, err)
		return true
	}
	return grant.TokenUsedAt != nil
}

// QueryAuditRecords returns a filtered page of the log, newest first. A read
// failure yields an empty page rather than an error, matching the write side.
func (s *AuditService) QueryAuditRecords(ctx context.Context, q AuditQuery) []AuditRecord {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.UserEmail = normalizeEmail(q.UserEmail)
	records, err := s.store.Query(ctx, q)
	if err != nil {
		s.warn("audit.query_failed", "", err)
		return nil
	}
	return records
}

// UserSecuritySummary aggregates a user's elevation activity over a trailing
// window (default 30 days). Failures yield a zero summary.
func (s *AuditService) UserSecuritySummary(ctx context.Context, userID string, days int) SecuritySummary {
	if days <= 0 {
		days = 30
	}
	summary := SecuritySummary{
		UserID:      userID,
		Days:        days,
		EventCounts: map[EventType]int{},
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return summary
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	counts, err := s.store.EventCounts(ctx, userID, since)
	if err != nil {
		s.warn("audit.summary.counts_failed", userID, err)
		return summary
	}
	ips, err := s.store.DistinctIPCount(ctx, userID, since)
	if err != nil {
		s.warn("audit.summary.ips_failed", userID, err)
		return summary
	}
	summary.EventCounts = counts
	summary.DistinctIPs = ips
	return summary
}

func (s *AuditService) companionRecord(grant *AuditRecord, rc RequestContext) *AuditRecord {
	return &AuditRecord{
		ID:                  ids.New(),
		UserID:              grant.UserID,
		UserEmail:           grant.UserEmail,
		SessionID:           grant.SessionID,
		RequestedPermission: grant.RequestedPermission,
		StoreID:             grant.StoreID,
		TokenJTI:            grant.TokenJTI,
		TokenIssuedAt:       grant.TokenIssuedAt,
		TokenExpiresAt:      grant.TokenExpiresAt,
		IPAddress:           rc.IPAddress,
		UserAgent:           rc.UserAgent,
		RequestID:           rc.RequestID,
	}
}

func (s *AuditService) append(ctx context.Context, rec *AuditRecord) {
	if rec.IPAddress == "" {
		rec.IPAddress = "unknown"
	}
	// Stamp with the service clock so window arithmetic and record times
	// share one time source; the SQL store overwrites this with its own
	// created_at on insert.
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		s.warn("audit.append_failed", string(rec.EventType), err)
	}
}

func (s *AuditService) warn(msg, subject string, err error) {
	entry := map[string]any{
		"ts":    s.now().UTC().Format(time.RFC3339Nano),
		"level": "warn",
		"type":  "elevation_audit",
		"msg":   msg,
	}
	if subject != "" {
		entry["subject"] = subject
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	obs.LogEntry(entry)
}

func orSentinel(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UnknownUserID
	}
	return userID
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
