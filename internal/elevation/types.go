package elevation

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a step of the elevation lifecycle.
type EventType string

const (
	EventRequested   EventType = "ELEVATION_REQUESTED"
	EventGranted     EventType = "ELEVATION_GRANTED"
	EventDenied      EventType = "ELEVATION_DENIED"
	EventRateLimited EventType = "ELEVATION_RATE_LIMITED"
	EventUsed        EventType = "ELEVATION_USED"
	EventExpired     EventType = "ELEVATION_EXPIRED"
)

// Result classifies the outcome recorded with an event.
type Result string

const (
	ResultSuccess            Result = "SUCCESS"
	ResultFailedCredentials  Result = "FAILED_CREDENTIALS"
	ResultFailedPermission   Result = "FAILED_PERMISSION"
	ResultFailedRateLimit    Result = "FAILED_RATE_LIMIT"
	ResultFailedTokenUsed    Result = "FAILED_TOKEN_USED"
	ResultFailedTokenExpired Result = "FAILED_TOKEN_EXPIRED"
)

// UnknownUserID is recorded when an event arrives before identity resolution.
var UnknownUserID = uuid.Nil.String()

// AuditRecord is one row of the append-only elevation audit log.
//
// Records that relate to the same logical token share TokenJTI and are ordered
// by TokenSeq: the grant row owns sequence 0 and is the canonical lookup key;
// use, replay and expiry rows append with the next sequence.
type AuditRecord struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	UserEmail           string        `json:"user_email,omitempty"`
	SessionID           string        `json:"session_id,omitempty"`
	EventType           EventType     `json:"event_type"`
	Result              Result        `json:"result"`
	RequestedPermission string        `json:"requested_permission,omitempty"`
	StoreID             string        `json:"store_id,omitempty"`
	TokenJTI            string        `json:"token_jti,omitempty"`
	TokenSeq            int           `json:"token_seq,omitempty"`
	TokenIssuedAt       *time.Time    `json:"token_issued_at,omitempty"`
	TokenExpiresAt      *time.Time    `json:"token_expires_at,omitempty"`
	TokenUsedAt         *time.Time    `json:"token_used_at,omitempty"`
	IPAddress           string        `json:"ip_address"`
	UserAgent           string        `json:"user_agent,omitempty"`
	RequestID           string        `json:"request_id,omitempty"`
	ErrorCode           string        `json:"error_code,omitempty"`
	ErrorMessage        string        `json:"error_message,omitempty"`
	AttemptCount        int           `json:"attempt_count,omitempty"`
	RateLimitWindow     time.Duration `json:"rate_limit_window,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// RequestContext carries the transport-level attribution of an event.
type RequestContext struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// RequestedEntry describes an ELEVATION_REQUESTED event.
type RequestedEntry struct {
	UserID     string
	UserEmail  string
	SessionID  string
	Permission string
	StoreID    string
	Context    RequestContext
}

// GrantedEntry describes an ELEVATION_GRANTED event; its record becomes the
// canonical grant row for the token.
type GrantedEntry struct {
	UserID     string
	UserEmail  string
	SessionID  string
	Permission string
	StoreID    string
	JTI        string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Context    RequestContext
}

// DeniedEntry describes an ELEVATION_DENIED event.
type DeniedEntry struct {
	UserID       string
	UserEmail    string
	SessionID    string
	Permission   string
	StoreID      string
	Result       Result
	ErrorCode    string
	ErrorMessage string
	AttemptCount int
	Context      RequestContext
}

// RateLimitedEntry describes an ELEVATION_RATE_LIMITED event.
type RateLimitedEntry struct {
	UserID       string
	UserEmail    string
	Permission   string
	StoreID      string
	AttemptCount int
	Window       time.Duration
	Context      RequestContext
}

// UsedEntry describes a redemption attempt for a previously granted token.
type UsedEntry struct {
	JTI     string
	Context RequestContext
}

// RateLimitIdentifier selects which audit column a rate-limit check matches.
type RateLimitIdentifier string

const (
	ByIP    RateLimitIdentifier = "ip"
	ByEmail RateLimitIdentifier = "email"
)

// RateLimitStatus reports the sliding-window failure count for an identifier.
type RateLimitStatus struct {
	Limited           bool      `json:"limited"`
	AttemptCount      int       `json:"attempt_count"`
	WindowStart       time.Time `json:"window_start"`
	RemainingAttempts int       `json:"remaining_attempts"`
}

// AuditQuery filters the read side of the audit log.
type AuditQuery struct {
	UserID    string
	UserEmail string
	StoreID   string
	EventType EventType
	Result    Result
	IPAddress string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// SecuritySummary aggregates a user's elevation activity over a trailing window.
type SecuritySummary struct {
	UserID      string            `json:"user_id"`
	Days        int               `json:"days"`
	EventCounts map[EventType]int `json:"event_counts"`
	DistinctIPs int               `json:"distinct_ips"`
}

// User is the back-office account shape consumed by the elevation flow.
type User struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	PasswordHash  string   `json:"-"`
	Status        string   `json:"status"`
	Roles         []string `json:"roles,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	IsSystemAdmin bool     `json:"is_system_admin,omitempty"`
	CompanyIDs    []string `json:"company_ids,omitempty"`
	StoreIDs      []string `json:"store_ids,omitempty"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)
