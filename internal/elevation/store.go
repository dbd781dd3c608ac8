package elevation

import (
	"context"
	"time"
)

// AuditStore persists the append-only elevation audit log.
//
// Implementations return plain errors; the fail-open / fail-closed policy for
// each operation lives in AuditService, not here.
type AuditStore interface {
	// Insert appends a record. When rec.TokenJTI is set the store assigns the
	// next sequence for that token and writes it back to rec.TokenSeq; the
	// first record for a token receives sequence 0.
	Insert(ctx context.Context, rec *AuditRecord) error

	// FindGrant returns the canonical grant row (sequence 0) for a token.
	FindGrant(ctx context.Context, jti string) (*AuditRecord, error)

	// ClaimTokenUse atomically sets token_used_at on the grant row if and only
	// if it is still unset, reporting whether this caller won the claim.
	ClaimTokenUse(ctx context.Context, jti string, usedAt time.Time) (bool, error)

	// HasEvent reports whether any record with the given event type exists for
	// the token.
	HasEvent(ctx context.Context, jti string, event EventType) (bool, error)

	// CountFailures counts denial and rate-limit records for the identifier
	// since the given instant.
	CountFailures(ctx context.Context, identifier string, kind RateLimitIdentifier, since time.Time) (int, error)

	// Query returns filtered records, newest first.
	Query(ctx context.Context, q AuditQuery) ([]AuditRecord, error)

	// EventCounts groups a user's records by event type since the given instant.
	EventCounts(ctx context.Context, userID string, since time.Time) (map[EventType]int, error)

	// DistinctIPCount counts distinct source addresses for a user since the
	// given instant.
	DistinctIPCount(ctx context.Context, userID string, since time.Time) (int, error)
}

// CredentialStore resolves back-office accounts for the elevation flow.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
}
