package elevation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory AuditStore and CredentialStore for tests and local
// development. Semantics mirror PGStore: per-token sequence assignment, an
// atomic single-winner claim, and the same failure-counting rules.
type MemStore struct {
	mu      sync.Mutex
	records []*AuditRecord
	users   map[string]*User
}

var (
	_ AuditStore      = (*MemStore)(nil)
	_ CredentialStore = (*MemStore)(nil)
)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{users: make(map[string]*User)}
}

// AddUser registers a back-office account, keyed by lowercased email.
func (s *MemStore) AddUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Email)] = u
}

// Records returns a snapshot of the log in insertion order.
func (s *MemStore) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

func (s *MemStore) Insert(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.TokenJTI != "" {
		seq := -1
		for _, existing := range s.records {
			if existing.TokenJTI == rec.TokenJTI && existing.TokenSeq > seq {
				seq = existing.TokenSeq
			}
		}
		rec.TokenSeq = seq + 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

func (s *MemStore) FindGrant(_ context.Context, jti string) (*AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.grantLocked(jti); rec != nil {
		clone := *rec
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (s *MemStore) ClaimTokenUse(_ context.Context, jti string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.grantLocked(jti)
	if rec == nil || rec.TokenUsedAt != nil {
		return false, nil
	}
	usedAt = usedAt.UTC()
	rec.TokenUsedAt = &usedAt
	return true, nil
}

func (s *MemStore) HasEvent(_ context.Context, jti string, event EventType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.TokenJTI == jti && rec.EventType == event {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CountFailures(_ context.Context, identifier string, kind RateLimitIdentifier, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		if rec.EventType != EventDenied && rec.EventType != EventRateLimited {
			continue
		}
		switch rec.Result {
		case ResultFailedCredentials, ResultFailedPermission, ResultFailedRateLimit:
		default:
			continue
		}
		switch kind {
		case ByIP:
			if rec.IPAddress == identifier {
				count++
			}
		case ByEmail:
			if strings.EqualFold(rec.UserEmail, identifier) {
				count++
			}
		}
	}
	return count, nil
}

func (s *MemStore) Query(_ context.Context, q AuditQuery) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []AuditRecord
	for _, rec := range s.records {
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		if q.UserEmail != "" && !strings.EqualFold(rec.UserEmail, q.UserEmail) {
			continue
		}
		if q.StoreID != "" && rec.StoreID != q.StoreID {
			continue
		}
		if q.EventType != "" && rec.EventType != q.EventType {
			continue
		}
		if q.Result != "" && rec.Result != q.Result {
			continue
		}
		if q.IPAddress != "" && rec.IPAddress != q.IPAddress {
			continue
		}
		if !q.From.IsZero() && rec.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.CreatedAt.After(q.To) {
			continue
		}
		matched = append(matched, *rec)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemStore) EventCounts(_ context.Context, userID string, since time.Time) (map[EventType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[EventType]int)
	for _, rec := range s.records {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			counts[rec.EventType]++
		}
	}
	return counts, nil
}

func (s *MemStore) DistinctIPCount(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			seen[rec.IPAddress] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *MemStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemStore) grantLocked(jti string) *AuditRecord {
	// Non-token rows carry an empty jti and sequence 0; a blank lookup must
	// not match them.
	if jti == "" {
		return nil
	}
	for _, rec := range s.records {
		if rec.TokenJTI == jti && rec.TokenSeq == 0 {
			return rec
		}
	}
	return nil
}
