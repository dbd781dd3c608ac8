package elevation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgErrUniqueViolation = "23505"

// PGStore implements AuditStore and CredentialStore on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var (
	_ AuditStore      = (*PGStore)(nil)
	_ CredentialStore = (*PGStore)(nil)
)

// Open connects to PostgreSQL through the pgx stdlib driver.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Insert(ctx context.Context, rec *AuditRecord) error {
	if rec == nil {
		return errors.New("record is required")
	}
	// Sequence assignment and insert race under concurrent writers for the
	// same token; a unique violation on (token_jti, token_seq) just means
	// somebody else took the slot, so recompute and retry.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := s.insertOnce(ctx, rec)
		if err == nil {
			return nil
		}
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation && rec.TokenJTI != "" {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("insert audit record: %w", lastErr)
}

func (s *PGStore) insertOnce(ctx context.Context, rec *AuditRecord) error {
	var windowMs sql.NullInt64
	if rec.RateLimitWindow > 0 {
		windowMs = sql.NullInt64{Int64: rec.RateLimitWindow.Milliseconds(), Valid: true}
	}
	var attempts sql.NullInt64
	if rec.AttemptCount > 0 {
		attempts = sql.NullInt64{Int64: int64(rec.AttemptCount), Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		insert into elevation_audit (
			id, user_id, user_email, session_id, event_type, result,
			requested_permission, store_id, token_jti, token_seq,
			token_issued_at, token_expires_at, token_used_at,
			ip_address, user_agent, request_id,
			error_code, error_message, attempt_count, rate_limit_window_ms
		)
		values (
			$1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''),
			case when $9 = '' then null
			     else coalesce((select max(token_seq) + 1 from elevation_audit where token_jti = $9), 0)
			end,
			$10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		returning coalesce(token_seq, 0), created_at
	`,
		rec.ID, rec.UserID, nullIfEmpty(rec.UserEmail), nullIfEmpty(rec.SessionID),
		string(rec.EventType), string(rec.Result),
		nullIfEmpty(rec.RequestedPermission), nullIfEmpty(rec.StoreID), rec.TokenJTI,
		rec.TokenIssuedAt, rec.TokenExpiresAt, rec.TokenUsedAt,
		rec.IPAddress, nullIfEmpty(rec.UserAgent), nullIfEmpty(rec.RequestID),
		nullIfEmpty(rec.ErrorCode), nullIfEmpty(rec.ErrorMessage), attempts, windowMs,
	)
	return row.Scan(&rec.TokenSeq, &rec.CreatedAt)
}

func (s *PGStore) FindGrant(ctx context.Context, jti string) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, coalesce(user_email, ''), coalesce(session_id, ''),
		       event_type, result,
		       coalesce(requested_permission, ''), coalesce(store_id, ''),
		       token_jti, token_seq, token_issued_at, token_expires_at, token_used_at,
		       ip_address, coalesce(user_agent, ''), coalesce(request_id, ''), created_at
		from elevation_audit
		where token_jti = $1 and token_seq = 0
	`, jti)
	var rec AuditRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.UserEmail, &rec.SessionID,
		&rec.EventType, &rec.Result,
		&rec.RequestedPermission, &rec.StoreID,
		&rec.TokenJTI, &rec.TokenSeq, &rec.TokenIssuedAt, &rec.TokenExpiresAt, &rec.TokenUsedAt,
		&rec.IPAddress, &rec.UserAgent, &rec.RequestID, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimTokenUse is the serialization point for single-use enforcement: the
// conditional update applies for exactly one caller, every other concurrent
// redemption observes zero affected rows.
func (s *PGStore) ClaimTokenUse(ctx context.Context, jti string, usedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update elevation_audit
		set token_used_at = $2
		where token_jti = $1 and token_seq = 0 and token_used_at is null
	`, jti, usedAt.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *PGStore) HasEvent(ctx context.Context, jti string, event EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from elevation_audit where token_jti = $1 and event_type = $2
		)
	`, jti, string(event)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGStore) CountFailures(ctx context.Context, identifier string, kind RateLimitIdentifier, since time.Time) (int, error) {
	column := "ip_address"
	if kind == ByEmail {
		column = "lower(user_email)"
		identifier = strings.ToLower(identifier)
	}
	query := fmt.Sprintf(`
		select count(*)
		from elevation_audit
		where %s = $1
		  and event_type in ('ELEVATION_DENIED', 'ELEVATION_RATE_LIMITED')
		  and result in ('FAILED_CREDENTIALS', 'FAILED_PERMISSION', 'FAILED_RATE_LIMIT')
		  and created_at >= $2
	`, column)
	var count int
	if err := s.db.QueryRowContext(ctx, query, identifier, since.UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PGStore) Query(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	var (
		clauses []string
		args    []any
		idx     = 1
	)
	addClause := func(cond string, arg any) {
		clauses = append(clauses, fmt.Sprintf(cond, idx))
		args = append(args, arg)
		idx++
	}
	if q.UserID != "" {
		addClause("user_id = $%d", q.UserID)
	}
	if q.UserEmail != "" {
		addClause("lower(user_email) = $%d", strings.ToLower(q.UserEmail))
	}
	if q.StoreID != "" {
		addClause("store_id = $%d", q.StoreID)
	}
	if q.EventType != "" {
		addClause("event_type = $%d", string(q.EventType))
	}
	if q.Result != "" {
		addClause("result = $%d", string(q.Result))
	}
	if q.IPAddress != "" {
		addClause("ip_address = $%d", q.IPAddress)
	}
	if !q.From.IsZero() {
		addClause("created_at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		addClause("created_at <= $%d", q.To.UTC())
	}

	query := `
		select id, user_id, coalesce(user_email, ''), coalesce(session_id, ''),
		       event_type, result,
		       coalesce(requested_permission, ''), coalesce(store_id, ''),
		       coalesce(token_jti, ''), coalesce(token_seq, 0),
		       token_issued_at, token_expires_at, token_used_at,
		       ip_address, coalesce(user_agent, ''), coalesce(request_id, ''),
		       coalesce(error_code, ''), coalesce(error_message, ''),
		       coalesce(attempt_count, 0), coalesce(rate_limit_window_ms, 0),
		       created_at
		from elevation_audit`
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	query += fmt.Sprintf(" order by created_at desc limit $%d offset $%d", idx, idx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			rec      AuditRecord
			windowMs int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.UserEmail, &rec.SessionID,
			&rec.EventType, &rec.Result,
			&rec.RequestedPermission, &rec.StoreID,
			&rec.TokenJTI, &rec.TokenSeq,
			&rec.TokenIssuedAt, &rec.TokenExpiresAt, &rec.TokenUsedAt,
			&rec.IPAddress, &rec.UserAgent, &rec.RequestID,
			&rec.ErrorCode, &rec.ErrorMessage,
			&rec.AttemptCount, &windowMs,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.RateLimitWindow = time.Duration(windowMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGStore) EventCounts(ctx context.Context, userID string, since time.Time) (map[EventType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		select event_type, count(*)
		from elevation_audit
		where user_id = $1 and created_at >= $2
		group by event_type
	`, userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[EventType]int)
	for rows.Next() {
		var (
			event string
			count int
		)
		if err := rows.Scan(&event, &count); err != nil {
			return nil, err
		}
		counts[EventType(event)] = count
	}
	return counts, rows.Err()
}

func (s *PGStore) DistinctIPCount(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(distinct ip_address)
		from elevation_audit
		where user_id = $1 and created_at >= $2
	`, userID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FindByEmail resolves a back-office account for credential verification.
// Authorization list columns are jsonb; absent values scan as empty lists.
func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status,
		       coalesce(roles, '[]'::jsonb), coalesce(permissions, '[]'::jsonb),
		       is_system_admin,
		       coalesce(company_ids, '[]'::jsonb), coalesce(store_ids, '[]'::jsonb)
		from backoffice_users
		where lower(email) = lower($1)
	`, email)
	var (
		user       User
		roles      []byte
		perms      []byte
		companyIDs []byte
		storeIDs   []byte
	)
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Status,
		&roles, &perms, &user.IsSystemAdmin, &companyIDs, &storeIDs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeList(roles, &user.Roles); err != nil {
		return nil, err
	}
	if err := decodeList(perms, &user.Permissions); err != nil {
		return nil, err
	}
	if err := decodeList(companyIDs, &user.CompanyIDs); err != nil {
		return nil, err
	}
	if err := decodeList(storeIDs, &user.StoreIDs); err != nil {
		return nil, err
	}
	return &user, nil
}

func decodeList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode user list: %w", err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
