package elevation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreInsertAssignsSequence(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into elevation_audit").
		WillReturnRows(sqlmock.NewRows([]string{"token_seq", "created_at"}).AddRow(0, now))

	rec := &AuditRecord{
		ID:        "01TESTULID",
		UserID:    "usr-1",
		EventType: EventGranted,
		Result:    ResultSuccess,
		TokenJTI:  "jti-1",
		IPAddress: "10.0.0.1",
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.TokenSeq != 0 {
		t.Fatalf("grant row should receive sequence 0, got %d", rec.TokenSeq)
	}
	if !rec.CreatedAt.Equal(now) {
		t.Fatalf("created_at not written back: %v", rec.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreInsertRetriesSequenceRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into elevation_audit").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("insert into elevation_audit").
		WillReturnRows(sqlmock.NewRows([]string{"token_seq", "created_at"}).AddRow(2, now))

	rec := &AuditRecord{
		ID:        "01TESTULID",
		UserID:    "usr-1",
		EventType: EventUsed,
		Result:    ResultSuccess,
		TokenJTI:  "jti-1",
		IPAddress: "10.0.0.1",
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert should retry past the race: %v", err)
	}
	if rec.TokenSeq != 2 {
		t.Fatalf("expected sequence 2 after retry, got %d", rec.TokenSeq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreClaimTokenUse(t *testing.T) {
	store, mock := newMockStore(t)
	usedAt := time.Now().UTC()

	mock.ExpectExec("update elevation_audit").
		WithArgs("jti-1", usedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	claimed, err := store.ClaimTokenUse(context.Background(), "jti-1", usedAt)
	if err != nil || !claimed {
		t.Fatalf("expected winning claim, got claimed=%v err=%v", claimed, err)
	}

	mock.ExpectExec("update elevation_audit").
		WithArgs("jti-1", usedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err = store.ClaimTokenUse(context.Background(), "jti-1", usedAt)
	if err != nil || claimed {
		t.Fatalf("expected losing claim, got claimed=%v err=%v", claimed, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreFindGrantNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from elevation_audit").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindGrant(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreCountFailuresByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Now().UTC().Add(-15 * time.Minute)

	mock.ExpectQuery(`select count\(\*\).*lower\(user_email\)`).
		WithArgs("attacker@example.com", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := store.CountFailures(context.Background(), "Attacker@Example.COM", ByEmail, since)
	if err != nil {
		t.Fatalf("CountFailures: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "status",
		"roles", "permissions", "is_system_admin", "company_ids", "store_ids",
	}).AddRow(
		"usr-1", "manager@example.com", "$2a$10$hash", "active",
		[]byte(`["manager"]`), []byte(`["refund.approve"]`), false,
		[]byte(`["co-1"]`), []byte(`[]`),
	)
	mock.ExpectQuery("select .* from backoffice_users").
		WithArgs("Manager@Example.com").
		WillReturnRows(rows)

	user, err := store.FindByEmail(context.Background(), "Manager@Example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "usr-1" || user.Status != UserStatusActive {
		t.Fatalf("unexpected user: %+v", user)
	}
	if len(user.Permissions) != 1 || user.Permissions[0] != "refund.approve" {
		t.Fatalf("permissions not decoded: %v", user.Permissions)
	}
	if len(user.StoreIDs) != 0 {
		t.Fatalf("expected empty store list, got %v", user.StoreIDs)
	}

	mock.ExpectQuery("select .* from backoffice_users").
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.FindByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreQueryBuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "user_email", "session_id", "event_type", "result",
		"requested_permission", "store_id", "token_jti", "token_seq",
		"token_issued_at", "token_expires_at", "token_used_at",
		"ip_address", "user_agent", "request_id",
		"error_code", "error_message", "attempt_count", "rate_limit_window_ms",
		"created_at",
	}).AddRow(
		"01TESTULID", "usr-1", "manager@example.com", "", "ELEVATION_RATE_LIMITED", "FAILED_RATE_LIMIT",
		"refund.approve", "store-7", "", 0,
		nil, nil, nil,
		"10.0.0.1", "", "",
		"", "", 5, int64(900000),
		now,
	)
	mock.ExpectQuery("select .* from elevation_audit where user_id = .* order by created_at desc").
		WithArgs("usr-1", "ELEVATION_RATE_LIMITED", 50, 0).
		WillReturnRows(rows)

	records, err := store.Query(context.Background(), AuditQuery{
		UserID:    "usr-1",
		EventType: EventRateLimited,
		Limit:     50,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].RateLimitWindow != 15*time.Minute {
		t.Fatalf("window not decoded from ms: %v", records[0].RateLimitWindow)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
