package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/secrets"
)

var connectionRowColumns = []string{
	"id", "user_id", "external_id", "handle", "display_name", "credentials",
	"verification_state", "verification_method", "verified_at",
	"auto_dispatch_enabled", "disconnected_at", "created_at", "updated_at",
}

func newTestSealer(t *testing.T) *secrets.Sealer {
	t.Helper()
	s, err := secrets.NewSealer(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func newConnectionRepo(t *testing.T) (*ConnectionRepository, sqlmock.Sqlmock, *secrets.Sealer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sealer := newTestSealer(t)
	return NewConnectionRepository(db, sealer), mock, sealer
}

func sealFor(t *testing.T, s *secrets.Sealer, externalID string, creds models.Credentials) string {
	t.Helper()
	payload, _ := json.Marshal(creds)
	sealed, err := s.Seal(payload, []byte(externalID))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

func TestConnectionUpsertSealsCredentials(t *testing.T) {
	repo, mock, sealer := newConnectionRepo(t)
	now := time.Now().UTC()
	creds := models.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}

	stored := sealFor(t, sealer, "x-42", creds)
	rows := sqlmock.NewRows(connectionRowColumns).
		AddRow("c1", "u1", "x-42", "alice", "Alice", stored, "unverified", nil, nil, false, nil, now, now)

	mock.ExpectQuery(`(?s)INSERT INTO connections .* ON CONFLICT \(user_id, external_id\) DO UPDATE SET`).
		WithArgs(sqlmock.AnyArg(), "u1", "x-42", "alice", "Alice", sqlmock.AnyArg()).
		WillReturnRows(rows)

	conn, err := repo.Upsert(context.Background(), &models.Connection{
		UserID:      "u1",
		ExternalID:  "x-42",
		Handle:      "alice",
		DisplayName: "Alice",
		Credentials: &creds,
	})
	if err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if conn.Credentials == nil || conn.Credentials.AccessToken != "access-1" {
		t.Fatalf("credentials not restored: %+v", conn.Credentials)
	}
	if conn.Verification.State() != models.VerificationUnverified {
		t.Errorf("state = %s, want unverified", conn.Verification.State())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestConnectionGetByIDNotFound(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)

	mock.ExpectQuery(`FROM connections WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestConnectionScanRestoresVerified(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(connectionRowColumns).
		AddRow("c1", "u1", "x-1", "alice", "", nil, "verified", "email", now, true, nil, now, now)
	mock.ExpectQuery(`FROM connections\s+WHERE user_id = \$1 AND disconnected_at IS NULL`).
		WithArgs("u1").
		WillReturnRows(rows)

	conn, err := repo.GetActiveByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetActiveByUser returned error: %v", err)
	}
	if !conn.Verification.IsVerified() || conn.Verification.Method() != models.VerificationMethodEmail {
		t.Fatalf("unexpected verification %+v", conn.Verification)
	}
	if !conn.AutoDispatchEnabled {
		t.Error("expected auto dispatch enabled")
	}
	if conn.Credentials != nil {
		t.Error("expected nil credentials for NULL column")
	}
}

func TestConnectionScanRejectsInconsistentRow(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(connectionRowColumns).
		AddRow("c1", "u1", "x-1", "alice", "", nil, "verified", nil, nil, false, nil, now, now)
	mock.ExpectQuery(`FROM connections WHERE id = \$1`).WithArgs("c1").WillReturnRows(rows)

	if _, err := repo.GetByID(context.Background(), "c1"); err == nil {
		t.Fatal("expected error for verified row without method")
	}
}

func TestConnectionSetAutoDispatchGuarded(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)

	mock.ExpectExec(`(?s)UPDATE connections\s+SET auto_dispatch_enabled = \$2.*verification_state = 'verified'`).
		WithArgs("c1", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SetAutoDispatch(context.Background(), "c1", true); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestConnectionUpdateVerification(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(`UPDATE connections\s+SET verification_state = \$2`).
		WithArgs("c1", "verified", "platform_post", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE connections\s+SET verification_state = \$2`).
		WithArgs("c1", "pending_email", sql.NullString{}, sql.NullTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := repo.UpdateVerification(ctx, "c1", models.VerifiedVia(models.VerificationMethodPlatformPost, at)); err != nil {
		t.Fatalf("UpdateVerification returned error: %v", err)
	}
	if err := repo.UpdateVerification(ctx, "c1", models.PendingVia(models.VerificationMethodEmail)); err != nil {
		t.Fatalf("UpdateVerification returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestConnectionDisconnectUserIsSoft(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE connections\s+SET credentials = NULL`).
		WithArgs("u1", at).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DisconnectUser(context.Background(), "u1", at)
	if err != nil {
		t.Fatalf("DisconnectUser returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestConnectionReassign(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)

	mock.ExpectExec(`(?s)UPDATE connections AS c\s+SET user_id = \$2.*c.user_id LIKE 'public:%'`).
		WithArgs("public:claim-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.Reassign(context.Background(), "public:claim-1", "u1")
	if err != nil {
		t.Fatalf("Reassign returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestConnectionReassignIgnoresUserOwnedRows(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)

	// neither call may reach the database
	n, err := repo.Reassign(context.Background(), "42", "999")
	if err != nil || n != 0 {
		t.Fatalf("Reassign(user id) = %d, %v", n, err)
	}
	n, err = repo.Reassign(context.Background(), "public:claim-1", "public:claim-2")
	if err != nil || n != 0 {
		t.Fatalf("Reassign(into public bucket) = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdateCredentialsOnDisconnectedRow(t *testing.T) {
	repo, mock, _ := newConnectionRepo(t)

	mock.ExpectExec(`(?s)UPDATE connections\s+SET credentials = \$2.*disconnected_at IS NULL`).
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateCredentials(context.Background(), "c1", "x-42", &models.Credentials{AccessToken: "fresh"})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}
