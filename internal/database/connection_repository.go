package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/postlink/internal/models"
)

// CredentialSealer encrypts credentials before they are written.
type CredentialSealer interface {
	Seal(plaintext, additional []byte) (string, error)
	Open(value string, additional []byte) ([]byte, error)
}

// ConnectionRepository stores links between local users and external
// platform identities.
type ConnectionRepository struct {
	db     *sql.DB
	sealer CredentialSealer
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *sql.DB, sealer CredentialSealer) *ConnectionRepository {
	return &ConnectionRepository{db: db, sealer: sealer}
}

const connectionColumns = `
	id, user_id, external_id, handle, display_name, credentials,
	verification_state, verification_method, verified_at,
	auto_dispatch_enabled, disconnected_at, created_at, updated_at`

// Upsert creates the connection for (user_id, external_id) or refreshes an
// existing one. Refreshing replaces credentials and resets verification.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	sealed, err := r.sealCredentials(conn.ExternalID, conn.Credentials)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO connections (
			id, user_id, external_id, handle, display_name, credentials,
			verification_state, auto_dispatch_enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'unverified', FALSE, NOW(), NOW())
		ON CONFLICT (user_id, external_id) DO UPDATE SET
			handle = EXCLUDED.handle,
			display_name = EXCLUDED.display_name,
			credentials = EXCLUDED.credentials,
			verification_state = 'unverified',
			verification_method = NULL,
			verified_at = NULL,
			auto_dispatch_enabled = FALSE,
			disconnected_at = NULL,
			updated_at = NOW()
		RETURNING ` + connectionColumns

	id := conn.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := r.db.QueryRowContext(ctx, query,
		id,
		conn.UserID,
		conn.ExternalID,
		conn.Handle,
		conn.DisplayName,
		nullString(sealed),
	)
	stored, err := r.scan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return stored, nil
}

// GetByID retrieves a connection by its id.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// GetActiveByUser returns the user's most recently updated connection that
// has not been disconnected.
func (r *ConnectionRepository) GetActiveByUser(ctx context.Context, userID string) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND disconnected_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1`

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for user: %w", err)
	}
	return conn, nil
}

// GetDispatchable returns the user's verified connection that holds
// credentials, or ErrConnectionNotFound.
func (r *ConnectionRepository) GetDispatchable(ctx context.Context, userID string) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1
		  AND disconnected_at IS NULL
		  AND verification_state = 'verified'
		  AND credentials IS NOT NULL
		ORDER BY verified_at DESC
		LIMIT 1`

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatchable connection: %w", err)
	}
	return conn, nil
}

// ListByExternalID returns every connection for an external account.
func (r *ConnectionRepository) ListByExternalID(ctx context.Context, externalID string) ([]models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE external_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// UpdateVerification stores a new verification state. Auto-dispatch is
// switched off whenever the new state is not verified.
func (r *ConnectionRepository) UpdateVerification(ctx context.Context, id string, v models.Verification) error {
	query := `
		UPDATE connections
		SET verification_state = $2,
		    verification_method = $3,
		    verified_at = $4,
		    auto_dispatch_enabled = auto_dispatch_enabled AND $2 = 'verified',
		    updated_at = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		id,
		string(v.State()),
		nullString(string(v.Method())),
		nullTime(v.VerifiedAt()),
	)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	return expectOne(res, ErrConnectionNotFound)
}

// UpdateCredentials replaces the stored credentials of an active
// connection after a token refresh.
func (r *ConnectionRepository) UpdateCredentials(ctx context.Context, id, externalID string, creds *models.Credentials) error {
	sealed, err := r.sealCredentials(externalID, creds)
	if err != nil {
		return err
	}

	query := `
		UPDATE connections
		SET credentials = $2, updated_at = NOW()
		WHERE id = $1 AND disconnected_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, nullString(sealed))
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return expectOne(res, ErrConditionFailed)
}

// SetAutoDispatch toggles auto-dispatch. Enabling only succeeds on a
// verified connection; otherwise ErrConditionFailed is returned.
func (r *ConnectionRepository) SetAutoDispatch(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE connections
		SET auto_dispatch_enabled = $2, updated_at = NOW()
		WHERE id = $1 AND ($2 = FALSE OR verification_state = 'verified')`

	res, err := r.db.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set auto-dispatch: %w", err)
	}
	return expectOne(res, ErrConditionFailed)
}

// DisconnectUser soft-resets every active connection the user owns: the
// rows stay, credentials and verification are cleared.
func (r *ConnectionRepository) DisconnectUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE connections
		SET credentials = NULL,
		    verification_state = 'unverified',
		    verification_method = NULL,
		    verified_at = NULL,
		    auto_dispatch_enabled = FALSE,
		    disconnected_at = $2,
		    updated_at = $2
		WHERE user_id = $1 AND disconnected_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to disconnect user: %w", err)
	}
	return res.RowsAffected()
}

// Reassign moves connections owned by a public onboarding subject to the
// user who signed up. Only rows in the public bucket move, so a user's own
// connections can never be taken this way. Rows that would collide with an
// existing link for the same external account are left behind.
func (r *ConnectionRepository) Reassign(ctx context.Context, fromSubject, toUserID string) (int64, error) {
	if !models.IsPublicSubject(fromSubject) || models.IsPublicSubject(toUserID) {
		return 0, nil
	}

	query := `
		UPDATE connections AS c
		SET user_id = $2, updated_at = NOW()
		WHERE c.user_id = $1
		  AND c.user_id LIKE 'public:%'
		  AND NOT EXISTS (
			SELECT 1 FROM connections o
			WHERE o.user_id = $2 AND o.external_id = c.external_id
		  )`

	res, err := r.db.ExecContext(ctx, query, fromSubject, toUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign connections: %w", err)
	}
	return res.RowsAffected()
}

func (r *ConnectionRepository) scan(row rowScanner) (*models.Connection, error) {
	var (
		conn        models.Connection
		credentials sql.NullString
		state       string
		method      sql.NullString
		verifiedAt  sql.NullTime
		disconnect  sql.NullTime
	)

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.ExternalID,
		&conn.Handle,
		&conn.DisplayName,
		&credentials,
		&state,
		&method,
		&verifiedAt,
		&conn.AutoDispatchEnabled,
		&disconnect,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Verification, err = models.RestoreVerification(
		models.VerificationState(state),
		models.VerificationMethod(method.String),
		timePtr(verifiedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	conn.DisconnectedAt = timePtr(disconnect)

	if credentials.Valid {
		conn.Credentials, err = r.openCredentials(conn.ExternalID, credentials.String)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
		}
	}

	return &conn, nil
}

func (r *ConnectionRepository) sealCredentials(externalID string, creds *models.Credentials) (string, error) {
	if creds == nil {
		return "", nil
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	sealed, err := r.sealer.Seal(payload, []byte(externalID))
	if err != nil {
		return "", fmt.Errorf("failed to seal credentials: %w", err)
	}
	return sealed, nil
}

func (r *ConnectionRepository) openCredentials(externalID, sealed string) (*models.Credentials, error) {
	payload, err := r.sealer.Open(sealed, []byte(externalID))
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}
	var creds models.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}
