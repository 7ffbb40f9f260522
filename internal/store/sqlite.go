// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Code consumption and revocation are single conditional UPDATE statements

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQL driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // pure Go, no cgo
	DriverMattn   = "sqlite3" // cgo
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path using the given
// driver. The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, sqliteDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would otherwise get its own database
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// sqliteDSN appends per-connection pragmas in the syntax each driver expects.
func sqliteDSN(driver, path string) string {
	if driver == DriverMattn {
		return path + "?_busy_timeout=5000&_foreign_keys=on"
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id     TEXT PRIMARY KEY,
			client_name   TEXT NOT NULL,
			redirect_uris TEXT NOT NULL,
			secret_hash   TEXT NOT NULL DEFAULT '',
			auth_method   TEXT NOT NULL DEFAULT 'none',
			created_at    TEXT NOT NULL,
			revoked_at    TEXT
		);

		CREATE TABLE IF NOT EXISTS auth_codes (
			id                    TEXT PRIMARY KEY,
			client_id             TEXT NOT NULL,
			user_id               TEXT NOT NULL,
			scopes                TEXT NOT NULL,
			redirect_uri          TEXT NOT NULL,
			code_challenge        TEXT NOT NULL DEFAULT '',
			code_challenge_method TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			expires_at            TEXT NOT NULL,
			consumed_at           TEXT,
			replayed_at           TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_auth_codes_expires ON auth_codes(expires_at);

		CREATE TABLE IF NOT EXISTS tokens (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			scopes     TEXT NOT NULL,
			parent_id  TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL DEFAULT '',
			revoked_at TEXT,

			CHECK (kind IN ('access', 'refresh'))
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_parent ON tokens(parent_id);
		CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('oauth_clients') WHERE name = 'static'`,
			apply:  `ALTER TABLE oauth_clients ADD COLUMN static INTEGER NOT NULL DEFAULT 0`,
			table:  "oauth_clients",
			column: "static",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('auth_codes') WHERE name = 'replayed_at'`,
			apply:  `ALTER TABLE auth_codes ADD COLUMN replayed_at TEXT`,
			table:  "auth_codes",
			column: "replayed_at",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateClient inserts a new client.
// Returns ErrDuplicate if the client ID is taken.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *Client) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, client_name, redirect_uris, secret_hash, auth_method, static, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, string(uris), c.SecretHash, c.AuthMethod, c.Static, formatTime(c.CreatedAt), formatTimePtr(c.RevokedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_name, redirect_uris, secret_hash, auth_method, static, created_at, revoked_at
		FROM oauth_clients
		WHERE client_id = ?
	`, id)

	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// ReplaceClient overwrites every field of an existing client.
func (s *SQLiteStore) ReplaceClient(ctx context.Context, c *Client) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_clients
		SET client_name = ?, redirect_uris = ?, secret_hash = ?, auth_method = ?, static = ?, created_at = ?, revoked_at = ?
		WHERE client_id = ?
	`, c.Name, string(uris), c.SecretHash, c.AuthMethod, c.Static, formatTime(c.CreatedAt), formatTimePtr(c.RevokedAt), c.ID)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	return requireOneRow(res)
}

// RevokeClient marks a client revoked, keeping the first revocation time.
func (s *SQLiteStore) RevokeClient(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_clients SET revoked_at = COALESCE(revoked_at, ?) WHERE client_id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("revoking client: %w", err)
	}
	return requireOneRow(res)
}

// ListClients returns all clients ordered by creation time.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, client_name, redirect_uris, secret_hash, auth_method, static, created_at, revoked_at
		FROM oauth_clients
		ORDER BY created_at, client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAuthCode inserts a new authorization code.
func (s *SQLiteStore) CreateAuthCode(ctx context.Context, code *AuthCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (id, client_id, user_id, scopes, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at, consumed_at, replayed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, code.ID, code.ClientID, code.UserID, joinScopes(code.Scopes), code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod,
		formatTime(code.CreatedAt), formatTime(code.ExpiresAt), formatTimePtr(code.ConsumedAt), formatTimePtr(code.ReplayedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting auth code: %w", err)
	}
	return nil
}

// GetAuthCode retrieves an authorization code by ID.
func (s *SQLiteStore) GetAuthCode(ctx context.Context, id string) (*AuthCode, error) {
	var (
		code                         AuthCode
		scopes, createdAt, expiresAt string
		consumedAt, replayedAt       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, scopes, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at, consumed_at, replayed_at
		FROM auth_codes
		WHERE id = ?
	`, id).Scan(&code.ID, &code.ClientID, &code.UserID, &scopes, &code.RedirectURI,
		&code.CodeChallenge, &code.CodeChallengeMethod, &createdAt, &expiresAt, &consumedAt, &replayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth code: %w", err)
	}

	code.Scopes = splitScopes(scopes)
	if code.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if code.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if code.ConsumedAt, err = parseTimePtr(consumedAt); err != nil {
		return nil, fmt.Errorf("parsing consumed_at: %w", err)
	}
	if code.ReplayedAt, err = parseTimePtr(replayedAt); err != nil {
		return nil, fmt.Errorf("parsing replayed_at: %w", err)
	}
	return &code, nil
}

// ConsumeAuthCode marks the code consumed with a conditional UPDATE. The row
// count tells us whether this call won; a zero count is either a missing code
// or one that somebody else already consumed.
func (s *SQLiteStore) ConsumeAuthCode(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_codes SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("consuming auth code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM auth_codes WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying auth code: %w", err)
	}
	return ErrAlreadyConsumed
}

// MarkAuthCodeReplayed sets replayed_at unless it is already set.
func (s *SQLiteStore) MarkAuthCodeReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_codes SET replayed_at = COALESCE(replayed_at, ?) WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking auth code replayed: %w", err)
	}
	return requireOneRow(res)
}

// CreateToken inserts a new token.
func (s *SQLiteStore) CreateToken(ctx context.Context, t *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, kind, client_id, user_id, scopes, parent_id, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, string(t.Kind), t.ClientID, t.UserID, joinScopes(t.Scopes), t.ParentID,
		formatTime(t.CreatedAt), formatOptionalTime(t.ExpiresAt), formatTimePtr(t.RevokedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID.
func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, client_id, user_id, scopes, parent_id, created_at, expires_at, revoked_at
		FROM tokens
		WHERE id = ?
	`, id)

	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return t, nil
}

// RevokeToken marks the token revoked with a conditional UPDATE.
func (s *SQLiteStore) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying token: %w", err)
	}
	return false, nil
}

// ListTokensByParent returns the tokens issued from parentID.
func (s *SQLiteStore) ListTokensByParent(ctx context.Context, parentID string) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, client_id, user_id, scopes, parent_id, created_at, expires_at, revoked_at
		FROM tokens
		WHERE parent_id = ?
		ORDER BY created_at, id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("querying tokens by parent: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteExpired removes codes and tokens that expired before the given time.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	cutoff := formatTime(before)

	codes, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired codes: %w", err)
	}
	tokens, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at != '' AND expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	nc, _ := codes.RowsAffected()
	nt, _ := tokens.RowsAffected()
	return int(nc + nt), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c               Client
		uris, createdAt string
		revokedAt       sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Name, &uris, &c.SecretHash, &c.AuthMethod, &c.Static, &createdAt, &revokedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &c, nil
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		t                    Token
		kind, scopes         string
		createdAt, expiresAt string
		revokedAt            sql.NullString
	)
	if err := row.Scan(&t.ID, &kind, &t.ClientID, &t.UserID, &scopes, &t.ParentID, &createdAt, &expiresAt, &revokedAt); err != nil {
		return nil, err
	}
	t.Kind = TokenKind(kind)
	t.Scopes = splitScopes(scopes)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if expiresAt != "" {
		if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
	}
	if t.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &t, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
