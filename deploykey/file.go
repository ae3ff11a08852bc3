package deploykey

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"filippo.io/age"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"keel/apperr"
)

const fileSchema = `
CREATE TABLE IF NOT EXISTS deploy_keys (
	handle     TEXT PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);`

// FileStore keeps payloads in a local SQLite file, age-encrypted at rest.
// The handle is the key the caller passed to Put (the plan UUID).
type FileStore struct {
	pool      *sqlitex.Pool
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	logger    *slog.Logger
	path      string
}

// LoadIdentity reads the first X25519 identity from an age identity file.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age identity: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identity %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%s: no X25519 identity", path)
}

// OpenFileStore opens (creating if needed) the store at path. The parent
// directory is created owner-only.
func OpenFileStore(path string, identity *age.X25519Identity, logger *slog.Logger) (*FileStore, error) {
	if identity == nil {
		return nil, fmt.Errorf("file store: identity is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: chmod %s: %w", dir, err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("file store: open %s: %w", path, err)
	}

	s := &FileStore{
		pool:      pool,
		identity:  identity,
		recipient: identity.Recipient(),
		logger:    logger.With("component", "deploykey.file"),
		path:      path,
	}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("deploy key store opened", "path", path)
	return s, nil
}

func (s *FileStore) Name() string { return "local_file" }

func (s *FileStore) Close() error {
	return s.pool.Close()
}

func (s *FileStore) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("file store: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, fileSchema, nil); err != nil {
		return fmt.Errorf("file store: schema: %w", err)
	}
	return nil
}

func (s *FileStore) Put(ctx context.Context, key, payload string) (handle string, err error) {
	if key == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "deploy key handle is empty")
	}
	ciphertext, err := s.seal([]byte(payload))
	if err != nil {
		return "", err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("file store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("file store: begin: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO deploy_keys (handle, ciphertext, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(handle) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{key, ciphertext}})
	if err != nil {
		return "", fmt.Errorf("file store: put %s: %w", key, err)
	}
	return key, nil
}

func (s *FileStore) Get(ctx context.Context, handle string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("file store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var ciphertext string
	found := false
	err = sqlitex.Execute(conn, `SELECT ciphertext FROM deploy_keys WHERE handle = ?`, &sqlitex.ExecOptions{
		Args: []any{handle},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ciphertext = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("file store: get %s: %w", handle, err)
	}
	if !found {
		return "", apperr.New(apperr.CodeNotFound, "deploy keys %s not found", handle)
	}

	plain, err := s.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Delete removes the entry. A missing entry is not an error.
func (s *FileStore) Delete(ctx context.Context, handle string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("file store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("file store: begin: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM deploy_keys WHERE handle = ?`, &sqlitex.ExecOptions{
		Args: []any{handle},
	})
	if err != nil {
		return fmt.Errorf("file store: delete %s: %w", handle, err)
	}
	return nil
}

func (s *FileStore) seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *FileStore) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return io.ReadAll(r)
}
