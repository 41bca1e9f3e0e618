package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists chunks and their embeddings in a sqlite table,
// schema-managed by golang-migrate.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the sqlite-backed chunk store at
// path. ":memory:" is valid for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the chunk-store schema via golang-migrate, using the
// embedded migrations directory as the source.
func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load chunk store migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init chunk store migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init chunk store migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply chunk store migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// FileRecord is the (mtime, size) the store has on file for a path,
// used to decide whether a sync pass needs to re-chunk it.
type FileRecord struct {
	Mtime int64
	Size  int64
}

// FileRecord returns the indexed (mtime, size) for path, or ok=false if the
// path has no chunks indexed.
func (s *Store) FileRecord(ctx context.Context, path string) (FileRecord, bool, error) {
	var rec FileRecord
	err := s.db.QueryRowContext(ctx, `SELECT mtime, size FROM chunks WHERE path = ? LIMIT 1`, path).Scan(&rec.Mtime, &rec.Size)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

// ReplaceFile drops path's existing chunks and inserts the new set in one
// transaction.
func (s *Store) ReplaceFile(ctx context.Context, path string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, path, content, start_line, end_line, embedding, mtime, size, session_key, label, role)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Path, c.Content, c.StartLine, c.EndLine,
			encodeEmbedding(c.Embedding), c.Mtime, c.Size, c.SessionKey, c.Label, c.Role); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// RemoveFile drops every chunk belonging to path (the file was deleted).
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path)
	return err
}

// All returns every indexed chunk — the candidate set search scores
// in-process; there is no native vector index.
func (s *Store) All(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, content, start_line, end_line, embedding, mtime, size, session_key, label, role
		FROM chunks
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var embeddingBlob []byte
		var sessionKey, label, role sql.NullString
		if err := rows.Scan(&c.ID, &c.Path, &c.Content, &c.StartLine, &c.EndLine, &embeddingBlob,
			&c.Mtime, &c.Size, &sessionKey, &label, &role); err != nil {
			return nil, err
		}
		c.Embedding = decodeEmbedding(embeddingBlob)
		c.SessionKey = sessionKey.String
		c.Label = label.String
		c.Role = role.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
