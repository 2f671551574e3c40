// Package knowledge provides the SQLite-backed vector store behind
// the knowledge base lookup tool. Passages are stored with their
// embedding vectors and searched by cosine similarity.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Passage is a single unit of stored knowledge.
type Passage struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages passage persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a passage store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a passage store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS passages (
			id TEXT PRIMARY KEY,
			title TEXT,
			content TEXT NOT NULL,
			source TEXT,
			embedding BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_passages_source ON passages(source);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a passage. The caller supplies the embedding.
func (s *Store) Add(ctx context.Context, title, content, source string, embedding []float32) (*Passage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO passages (id, title, content, source, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), title, content, source, encodeEmbedding(embedding), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert passage: %w", err)
	}

	return &Passage{
		ID:        id,
		Title:     title,
		Content:   content,
		Source:    source,
		Embedding: embedding,
		CreatedAt: now,
	}, nil
}

// All returns every stored passage, embeddings included.
func (s *Store) All(ctx context.Context) ([]*Passage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, source, embedding, created_at
		FROM passages ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	var passages []*Passage
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// Count returns the number of stored passages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}

// Delete removes a passage by ID.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete passage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("passage not found: %s", id)
	}
	return nil
}

func scanPassage(rows *sql.Rows) (*Passage, error) {
	var (
		idStr, createdStr string
		title, source     sql.NullString
		blob              []byte
		p                 Passage
	)
	if err := rows.Scan(&idStr, &title, &p.Content, &source, &blob, &createdStr); err != nil {
		return nil, fmt.Errorf("scan passage: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	p.ID = id
	p.Title = title.String
	p.Source = source.String
	p.Embedding = decodeEmbedding(blob)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)

	return &p, nil
}

// encodeEmbedding packs a float32 vector into a little-endian blob.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian blob into a float32 vector.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
