package pattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// SQLiteIndex implements Index on SQLite with the sqlite-vec extension
// for nearest-neighbor search. The full record round-trips through a
// JSON payload column, so fields the vector table does not index are
// still retrievable by exact item id.
type SQLiteIndex struct {
	db  *sql.DB
	dim int
}

// NewSQLiteIndex opens (or creates) the pattern database at path with
// embeddings of the given dimension. Use ":memory:" for an ephemeral
// index.
func NewSQLiteIndex(path string, dim int) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern database: %w", err)
	}

	// An in-memory database is private to its connection; keep one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS patterns (
		    id INTEGER PRIMARY KEY AUTOINCREMENT,
		    item_id TEXT NOT NULL UNIQUE,
		    language TEXT,
		    complexity TEXT,
		    quality_score REAL,
		    tombstoned INTEGER DEFAULT 0,
		    payload TEXT NOT NULL,
		    created_at DATETIME DEFAULT (datetime('now'))
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS vec_patterns USING vec0(
		    pattern_id INTEGER PRIMARY KEY,
		    embedding FLOAT[%d]
		);
	`, dim)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pattern schema: %w", err)
	}

	return &SQLiteIndex{db: db, dim: dim}, nil
}

// Upsert stores the record and its embedding, replacing any previous
// row for the same item id.
func (s *SQLiteIndex) Upsert(ctx context.Context, rec *Record, embedding []float32) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(embedding), s.dim)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	blob, err := sqlite_vec.SerializeFloat32(normalize(embedding))
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var rowID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM patterns WHERE item_id = ?`, rec.ItemID).Scan(&rowID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE patterns SET language = ?, complexity = ?, quality_score = ?, tombstoned = 0, payload = ? WHERE id = ?`,
			rec.Language, rec.Complexity, rec.QualityScore, string(payload), rowID); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update pattern: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_patterns WHERE pattern_id = ?`, rowID); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear old embedding: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx,
			`INSERT INTO patterns (item_id, language, complexity, quality_score, payload) VALUES (?, ?, ?, ?, ?)`,
			rec.ItemID, rec.Language, rec.Complexity, rec.QualityScore, string(payload))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert pattern: %w", err)
		}
		rowID, _ = result.LastInsertId()
	default:
		tx.Rollback()
		return fmt.Errorf("failed to look up pattern: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO vec_patterns (pattern_id, embedding) VALUES (?, ?)`, rowID, blob); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert embedding: %w", err)
	}

	return tx.Commit()
}

// Get retrieves a record by exact item id. Tombstoned records are not
// returned.
func (s *SQLiteIndex) Get(ctx context.Context, itemID string) (*Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM patterns WHERE item_id = ? AND tombstoned = 0`, itemID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// Search returns the records nearest to the embedding, most similar
// first. Vectors are stored unit-normalized, so the backend's L2
// distance d maps to cosine similarity as 1 - d^2/2.
func (s *SQLiteIndex) Search(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}

	blob, err := sqlite_vec.SerializeFloat32(normalize(embedding))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.payload, v.distance
		FROM vec_patterns v
		JOIN patterns p ON v.pattern_id = p.id
		WHERE p.tombstoned = 0
		  AND v.embedding MATCH ?
		  AND k = ?
		ORDER BY v.distance
	`, blob, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search patterns: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var payload string
		var distance float64
		if err := rows.Scan(&payload, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		matches = append(matches, Match{Record: &rec, Similarity: 1 - distance*distance/2})
	}
	return matches, rows.Err()
}

// UpdateQuality sets the current quality score, in both the indexed
// column and the payload so round-trips observe the new value.
func (s *SQLiteIndex) UpdateQuality(ctx context.Context, itemID string, score float64) error {
	return s.mutateRecord(ctx, itemID, func(rec *Record) {
		rec.QualityScore = score
	})
}

// AddTags merges tags into the record's tag set.
func (s *SQLiteIndex) AddTags(ctx context.Context, itemID string, tags []string) error {
	return s.mutateRecord(ctx, itemID, func(rec *Record) {
		rec.Tags = NormalizeTags(append(rec.Tags, tags...))
	})
}

// Delete tombstones the record.
func (s *SQLiteIndex) Delete(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE patterns SET tombstoned = 1 WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to tombstone pattern: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) mutateRecord(ctx context.Context, itemID string, mutate func(*Record)) error {
	rec, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}

	mutate(rec)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE patterns SET quality_score = ?, payload = ? WHERE item_id = ?`,
		rec.QualityScore, string(payload), itemID)
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	return nil
}

// normalize returns a unit-length copy of v. Zero vectors are returned
// unchanged.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

var _ Index = (*SQLiteIndex)(nil)
