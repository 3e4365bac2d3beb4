// Package catalog is the version-tracked structured store for
// knowledge items: algorithms, their ordered immutable versions,
// persisted diffs between versions, performance metrics, and the
// append-only quality score history.
//
// The catalog owns the monotonic-sequence invariant: per algorithm,
// version numbers are gapless, strictly increasing, start at 1, and
// are never reused.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// Kinds of knowledge items.
const (
	KindAlgorithm = "algorithm"
	KindPattern   = "pattern"
	KindConcept   = "concept"
)

// Item is the logical identity binding a pattern, an algorithm version
// chain, and a graph entity that represent the same concept.
type Item struct {
	ID         string
	Name       string
	Kind       string
	Tombstoned bool
	CreatedAt  time.Time
}

// Version is one immutable snapshot of an algorithm's code.
// Corrections never mutate a version; they append a new one.
type Version struct {
	ID          int64
	AlgorithmID string
	Number      int
	Code        string
	Parent      *int // previous version number, nil for version 1
	CreatedAt   time.Time
}

// Metric is one append-only performance observation for a version.
type Metric struct {
	ID              int64
	VersionID       int64
	InputSize       int64
	ExecutionTimeMS float64
	MemoryKB        float64
	RecordedAt      time.Time
}

// Observation is one append-only quality score for an item. Feedback
// never rewrites history; it appends.
type Observation struct {
	ID         int64
	ItemID     string
	Score      float64
	Metrics    string // JSON of the sub-metrics supplied with the score
	RecordedAt time.Time
}

// Lookup errors.
var (
	ErrItemNotFound    = errors.New("catalog: item not found")
	ErrVersionNotFound = errors.New("catalog: version not found")
	ErrDiffNotFound    = errors.New("catalog: diff not found")
)

// DuplicateVersionError reports a version_number collision: the number
// was already taken when the write landed.
type DuplicateVersionError struct {
	AlgorithmID string
	Version     int
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("version %d of algorithm %s already exists", e.Version, e.AlgorithmID)
}

// UnknownVersionError reports a reference to a version id that does
// not exist.
type UnknownVersionError struct {
	VersionID int64
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("version id %d does not exist", e.VersionID)
}

// VersionRangeError reports an invalid diff range: a bound that does
// not exist, or from > to.
type VersionRangeError struct {
	AlgorithmID string
	From, To    int
}

func (e *VersionRangeError) Error() string {
	return fmt.Sprintf("invalid version range %d..%d for algorithm %s", e.From, e.To, e.AlgorithmID)
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_items (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    tombstoned INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(name, kind)
);

CREATE TABLE IF NOT EXISTS algorithm_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    algorithm_id TEXT NOT NULL REFERENCES knowledge_items(id),
    version_number INTEGER NOT NULL,
    code TEXT NOT NULL,
    parent_version INTEGER,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(algorithm_id, version_number)
);

CREATE TABLE IF NOT EXISTS diffs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    algorithm_id TEXT NOT NULL REFERENCES knowledge_items(id),
    from_version INTEGER NOT NULL,
    to_version INTEGER NOT NULL,
    change_description TEXT,
    rationale TEXT,
    script TEXT NOT NULL,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(algorithm_id, from_version, to_version)
);

CREATE TABLE IF NOT EXISTS performance_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version_id INTEGER NOT NULL REFERENCES algorithm_versions(id),
    input_size INTEGER NOT NULL,
    execution_time_ms REAL NOT NULL,
    memory_kb REAL NOT NULL,
    recorded_at DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS quality_observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id TEXT NOT NULL REFERENCES knowledge_items(id),
    score REAL NOT NULL,
    metrics TEXT,
    recorded_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_versions_algorithm ON algorithm_versions(algorithm_id);
CREATE INDEX IF NOT EXISTS idx_diffs_algorithm ON diffs(algorithm_id);
CREATE INDEX IF NOT EXISTS idx_metrics_version ON performance_metrics(version_id);
CREATE INDEX IF NOT EXISTS idx_observations_item ON quality_observations(item_id);
`

// Catalog persists items, versions, diffs, and metrics in SQLite.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// An in-memory database is private to its connection; keep one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// EnsureItem returns the item identified by (name, kind), creating it
// with a fresh id when absent. The bool reports whether it was created.
func (c *Catalog) EnsureItem(ctx context.Context, name, kind string) (*Item, bool, error) {
	item, err := c.FindItem(ctx, name, kind)
	if err == nil {
		return item, false, nil
	}
	if !errors.Is(err, ErrItemNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO knowledge_items (id, name, kind) VALUES (?, ?, ?)`, id, name, kind)
	if err != nil {
		// Lost a creation race: the unique (name, kind) row now exists.
		if isUniqueViolation(err) {
			item, ferr := c.FindItem(ctx, name, kind)
			if ferr == nil {
				return item, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to insert item %q: %w", name, err)
	}

	return &Item{ID: id, Name: name, Kind: kind, CreatedAt: time.Now().UTC()}, true, nil
}

// GetItem looks up an item by id.
func (c *Catalog) GetItem(ctx context.Context, id string) (*Item, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, kind, tombstoned, created_at FROM knowledge_items WHERE id = ?`, id)
	return scanItem(row)
}

// FindItem looks up an item by its (name, kind) identity.
func (c *Catalog) FindItem(ctx context.Context, name, kind string) (*Item, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, kind, tombstoned, created_at FROM knowledge_items WHERE name = ? AND kind = ?`, name, kind)
	return scanItem(row)
}

// DeleteItem removes an item row outright. Only used to undo an item
// created by a multi-step write whose later steps failed.
func (c *Catalog) DeleteItem(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

// TombstoneItem flags an item as removed. History stays readable.
func (c *Catalog) TombstoneItem(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE knowledge_items SET tombstoned = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone item %s: %w", id, err)
	}
	return nil
}

// MaxVersion returns the highest version number for the algorithm,
// zero when no versions exist.
func (c *Catalog) MaxVersion(ctx context.Context, algorithmID string) (int, error) {
	var max int
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM algorithm_versions WHERE algorithm_id = ?`,
		algorithmID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}
	return max, nil
}

// GetVersion returns a specific version of an algorithm.
func (c *Catalog) GetVersion(ctx context.Context, algorithmID string, number int) (*Version, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, algorithm_id, version_number, code, parent_version, created_at
		 FROM algorithm_versions WHERE algorithm_id = ? AND version_number = ?`,
		algorithmID, number)
	return scanVersion(row)
}

// GetVersionByID returns a version by its row id.
func (c *Catalog) GetVersionByID(ctx context.Context, id int64) (*Version, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, algorithm_id, version_number, code, parent_version, created_at
		 FROM algorithm_versions WHERE id = ?`, id)
	return scanVersion(row)
}

// ListVersions returns all versions of an algorithm in ascending order.
func (c *Catalog) ListVersions(ctx context.Context, algorithmID string) ([]*Version, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, algorithm_id, version_number, code, parent_version, created_at
		 FROM algorithm_versions WHERE algorithm_id = ? ORDER BY version_number ASC`,
		algorithmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// AppendVersion persists a new version together with its pairwise diff
// in a single transaction. The version number must be exactly the
// current maximum plus one; anything already taken surfaces as
// DuplicateVersionError so the caller can re-read and retry.
// Version 1 carries no stored diff (there is nothing to diff against).
func (c *Catalog) AppendVersion(ctx context.Context, v *Version, d *Diff) (retID int64, retErr error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		}
	}()

	var max int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM algorithm_versions WHERE algorithm_id = ?`,
		v.AlgorithmID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}

	if v.Number <= max {
		return 0, &DuplicateVersionError{AlgorithmID: v.AlgorithmID, Version: v.Number}
	}
	if v.Number != max+1 {
		return 0, fmt.Errorf("version %d would leave a gap after %d for algorithm %s", v.Number, max, v.AlgorithmID)
	}

	var parent any
	if v.Parent != nil {
		parent = *v.Parent
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO algorithm_versions (algorithm_id, version_number, code, parent_version) VALUES (?, ?, ?, ?)`,
		v.AlgorithmID, v.Number, v.Code, parent)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &DuplicateVersionError{AlgorithmID: v.AlgorithmID, Version: v.Number}
		}
		return 0, fmt.Errorf("failed to insert version: %w", err)
	}
	id, _ := result.LastInsertId()

	if d != nil {
		script, err := json.Marshal(d.Script)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal diff script: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO diffs (algorithm_id, from_version, to_version, change_description, rationale, script)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.AlgorithmID, d.FromVersion, d.ToVersion, d.ChangeDescription, d.Rationale, string(script)); err != nil {
			return 0, fmt.Errorf("failed to insert diff: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit version: %w", err)
	}
	return id, nil
}

// DeleteVersion removes a version and its inbound diff. Compensation
// only: versions are immutable once the logical write that created
// them has committed.
func (c *Catalog) DeleteVersion(ctx context.Context, algorithmID string, number int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM algorithm_versions WHERE algorithm_id = ? AND version_number = ?`, algorithmID, number); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diffs WHERE algorithm_id = ? AND to_version = ?`, algorithmID, number); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete diff: %w", err)
	}
	return tx.Commit()
}

// GetDiff returns the diff from one version to a later one. Adjacent
// ranges come straight from storage; wider ranges compose the stored
// pairwise diffs rather than recomputing. from == to yields an empty
// diff; from > to or a nonexistent bound is a VersionRangeError.
func (c *Catalog) GetDiff(ctx context.Context, algorithmID string, from, to int) (*Diff, error) {
	if from > to || from < 1 {
		return nil, &VersionRangeError{AlgorithmID: algorithmID, From: from, To: to}
	}

	max, err := c.MaxVersion(ctx, algorithmID)
	if err != nil {
		return nil, err
	}
	if from > max || to > max {
		return nil, &VersionRangeError{AlgorithmID: algorithmID, From: from, To: to}
	}

	if from == to {
		return &Diff{AlgorithmID: algorithmID, FromVersion: from, ToVersion: to, ChangeDescription: "no changes"}, nil
	}

	chain := make([]*Diff, 0, to-from)
	for v := from; v < to; v++ {
		d, err := c.getPairwiseDiff(ctx, algorithmID, v, v+1)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return Compose(chain)
}

func (c *Catalog) getPairwiseDiff(ctx context.Context, algorithmID string, from, to int) (*Diff, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT algorithm_id, from_version, to_version, change_description, rationale, script
		 FROM diffs WHERE algorithm_id = ? AND from_version = ? AND to_version = ?`,
		algorithmID, from, to)

	var d Diff
	var script string
	err := row.Scan(&d.AlgorithmID, &d.FromVersion, &d.ToVersion, &d.ChangeDescription, &d.Rationale, &script)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiffNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan diff: %w", err)
	}
	if err := json.Unmarshal([]byte(script), &d.Script); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diff script: %w", err)
	}
	return &d, nil
}

// RecordMetric appends one performance observation for a version.
func (c *Catalog) RecordMetric(ctx context.Context, versionID, inputSize int64, executionTimeMS, memoryKB float64) (*Metric, error) {
	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM algorithm_versions WHERE id = ?`, versionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check version: %w", err)
	}
	if exists == 0 {
		return nil, &UnknownVersionError{VersionID: versionID}
	}

	result, err := c.db.ExecContext(ctx,
		`INSERT INTO performance_metrics (version_id, input_size, execution_time_ms, memory_kb) VALUES (?, ?, ?, ?)`,
		versionID, inputSize, executionTimeMS, memoryKB)
	if err != nil {
		return nil, fmt.Errorf("failed to record metric: %w", err)
	}

	id, _ := result.LastInsertId()
	return &Metric{
		ID:              id,
		VersionID:       versionID,
		InputSize:       inputSize,
		ExecutionTimeMS: executionTimeMS,
		MemoryKB:        memoryKB,
		RecordedAt:      time.Now().UTC(),
	}, nil
}

// MetricsForVersion returns all observations for a version, oldest first.
func (c *Catalog) MetricsForVersion(ctx context.Context, versionID int64) ([]*Metric, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, version_id, input_size, execution_time_ms, memory_kb, recorded_at
		 FROM performance_metrics WHERE version_id = ? ORDER BY id ASC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.VersionID, &m.InputSize, &m.ExecutionTimeMS, &m.MemoryKB, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// AddObservation appends one quality score observation for an item.
func (c *Catalog) AddObservation(ctx context.Context, itemID string, score float64, metricsJSON string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO quality_observations (item_id, score, metrics) VALUES (?, ?, ?)`,
		itemID, score, metricsJSON)
	if err != nil {
		return fmt.Errorf("failed to add quality observation: %w", err)
	}
	return nil
}

// QualityHistory returns all score observations for an item, oldest first.
func (c *Catalog) QualityHistory(ctx context.Context, itemID string) ([]*Observation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, item_id, score, COALESCE(metrics, ''), recorded_at
		 FROM quality_observations WHERE item_id = ? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality history: %w", err)
	}
	defer rows.Close()

	var history []*Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.ItemID, &o.Score, &o.Metrics, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		history = append(history, &o)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var tombstoned int
	err := row.Scan(&it.ID, &it.Name, &it.Kind, &tombstoned, &it.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	it.Tombstoned = tombstoned != 0
	return &it, nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var parent sql.NullInt64
	err := row.Scan(&v.ID, &v.AlgorithmID, &v.Number, &v.Code, &parent, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if parent.Valid {
		p := int(parent.Int64)
		v.Parent = &p
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
