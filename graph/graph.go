package graph

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

// Entity is a typed node. Where the entity mirrors a knowledge item,
// its ID equals the item's item_id so the stores stay linkable.
type Entity struct {
	ID         string
	Name       string
	Type       EntityType
	Properties map[string]any
	Tombstoned bool
	CreatedAt  time.Time
}

// Relation is a typed, directed edge between two entities.
type Relation struct {
	ID         int64
	FromID     string
	ToID       string
	Type       RelationType
	Properties map[string]any
	CreatedAt  time.Time
}

// ErrEntityNotFound is returned by targeted lookups that match nothing.
var ErrEntityNotFound = errors.New("graph: entity not found")

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    properties TEXT,
    tombstoned INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(name, entity_type)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

CREATE TABLE IF NOT EXISTS relations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_id TEXT NOT NULL REFERENCES entities(id),
    to_id TEXT NOT NULL REFERENCES entities(id),
    relation_type TEXT NOT NULL,
    properties TEXT,
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);
CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(relation_type);
`

const (
	queryInsertEntity = `INSERT INTO entities (id, name, entity_type, properties) VALUES (?, ?, ?, ?)`
	queryGetEntity    = `SELECT id, name, entity_type, properties, tombstoned, created_at FROM entities WHERE id = ?`
	queryFindEntity   = `SELECT id, name, entity_type, properties, tombstoned, created_at FROM entities WHERE name = ? AND entity_type = ?`
	queryDeleteEntity = `DELETE FROM entities WHERE id = ?`
	queryTombstone    = `UPDATE entities SET tombstoned = 1 WHERE id = ?`

	querySearchEntities = `
		SELECT id, name, entity_type, properties, tombstoned, created_at
		FROM entities
		WHERE tombstoned = 0
		  AND (name LIKE '%' || ?2 || '%' ESCAPE '\' OR properties LIKE '%' || ?2 || '%' ESCAPE '\')
		ORDER BY
		  CASE
		    WHEN name = ?1 COLLATE NOCASE THEN 0
		    WHEN name LIKE ?2 || '%' ESCAPE '\' THEN 1
		    WHEN name LIKE '%' || ?2 || '%' ESCAPE '\' THEN 2
		    ELSE 3
		  END,
		  id ASC
		LIMIT ?3`

	queryInsertRelation = `INSERT INTO relations (from_id, to_id, relation_type, properties) VALUES (?, ?, ?, ?)`
	queryDeleteRelation = `DELETE FROM relations WHERE id = ?`
	queryRelationsFrom  = `SELECT id, from_id, to_id, relation_type, properties, created_at FROM relations WHERE from_id = ?`
	queryRelationsTo    = `SELECT id, from_id, to_id, relation_type, properties, created_at FROM relations WHERE to_id = ?`
)

// Store persists the knowledge graph in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the graph database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
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
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertEntity creates an entity, or refreshes the existing one when
// (name, type) already exists: properties are replaced when supplied
// and a tombstone is cleared. Creation is idempotent on that pair.
// When id is empty a new UUID is assigned; otherwise the caller-chosen
// id (typically a knowledge item_id) is used.
func (s *Store) UpsertEntity(ctx context.Context, id, name string, et EntityType, props map[string]any) (*Entity, bool, error) {
	if _, err := ParseEntityType(string(et)); err != nil {
		return nil, false, err
	}

	existing, err := s.FindEntity(ctx, name, et)
	if err == nil {
		if props != nil || existing.Tombstoned {
			propsJSON, err := marshalProps(props)
			if err != nil {
				return nil, false, err
			}
			if _, err := s.db.ExecContext(ctx,
				`UPDATE entities SET properties = ?, tombstoned = 0 WHERE id = ?`,
				propsJSON, existing.ID); err != nil {
				return nil, false, fmt.Errorf("failed to update entity %q: %w", name, err)
			}
			existing.Properties = props
			existing.Tombstoned = false
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, false, err
	}

	if id == "" {
		id = uuid.NewString()
	}

	propsJSON, err := marshalProps(props)
	if err != nil {
		return nil, false, err
	}

	if _, err := s.db.ExecContext(ctx, queryInsertEntity, id, name, string(et), propsJSON); err != nil {
		return nil, false, fmt.Errorf("failed to insert entity %q: %w", name, err)
	}

	return &Entity{ID: id, Name: name, Type: et, Properties: props, CreatedAt: time.Now().UTC()}, true, nil
}

// GetEntity looks up an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return s.scanEntity(s.db.QueryRowContext(ctx, queryGetEntity, id))
}

// FindEntity looks up an entity by its (name, type) identity.
func (s *Store) FindEntity(ctx context.Context, name string, et EntityType) (*Entity, error) {
	return s.scanEntity(s.db.QueryRowContext(ctx, queryFindEntity, name, string(et)))
}

// DeleteEntity removes an entity row. This is only used to undo
// entities created inside a failed batch; durable removal goes
// through TombstoneEntity.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteEntity, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// TombstoneEntity flags an entity as removed while preserving it for
// audit history. Tombstoned entities are excluded from search.
func (s *Store) TombstoneEntity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, queryTombstone, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone entity %s: %w", id, err)
	}
	return nil
}

// SearchEntities finds entities whose name or properties contain the
// query as a literal substring. Results are ordered by match relevance
// (exact name, then name prefix, then substring), with ties broken by
// entity id ascending so the ordering is deterministic.
func (s *Store) SearchEntities(ctx context.Context, query string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, querySearchEntities, query, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	return entities, rows.Err()
}

// AddRelation inserts a typed edge. The endpoints must exist and the
// relation type must be structurally valid for their entity types.
func (s *Store) AddRelation(ctx context.Context, fromID, toID string, rt RelationType, props map[string]any) (*Relation, error) {
	from, err := s.GetEntity(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetEntity(ctx, toID)
	if err != nil {
		return nil, err
	}

	if err := ValidateRelation(rt, from.Type, to.Type); err != nil {
		return nil, err
	}

	propsJSON, err := marshalProps(props)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, queryInsertRelation, fromID, toID, string(rt), propsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to insert relation: %w", err)
	}

	id, _ := result.LastInsertId()
	return &Relation{
		ID:         id,
		FromID:     fromID,
		ToID:       toID,
		Type:       rt,
		Properties: props,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// DeleteRelation removes an edge, used to undo edges applied inside a
// failed batch.
func (s *Store) DeleteRelation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, queryDeleteRelation, id)
	if err != nil {
		return fmt.Errorf("failed to delete relation %d: %w", id, err)
	}
	return nil
}

// RelationsFrom returns all edges leaving the entity.
func (s *Store) RelationsFrom(ctx context.Context, id string) ([]*Relation, error) {
	return s.queryRelations(ctx, queryRelationsFrom, id)
}

// RelationsTo returns all edges arriving at the entity.
func (s *Store) RelationsTo(ctx context.Context, id string) ([]*Relation, error) {
	return s.queryRelations(ctx, queryRelationsTo, id)
}

// Neighbors returns the entities directly connected to id, in either
// direction, together with the connecting relations.
func (s *Store) Neighbors(ctx context.Context, id string) ([]*Entity, []*Relation, error) {
	out, err := s.RelationsFrom(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	in, err := s.RelationsTo(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	relations := append(out, in...)
	seen := map[string]bool{id: true}
	var entities []*Entity
	for _, rel := range relations {
		for _, endpoint := range []string{rel.FromID, rel.ToID} {
			if seen[endpoint] {
				continue
			}
			seen[endpoint] = true
			e, err := s.GetEntity(ctx, endpoint)
			if err != nil {
				return nil, nil, err
			}
			entities = append(entities, e)
		}
	}

	return entities, relations, nil
}

func (s *Store) queryRelations(ctx context.Context, query, id string) ([]*Relation, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var r Relation
		var rt string
		var propsJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &rt, &propsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		r.Type = RelationType(rt)
		r.Properties = unmarshalProps(propsJSON)
		relations = append(relations, &r)
	}

	return relations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEntity(row rowScanner) (*Entity, error) {
	e, err := scanEntityRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

func scanEntityRow(row rowScanner) (*Entity, error) {
	var e Entity
	var et string
	var propsJSON sql.NullString
	var tombstoned int
	if err := row.Scan(&e.ID, &e.Name, &et, &propsJSON, &tombstoned, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Type = EntityType(et)
	e.Tombstoned = tombstoned != 0
	e.Properties = unmarshalProps(propsJSON)
	return &e, nil
}

// escapeLike neutralizes LIKE metacharacters so queries match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func marshalProps(props map[string]any) (sql.NullString, error) {
	if len(props) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal properties: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalProps(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(s.String), &props); err != nil {
		return nil
	}
	return props
}
