// Package pattern stores similarity-searchable code patterns: an
// embedding plus rich metadata per knowledge item. The Index interface
// abstracts the similarity backend; Adapter normalizes records on the
// way in so every backend sees the same shape, and no metadata field
// is ever lost to a backend that does not natively index it.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/easeaico/codemem/quality"
)

// Record is a stored code pattern. Immutable once stored except for
// quality score updates and tag additions.
type Record struct {
	ItemID       string    `json:"item_id"`
	Name         string    `json:"name"`
	Language     string    `json:"language"`
	Complexity   string    `json:"complexity"`
	Tags         []string  `json:"tags"`
	QualityScore float64   `json:"quality_score"`
	Explanation  string    `json:"explanation"`
	Code         string    `json:"code"`
	Dependencies []string  `json:"dependencies,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Match pairs a record with its similarity to a query embedding.
type Match struct {
	Record     *Record
	Similarity float64
}

// ErrRecordNotFound is returned by exact lookups that match nothing.
var ErrRecordNotFound = errors.New("pattern: record not found")

// Index is the capability contract for a similarity backend.
type Index interface {
	// Upsert stores (or replaces) the record and its embedding.
	Upsert(ctx context.Context, rec *Record, embedding []float32) error

	// Get retrieves a record by exact item id, bypassing similarity.
	Get(ctx context.Context, itemID string) (*Record, error)

	// Search returns up to limit records nearest to the embedding,
	// most similar first. Tombstoned records are excluded.
	Search(ctx context.Context, embedding []float32, limit int) ([]Match, error)

	// UpdateQuality sets the record's current quality score.
	UpdateQuality(ctx context.Context, itemID string, score float64) error

	// AddTags merges tags into the record's tag set.
	AddTags(ctx context.Context, itemID string, tags []string) error

	// Delete tombstones the record, hiding it from Get and Search.
	Delete(ctx context.Context, itemID string) error

	Close() error
}

// NormalizeTags lower-cases, trims, deduplicates, and sorts tags so a
// tag set has exactly one stored form.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Adapter wraps a backend Index and normalizes every record on the way
// in: the complexity enum is enforced and tags are normalized before
// the backend ever sees them.
type Adapter struct {
	backend Index
}

// NewAdapter wraps backend with input normalization.
func NewAdapter(backend Index) *Adapter {
	return &Adapter{backend: backend}
}

// Upsert normalizes then delegates.
func (a *Adapter) Upsert(ctx context.Context, rec *Record, embedding []float32) error {
	if !quality.ValidComplexity(rec.Complexity) {
		return fmt.Errorf("complexity %q is not one of simple, intermediate, advanced", rec.Complexity)
	}

	normalized := *rec
	normalized.Tags = NormalizeTags(rec.Tags)
	return a.backend.Upsert(ctx, &normalized, embedding)
}

// Get delegates to the backend's exact lookup.
func (a *Adapter) Get(ctx context.Context, itemID string) (*Record, error) {
	return a.backend.Get(ctx, itemID)
}

// Search delegates to the backend's nearest-neighbor lookup.
func (a *Adapter) Search(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	return a.backend.Search(ctx, embedding, limit)
}

// UpdateQuality delegates.
func (a *Adapter) UpdateQuality(ctx context.Context, itemID string, score float64) error {
	return a.backend.UpdateQuality(ctx, itemID, score)
}

// AddTags normalizes the new tags then delegates.
func (a *Adapter) AddTags(ctx context.Context, itemID string, tags []string) error {
	return a.backend.AddTags(ctx, itemID, NormalizeTags(tags))
}

// Delete delegates.
func (a *Adapter) Delete(ctx context.Context, itemID string) error {
	return a.backend.Delete(ctx, itemID)
}

// Close delegates.
func (a *Adapter) Close() error {
	return a.backend.Close()
}

var _ Index = (*Adapter)(nil)
