package pattern

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex implements Index on chromem-go, a pure Go embedded
// vector database. Everything lives in process memory, which makes it
// the default for tests and small local setups.
//
// chromem only serves similarity queries, so the full records are kept
// in a side map keyed by item id; that is what backs exact Get and
// lossless round-trips.
type ChromemIndex struct {
	col *chromem.Collection

	mu      sync.RWMutex
	records map[string]*Record
}

// NewChromemIndex creates an empty in-memory index.
func NewChromemIndex() (*ChromemIndex, error) {
	db := chromem.NewDB()

	col, err := db.CreateCollection("patterns", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &ChromemIndex{
		col:     col,
		records: make(map[string]*Record),
	}, nil
}

// Upsert stores the record and its embedding.
func (c *ChromemIndex) Upsert(ctx context.Context, rec *Record, embedding []float32) error {
	doc := chromem.Document{
		ID:        rec.ItemID,
		Content:   rec.Name + "\n" + rec.Explanation,
		Embedding: embedding,
		Metadata: map[string]string{
			"language":   rec.Language,
			"complexity": rec.Complexity,
		},
	}

	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}

	clone := *rec
	c.mu.Lock()
	c.records[rec.ItemID] = &clone
	c.mu.Unlock()
	return nil
}

// Get retrieves a record by exact item id from the side map.
func (c *ChromemIndex) Get(ctx context.Context, itemID string) (*Record, error) {
	c.mu.RLock()
	rec, ok := c.records[itemID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

// Search returns the records nearest to the embedding, most similar
// first. Tombstoned records (absent from the side map) are filtered
// out of the raw chromem results.
func (c *ChromemIndex) Search(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}

	// chromem rejects nResults larger than the collection.
	if count := c.col.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []Match
	for _, result := range results {
		rec, ok := c.records[result.ID]
		if !ok {
			continue // tombstoned
		}
		clone := *rec
		matches = append(matches, Match{Record: &clone, Similarity: float64(result.Similarity)})
	}
	return matches, nil
}

// UpdateQuality sets the record's current quality score.
func (c *ChromemIndex) UpdateQuality(ctx context.Context, itemID string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[itemID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.QualityScore = score
	return nil
}

// AddTags merges tags into the record's tag set.
func (c *ChromemIndex) AddTags(ctx context.Context, itemID string, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[itemID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Tags = NormalizeTags(append(rec.Tags, tags...))
	return nil
}

// Delete tombstones the record: it disappears from Get and from search
// results. The underlying document stays in the collection, which is
// acceptable for an in-process index.
func (c *ChromemIndex) Delete(ctx context.Context, itemID string) error {
	c.mu.Lock()
	delete(c.records, itemID)
	c.mu.Unlock()
	return nil
}

// Close releases resources. chromem keeps everything in memory, so
// there is nothing to release.
func (c *ChromemIndex) Close() error {
	return nil
}

var _ Index = (*ChromemIndex)(nil)
