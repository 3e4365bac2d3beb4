// Package codemem coordinates three specialized knowledge stores for a
// coding assistant: a similarity-searchable pattern index, an
// append-only algorithm version catalog, and a typed relation graph.
// The Coordinator keeps one logical knowledge item consistent across
// all three, compensating partial writes instead of leaving orphans.
package codemem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/codemem/catalog"
	"github.com/easeaico/codemem/graph"
	"github.com/easeaico/codemem/pattern"
	"github.com/easeaico/codemem/quality"
)

// Embedder turns text into an embedding vector. Embedding computation
// lives outside this module; callers inject whatever model they use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithSimilarityWeight sets the search re-ranking weight w in
// w*similarity + (1-w)*quality/10. Defaults to 0.5.
func WithSimilarityWeight(w float64) Option {
	return func(c *Coordinator) { c.simWeight = w }
}

// WithDuplicateThreshold sets the similarity above which a stored
// pattern triggers a near-duplicate warning. Defaults to 0.95.
func WithDuplicateThreshold(threshold float64) Option {
	return func(c *Coordinator) { c.dupThreshold = threshold }
}

// Coordinator is the single entry point for knowledge operations. It
// owns cross-store consistency; the stores themselves never call each
// other.
type Coordinator struct {
	patterns *pattern.Adapter
	catalog  *catalog.Catalog
	graph    *graph.Store
	embedder Embedder

	logger       *slog.Logger
	simWeight    float64
	dupThreshold float64

	// itemLocks serializes the read-compute-write of version appends
	// per algorithm. Unrelated items never contend.
	itemLocks sync.Map // item id -> *sync.Mutex
}

// NewCoordinator wires the three stores and the embedder together.
func NewCoordinator(index pattern.Index, cat *catalog.Catalog, g *graph.Store, embedder Embedder, opts ...Option) *Coordinator {
	c := &Coordinator{
		patterns:     pattern.NewAdapter(index),
		catalog:      cat,
		graph:        g,
		embedder:     embedder,
		logger:       slog.Default(),
		simWeight:    0.5,
		dupThreshold: 0.95,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases all three stores.
func (c *Coordinator) Close() error {
	return errors.Join(c.patterns.Close(), c.catalog.Close(), c.graph.Close())
}

func (c *Coordinator) lockItem(id string) *sync.Mutex {
	mu, _ := c.itemLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PatternInput is the request shape for StorePattern.
type PatternInput struct {
	Name         string
	Language     string
	Complexity   string // simple|intermediate|advanced; inferred from the code when empty
	Tags         []string
	Explanation  string
	Code         string
	Dependencies []string
	Metrics      *quality.Metrics // optional sub-metric feedback; neutral score when nil
}

// StorePattern stores a code pattern: resolves (or creates) the
// knowledge item, indexes the embedding, and links a graph entity.
// A failure after the index write rolls the index (and a freshly
// created item) back, so no orphaned pattern survives.
func (c *Coordinator) StorePattern(ctx context.Context, in PatternInput) (string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.Code) == "" && strings.TrimSpace(in.Explanation) == "" {
		return "", &ValidationError{Field: "code", Reason: "either code or explanation must be provided"}
	}

	complexity := in.Complexity
	if complexity == "" {
		complexity = quality.InferComplexity(in.Code, in.Language)
	} else if !quality.ValidComplexity(complexity) {
		return "", &ValidationError{Field: "complexity", Reason: fmt.Sprintf("%q is not one of simple, intermediate, advanced", complexity)}
	}

	score := quality.Neutral
	if in.Metrics != nil {
		score = quality.Score(*in.Metrics)
	}

	embedding, err := c.embedder.Embed(ctx, embedText(in.Name, in.Explanation, in.Code))
	if err != nil {
		return "", fmt.Errorf("failed to embed pattern: %w", err)
	}

	item, created, err := c.catalog.EnsureItem(ctx, in.Name, catalog.KindPattern)
	if err != nil {
		return "", fmt.Errorf("failed to resolve knowledge item: %w", err)
	}

	c.warnNearDuplicate(ctx, item.ID, in.Name, embedding)

	rec := &pattern.Record{
		ItemID:       item.ID,
		Name:         in.Name,
		Language:     in.Language,
		Complexity:   complexity,
		Tags:         in.Tags,
		QualityScore: score,
		Explanation:  in.Explanation,
		Code:         in.Code,
		Dependencies: in.Dependencies,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.patterns.Upsert(ctx, rec, embedding); err != nil {
		if created {
			c.rollback("item create", func() error { return c.catalog.DeleteItem(context.WithoutCancel(ctx), item.ID) })
		}
		return "", fmt.Errorf("failed to index pattern: %w", err)
	}

	props := map[string]any{"language": in.Language, "complexity": complexity}
	if _, _, err := c.graph.UpsertEntity(ctx, item.ID, in.Name, graph.EntityDesignPattern, props); err != nil {
		c.rollback("pattern index", func() error { return c.patterns.Delete(context.WithoutCancel(ctx), item.ID) })
		if created {
			c.rollback("item create", func() error { return c.catalog.DeleteItem(context.WithoutCancel(ctx), item.ID) })
		}
		return "", fmt.Errorf("failed to link graph entity: %w", err)
	}

	return item.ID, nil
}

// warnNearDuplicate logs when the nearest existing pattern is above
// the duplicate threshold. Storage proceeds either way; near-duplicate
// detection is advisory.
func (c *Coordinator) warnNearDuplicate(ctx context.Context, itemID, name string, embedding []float32) {
	matches, err := c.patterns.Search(ctx, embedding, 1)
	if err != nil || len(matches) == 0 {
		return
	}
	nearest := matches[0]
	if nearest.Record.ItemID != itemID && nearest.Similarity >= c.dupThreshold {
		c.logger.Warn("pattern is a near duplicate of an existing one",
			"name", name,
			"existing", nearest.Record.Name,
			"existing_id", nearest.Record.ItemID,
			"similarity", nearest.Similarity)
	}
}

func (c *Coordinator) rollback(step string, undo func() error) {
	if err := undo(); err != nil {
		c.logger.Warn("rollback failed", "step", step, "error", err)
	}
}

// Filters narrows FindMemories results after similarity search.
type Filters struct {
	Language   string  // exact language, case-insensitive
	MinQuality float64 // minimum current quality score
	Complexity string  // exact complexity level
	Limit      int     // maximum results; defaults to 10
}

// FindMemories searches patterns similar to the query, applies the
// filters, and re-ranks by w*similarity + (1-w)*quality/10. The
// returned sequence is lazy and restartable: each range re-executes
// the search, so a restarted iteration observes current store state.
func (c *Coordinator) FindMemories(ctx context.Context, query string, f Filters) iter.Seq2[pattern.Match, error] {
	return func(yield func(pattern.Match, error) bool) {
		limit := f.Limit
		if limit <= 0 {
			limit = 10
		}

		embedding, err := c.embedder.Embed(ctx, query)
		if err != nil {
			yield(pattern.Match{}, fmt.Errorf("failed to embed query: %w", err))
			return
		}

		// Over-fetch so post-filtering still fills the limit.
		matches, err := c.patterns.Search(ctx, embedding, limit*4)
		if err != nil {
			yield(pattern.Match{}, fmt.Errorf("failed to search patterns: %w", err))
			return
		}

		var kept []pattern.Match
		for _, m := range matches {
			if f.Language != "" && !strings.EqualFold(m.Record.Language, f.Language) {
				continue
			}
			if f.Complexity != "" && m.Record.Complexity != f.Complexity {
				continue
			}
			if m.Record.QualityScore < f.MinQuality {
				continue
			}
			kept = append(kept, m)
		}

		sort.SliceStable(kept, func(i, j int) bool {
			return c.rank(kept[i]) > c.rank(kept[j])
		})

		for i, m := range kept {
			if i >= limit {
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *Coordinator) rank(m pattern.Match) float64 {
	return c.simWeight*m.Similarity + (1-c.simWeight)*m.Record.QualityScore/10
}

// AddAlgorithmVersion appends the next version of an algorithm,
// persisting the diff against its predecessor in the same transaction
// and keeping the graph entity in sync. nameOrID accepts either the
// item id or the algorithm name; the item is created on first use and
// rolled back again when the write fails. Returns the assigned version
// number.
func (c *Coordinator) AddAlgorithmVersion(ctx context.Context, nameOrID, code, rationale string) (int, error) {
	if strings.TrimSpace(code) == "" {
		return 0, &ValidationError{Field: "code", Reason: "must not be empty"}
	}

	item, created, err := c.resolveAlgorithm(ctx, nameOrID)
	if err != nil {
		return 0, err
	}

	mu := c.lockItem(item.ID)
	mu.Lock()
	defer mu.Unlock()

	var number int
	attempt := func() error {
		max, err := c.catalog.MaxVersion(ctx, item.ID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read version chain: %w", err))
		}
		number = max + 1

		v := &catalog.Version{AlgorithmID: item.ID, Number: number, Code: code}
		var d *catalog.Diff
		if number > 1 {
			parent := number - 1
			v.Parent = &parent

			prev, err := c.catalog.GetVersion(ctx, item.ID, parent)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to read predecessor version: %w", err))
			}
			script := catalog.ComputeScript(prev.Code, code)
			d = &catalog.Diff{
				AlgorithmID:       item.ID,
				FromVersion:       parent,
				ToVersion:         number,
				ChangeDescription: catalog.Summarize(script),
				Rationale:         rationale,
				Script:            script,
			}
		}

		_, err = c.catalog.AppendVersion(ctx, v, d)
		var dup *catalog.DuplicateVersionError
		if errors.As(err, &dup) {
			// Another writer (outside this process) took the number.
			c.logger.Info("version number taken, retrying with fresh state",
				"algorithm_id", item.ID, "version", dup.Version)
			return err
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to append version: %w", err))
		}

		props := map[string]any{"current_version": number}
		if _, _, err := c.graph.UpsertEntity(ctx, item.ID, item.Name, graph.EntityAlgorithm, props); err != nil {
			c.rollback("version append", func() error {
				return c.catalog.DeleteVersion(context.WithoutCancel(ctx), item.ID, number)
			})
			return backoff.Permanent(fmt.Errorf("failed to sync graph entity: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if created {
			c.rollback("item create", func() error {
				return c.removeEmptyItem(context.WithoutCancel(ctx), item.ID)
			})
		}
		var dup *catalog.DuplicateVersionError
		if errors.As(err, &dup) {
			return 0, &ConcurrentVersionConflict{AlgorithmID: item.ID, Version: dup.Version}
		}
		return 0, err
	}

	return number, nil
}

func (c *Coordinator) resolveAlgorithm(ctx context.Context, nameOrID string) (*catalog.Item, bool, error) {
	item, err := c.catalog.GetItem(ctx, nameOrID)
	if err == nil {
		return item, false, nil
	}
	if !errors.Is(err, catalog.ErrItemNotFound) {
		return nil, false, fmt.Errorf("failed to resolve algorithm: %w", err)
	}

	item, created, err := c.catalog.EnsureItem(ctx, nameOrID, catalog.KindAlgorithm)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve algorithm: %w", err)
	}
	return item, created, nil
}

// removeEmptyItem undoes an item created for a version write that
// failed. A writer outside this process may have appended to the chain
// meanwhile, so only an item with no versions is removed.
func (c *Coordinator) removeEmptyItem(ctx context.Context, itemID string) error {
	max, err := c.catalog.MaxVersion(ctx, itemID)
	if err != nil {
		return err
	}
	if max > 0 {
		return nil
	}
	return c.catalog.DeleteItem(ctx, itemID)
}

// RecordPerformance appends a performance measurement for a version.
// Returns catalog.UnknownVersionError when the version id is absent.
func (c *Coordinator) RecordPerformance(ctx context.Context, versionID, inputSize int64, executionTimeMS, memoryKB float64) (*catalog.Metric, error) {
	return c.catalog.RecordMetric(ctx, versionID, inputSize, executionTimeMS, memoryKB)
}

// EntityInput is the request shape for CreateEntities.
type EntityInput struct {
	Name       string
	Type       string
	Properties map[string]any
}

// CreateEntities creates graph entities as an all-or-nothing batch:
// a failure rolls back every entity this call created and re-tombstones
// every tombstoned entity it resurrected. Creation is idempotent on
// (name, type). Algorithm entities are only accepted once the algorithm
// has at least one cataloged version, so an Algorithm node never exists
// without its version chain.
func (c *Coordinator) CreateEntities(ctx context.Context, inputs []EntityInput) ([]string, error) {
	type planned struct {
		in     EntityInput
		typ    graph.EntityType
		itemID string // pre-bound entity id, empty to mint one
	}

	// Validate everything before touching the store.
	plan := make([]planned, 0, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Name) == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("entities[%d].name", i), Reason: "must not be empty"}
		}
		et, err := graph.ParseEntityType(in.Type)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}

		p := planned{in: in, typ: et}
		if et == graph.EntityAlgorithm {
			item, err := c.catalog.FindItem(ctx, in.Name, catalog.KindAlgorithm)
			if errors.Is(err, catalog.ErrItemNotFound) {
				return nil, &ValidationError{
					Field:  fmt.Sprintf("entities[%d]", i),
					Reason: fmt.Sprintf("algorithm %q has no version chain; add a version first", in.Name),
				}
			}
			if err != nil {
				return nil, fmt.Errorf("entities[%d]: failed to check version chain: %w", i, err)
			}
			max, err := c.catalog.MaxVersion(ctx, item.ID)
			if err != nil {
				return nil, fmt.Errorf("entities[%d]: failed to check version chain: %w", i, err)
			}
			if max == 0 {
				return nil, &ValidationError{
					Field:  fmt.Sprintf("entities[%d]", i),
					Reason: fmt.Sprintf("algorithm %q has no version chain; add a version first", in.Name),
				}
			}
			p.itemID = item.ID
		}
		plan = append(plan, p)
	}

	ids := make([]string, 0, len(plan))
	var createdIDs, resurrectedIDs []string
	undo := func() {
		for _, id := range createdIDs {
			c.rollback("entity create", func() error {
				return c.graph.DeleteEntity(context.WithoutCancel(ctx), id)
			})
		}
		for _, id := range resurrectedIDs {
			c.rollback("entity resurrect", func() error {
				return c.graph.TombstoneEntity(context.WithoutCancel(ctx), id)
			})
		}
	}
	for i, p := range plan {
		prior, err := c.graph.FindEntity(ctx, p.in.Name, p.typ)
		if err != nil && !errors.Is(err, graph.ErrEntityNotFound) {
			undo()
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		wasTombstoned := err == nil && prior.Tombstoned

		entity, created, err := c.graph.UpsertEntity(ctx, p.itemID, p.in.Name, p.typ, p.in.Properties)
		if err != nil {
			undo()
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		switch {
		case created:
			createdIDs = append(createdIDs, entity.ID)
		case wasTombstoned:
			resurrectedIDs = append(resurrectedIDs, entity.ID)
		}
		ids = append(ids, entity.ID)
	}
	return ids, nil
}

// RelationInput is the request shape for CreateRelations. From and To
// name existing entities.
type RelationInput struct {
	From       string
	To         string
	Type       string
	Properties map[string]any
}

// CreateRelations creates typed relations as an all-or-nothing batch.
// Every relation is validated against the ontology compatibility table
// before any write; a mid-batch store failure rolls back the relations
// already applied. Errors name the offending input index.
func (c *Coordinator) CreateRelations(ctx context.Context, inputs []RelationInput) error {
	type planned struct {
		from, to *graph.Entity
		typ      graph.RelationType
		props    map[string]any
	}

	plan := make([]planned, 0, len(inputs))
	for i, in := range inputs {
		rt, err := graph.ParseRelationType(in.Type)
		if err != nil {
			return fmt.Errorf("relations[%d]: %w", i, err)
		}
		from, err := c.resolveEntity(ctx, in.From)
		if err != nil {
			return fmt.Errorf("relations[%d]: from %q: %w", i, in.From, err)
		}
		to, err := c.resolveEntity(ctx, in.To)
		if err != nil {
			return fmt.Errorf("relations[%d]: to %q: %w", i, in.To, err)
		}
		if err := graph.ValidateRelation(rt, from.Type, to.Type); err != nil {
			return fmt.Errorf("relations[%d]: %w", i, err)
		}
		plan = append(plan, planned{from: from, to: to, typ: rt, props: in.Properties})
	}

	var createdIDs []int64
	for i, p := range plan {
		rel, err := c.graph.AddRelation(ctx, p.from.ID, p.to.ID, p.typ, p.props)
		if err != nil {
			for _, id := range createdIDs {
				c.rollback("relation create", func() error {
					return c.graph.DeleteRelation(context.WithoutCancel(ctx), id)
				})
			}
			return fmt.Errorf("relations[%d]: %w", i, err)
		}
		createdIDs = append(createdIDs, rel.ID)
	}
	return nil
}

// resolveEntity finds an entity by exact name. Search relevance puts
// exact matches first, so the top hit with a matching name wins.
func (c *Coordinator) resolveEntity(ctx context.Context, name string) (*graph.Entity, error) {
	entities, err := c.graph.SearchEntities(ctx, name, 5)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return nil, graph.ErrEntityNotFound
}

// SearchNodes finds graph entities whose name or properties match the
// query, most relevant first.
func (c *Coordinator) SearchNodes(ctx context.Context, query string) ([]*graph.Entity, error) {
	return c.graph.SearchEntities(ctx, query, 20)
}

// GetDiff returns the change between two versions of an algorithm,
// composing the stored pairwise diffs across the range. nameOrID
// accepts either the item id or the algorithm name.
func (c *Coordinator) GetDiff(ctx context.Context, nameOrID string, from, to int) (*catalog.Diff, error) {
	item, err := c.catalog.GetItem(ctx, nameOrID)
	if errors.Is(err, catalog.ErrItemNotFound) {
		item, err = c.catalog.FindItem(ctx, nameOrID, catalog.KindAlgorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve algorithm: %w", err)
	}
	return c.catalog.GetDiff(ctx, item.ID, from, to)
}

// RecordFeedback scores the supplied sub-metrics, appends the result
// to the item's quality history, and updates the pattern's current
// score. History is append-only: feedback never rewrites past scores.
func (c *Coordinator) RecordFeedback(ctx context.Context, itemID string, m quality.Metrics) (float64, error) {
	score := quality.Score(m)

	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := c.catalog.AddObservation(ctx, itemID, score, string(metricsJSON)); err != nil {
		return 0, fmt.Errorf("failed to record observation: %w", err)
	}

	// Items without a pattern record (pure algorithms) keep history only.
	if err := c.patterns.UpdateQuality(ctx, itemID, score); err != nil && !errors.Is(err, pattern.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to update quality score: %w", err)
	}
	return score, nil
}

// RemoveItem tombstones the item across all three stores. Nothing is
// hard-deleted; versions, diffs, and history stay readable by id.
func (c *Coordinator) RemoveItem(ctx context.Context, itemID string) error {
	if err := c.patterns.Delete(ctx, itemID); err != nil && !errors.Is(err, pattern.ErrRecordNotFound) {
		return fmt.Errorf("failed to tombstone pattern: %w", err)
	}
	if err := c.catalog.TombstoneItem(ctx, itemID); err != nil && !errors.Is(err, catalog.ErrItemNotFound) {
		return fmt.Errorf("failed to tombstone item: %w", err)
	}
	if err := c.graph.TombstoneEntity(ctx, itemID); err != nil && !errors.Is(err, graph.ErrEntityNotFound) {
		return fmt.Errorf("failed to tombstone entity: %w", err)
	}
	return nil
}

// RelatedKnowledge is everything the three stores know about one name.
type RelatedKnowledge struct {
	Pattern   *pattern.Record
	Versions  []*catalog.Version
	Entity    *graph.Entity
	Neighbors []*graph.Entity
	Relations []*graph.Relation
}

// Related reads all three stores concurrently and merges what each
// knows about the name. Stores that know nothing contribute empty
// fields; only infrastructure failures surface as errors.
func (c *Coordinator) Related(ctx context.Context, name string) (*RelatedKnowledge, error) {
	out := &RelatedKnowledge{}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		item, err := c.catalog.FindItem(ctx, name, catalog.KindPattern)
		if errors.Is(err, catalog.ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find pattern item: %w", err)
		}
		rec, err := c.patterns.Get(ctx, item.ID)
		if errors.Is(err, pattern.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pattern: %w", err)
		}
		out.Pattern = rec
		return nil
	})

	g.Go(func() error {
		item, err := c.catalog.FindItem(ctx, name, catalog.KindAlgorithm)
		if errors.Is(err, catalog.ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find algorithm item: %w", err)
		}
		versions, err := c.catalog.ListVersions(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("failed to list versions: %w", err)
		}
		out.Versions = versions
		return nil
	})

	g.Go(func() error {
		entity, err := c.resolveEntity(ctx, name)
		if errors.Is(err, graph.ErrEntityNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve entity: %w", err)
		}
		neighbors, relations, err := c.graph.Neighbors(ctx, entity.ID)
		if err != nil {
			return fmt.Errorf("failed to read neighborhood: %w", err)
		}
		out.Entity = entity
		out.Neighbors = neighbors
		out.Relations = relations
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func embedText(name, explanation, code string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{name, explanation, code} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}
