package graph

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open graph store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestUpsertEntity_Idempotent tests that creating the same
// (name, type) pair twice yields exactly one entity.
func TestUpsertEntity_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first, created, err := store.UpsertEntity(ctx, "", "Heap Sort", EntityAlgorithm, nil)
	if err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create the entity")
	}

	second, created, err := store.UpsertEntity(ctx, "", "Heap Sort", EntityAlgorithm, nil)
	if err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}
	if created {
		t.Error("expected second upsert to reuse the existing entity")
	}
	if second.ID != first.ID {
		t.Errorf("expected id %s, got %s", first.ID, second.ID)
	}

	results, err := store.SearchEntities(ctx, "Heap Sort", 10)
	if err != nil {
		t.Fatalf("failed to search entities: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 entity, got %d", len(results))
	}
}

// TestUpsertEntity_CallerID tests that a caller-supplied id (the
// knowledge item_id) is preserved.
func TestUpsertEntity_CallerID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	e, _, err := store.UpsertEntity(ctx, "item-123", "Quick Sort", EntityAlgorithm, map[string]any{"language": "go"})
	if err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if e.ID != "item-123" {
		t.Errorf("expected id item-123, got %s", e.ID)
	}

	got, err := store.GetEntity(ctx, "item-123")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if got.Properties["language"] != "go" {
		t.Errorf("expected language property to round-trip, got %v", got.Properties)
	}
}

// TestUpsertEntity_UnknownType tests ontology enforcement on entity types.
func TestUpsertEntity_UnknownType(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, _, err := store.UpsertEntity(ctx, "", "Something", EntityType("Gadget"), nil)
	var ontErr *UnknownOntologyTypeError
	if !errors.As(err, &ontErr) {
		t.Fatalf("expected UnknownOntologyTypeError, got %v", err)
	}
	if ontErr.Value != "Gadget" {
		t.Errorf("expected offending value Gadget, got %s", ontErr.Value)
	}
}

// TestAddRelation_CompatibilityTable tests the directional type rules.
func TestAddRelation_CompatibilityTable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	algo, _, _ := store.UpsertEntity(ctx, "", "Heap Sort", EntityAlgorithm, nil)
	concept, _, _ := store.UpsertEntity(ctx, "", "Sorting", EntityCodeConcept, nil)
	lang, _, _ := store.UpsertEntity(ctx, "", "Go", EntityLanguage, nil)

	// Algorithm -> CodeConcept is the declared direction for IMPLEMENTS.
	if _, err := store.AddRelation(ctx, algo.ID, concept.ID, RelImplements, nil); err != nil {
		t.Fatalf("expected valid relation, got %v", err)
	}

	// IMPLEMENTS requires a CodeConcept target; Language is rejected.
	_, err := store.AddRelation(ctx, algo.ID, lang.ID, RelImplements, nil)
	var relErr *InvalidRelationError
	if !errors.As(err, &relErr) {
		t.Fatalf("expected InvalidRelationError, got %v", err)
	}
	if relErr.From != EntityAlgorithm || relErr.To != EntityLanguage {
		t.Errorf("expected error to name the offending pair, got %+v", relErr)
	}

	// The reverse direction is rejected too.
	if _, err := store.AddRelation(ctx, concept.ID, algo.ID, RelImplements, nil); !errors.As(err, &relErr) {
		t.Errorf("expected InvalidRelationError for reversed relation, got %v", err)
	}
}

// TestAddRelation_RelatedToUnrestricted tests the wildcard relation.
func TestAddRelation_RelatedToUnrestricted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	author, _, _ := store.UpsertEntity(ctx, "", "Ada", EntityAuthor, nil)
	tool, _, _ := store.UpsertEntity(ctx, "", "profiler", EntityTool, nil)

	if _, err := store.AddRelation(ctx, author.ID, tool.ID, RelRelatedTo, nil); err != nil {
		t.Errorf("expected RELATED_TO to accept any pair, got %v", err)
	}
}

// TestSearchEntities_RelevanceOrdering tests relevance ranking with a
// deterministic id tiebreak.
func TestSearchEntities_RelevanceOrdering(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.UpsertEntity(ctx, "c-substr", "Binary Heap Sort", EntityExample, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, _, err := store.UpsertEntity(ctx, "b-prefix", "Heap Sort Iterative", EntitySolution, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, _, err := store.UpsertEntity(ctx, "a-exact", "Heap Sort", EntityAlgorithm, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}

	results, err := store.SearchEntities(ctx, "Heap Sort", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	wantOrder := []string{"a-exact", "b-prefix", "c-substr"}
	for i, want := range wantOrder {
		if results[i].ID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, results[i].ID)
		}
	}
}

// TestSearchEntities_PropertyMatch tests substring search over properties.
func TestSearchEntities_PropertyMatch(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.UpsertEntity(ctx, "", "mergesort", EntityAlgorithm, map[string]any{"strategy": "divide-and-conquer"}); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}

	results, err := store.SearchEntities(ctx, "divide-and-conquer", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "mergesort" {
		t.Errorf("expected property match to find mergesort, got %v", results)
	}
}

// TestSearchEntities_LiteralWildcards tests that % and _ in a query
// match themselves instead of acting as LIKE wildcards.
func TestSearchEntities_LiteralWildcards(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.UpsertEntity(ctx, "", "cache warmup", EntityCodeConcept, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, _, err := store.UpsertEntity(ctx, "", "50% sampler", EntityTool, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, _, err := store.UpsertEntity(ctx, "", "snake_case naming", EntityBestPractice, nil); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}

	results, err := store.SearchEntities(ctx, "100%", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no matches for 100%%, got %d", len(results))
	}

	results, err = store.SearchEntities(ctx, "50%", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "50% sampler" {
		t.Errorf("expected the literal %% match, got %v", results)
	}

	results, err = store.SearchEntities(ctx, "_", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "snake_case naming" {
		t.Errorf("expected only the literal _ match, got %v", results)
	}
}

// TestTombstoneEntity tests that tombstoned entities disappear from
// search but remain retrievable by id for audit.
func TestTombstoneEntity(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	e, _, _ := store.UpsertEntity(ctx, "", "Bubble Sort", EntityAlgorithm, nil)
	if err := store.TombstoneEntity(ctx, e.ID); err != nil {
		t.Fatalf("failed to tombstone: %v", err)
	}

	results, err := store.SearchEntities(ctx, "Bubble Sort", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected tombstoned entity to be hidden from search, got %d results", len(results))
	}

	got, err := store.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("expected tombstoned entity to remain readable by id: %v", err)
	}
	if !got.Tombstoned {
		t.Error("expected tombstone flag to be set")
	}
}

// TestNeighbors tests direct-connection traversal in both directions.
func TestNeighbors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	algo, _, _ := store.UpsertEntity(ctx, "", "Heap Sort", EntityAlgorithm, nil)
	concept, _, _ := store.UpsertEntity(ctx, "", "Sorting", EntityCodeConcept, nil)
	test, _, _ := store.UpsertEntity(ctx, "", "sort_test", EntityTestCase, nil)

	if _, err := store.AddRelation(ctx, algo.ID, concept.ID, RelImplements, nil); err != nil {
		t.Fatalf("failed to add relation: %v", err)
	}
	if _, err := store.AddRelation(ctx, algo.ID, test.ID, RelTestedBy, nil); err != nil {
		t.Fatalf("failed to add relation: %v", err)
	}

	entities, relations, err := store.Neighbors(ctx, algo.ID)
	if err != nil {
		t.Fatalf("failed to traverse: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("expected 2 neighbors, got %d", len(entities))
	}
	if len(relations) != 2 {
		t.Errorf("expected 2 relations, got %d", len(relations))
	}
}

// TestValidateRelation_UnknownTypes tests that undeclared types are
// reported as ontology errors, not treated as incompatible pairs.
func TestValidateRelation_UnknownTypes(t *testing.T) {
	var ontErr *UnknownOntologyTypeError

	if err := ValidateRelation("FROBNICATES", EntityAlgorithm, EntityCodeConcept); !errors.As(err, &ontErr) {
		t.Errorf("expected UnknownOntologyTypeError for relation, got %v", err)
	}
	if err := ValidateRelation(RelImplements, EntityType("Widget"), EntityCodeConcept); !errors.As(err, &ontErr) {
		t.Errorf("expected UnknownOntologyTypeError for entity, got %v", err)
	}
}
