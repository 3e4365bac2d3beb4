package catalog

import (
	"context"
	"errors"
	"testing"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func appendVersion(t *testing.T, c *Catalog, algorithmID string, number int, code, prevCode, rationale string) int64 {
	t.Helper()

	v := &Version{AlgorithmID: algorithmID, Number: number, Code: code}
	var d *Diff
	if number > 1 {
		parent := number - 1
		v.Parent = &parent
		script := ComputeScript(prevCode, code)
		d = &Diff{
			AlgorithmID:       algorithmID,
			FromVersion:       parent,
			ToVersion:         number,
			ChangeDescription: Summarize(script),
			Rationale:         rationale,
			Script:            script,
		}
	}

	id, err := c.AppendVersion(context.Background(), v, d)
	if err != nil {
		t.Fatalf("failed to append version %d: %v", number, err)
	}
	return id
}

// TestEnsureItem_Idempotent tests that (name, kind) resolves to a
// single stable item id.
func TestEnsureItem_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	first, created, err := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if !created {
		t.Error("expected first ensure to create the item")
	}

	second, created, err := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if created {
		t.Error("expected second ensure to reuse the item")
	}
	if second.ID != first.ID {
		t.Errorf("expected stable id %s, got %s", first.ID, second.ID)
	}

	// Same name under a different kind is a different item.
	other, _, err := c.EnsureItem(ctx, "Heap Sort", KindPattern)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if other.ID == first.ID {
		t.Error("expected distinct items for distinct kinds")
	}
}

// TestAppendVersion_GaplessSequence tests the monotonic-sequence
// invariant: 1,2,3,... with no gaps, no repeats.
func TestAppendVersion_GaplessSequence(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)

	appendVersion(t, c, item.ID, 1, "v1 code\n", "", "")
	appendVersion(t, c, item.ID, 2, "v2 code\n", "v1 code\n", "tidy")

	// Reusing a taken number is a duplicate.
	_, err := c.AppendVersion(ctx, &Version{AlgorithmID: item.ID, Number: 2, Code: "again\n"}, nil)
	var dup *DuplicateVersionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateVersionError, got %v", err)
	}
	if dup.Version != 2 {
		t.Errorf("expected error to carry version 2, got %d", dup.Version)
	}

	// Skipping a number would leave a gap.
	if _, err := c.AppendVersion(ctx, &Version{AlgorithmID: item.ID, Number: 4, Code: "skip\n"}, nil); err == nil {
		t.Error("expected gap to be rejected")
	}

	versions, err := c.ListVersions(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	for i, v := range versions {
		if v.Number != i+1 {
			t.Errorf("expected version %d at position %d, got %d", i+1, i, v.Number)
		}
	}
}

// TestAppendVersion_ParentReference tests the parent chain: nil for
// version 1, previous number afterwards.
func TestAppendVersion_ParentReference(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Quick Sort", KindAlgorithm)

	appendVersion(t, c, item.ID, 1, "a\n", "", "")
	appendVersion(t, c, item.ID, 2, "b\n", "a\n", "")

	v1, err := c.GetVersion(ctx, item.ID, 1)
	if err != nil {
		t.Fatalf("failed to get version 1: %v", err)
	}
	if v1.Parent != nil {
		t.Errorf("expected version 1 to have no parent, got %v", *v1.Parent)
	}

	v2, err := c.GetVersion(ctx, item.ID, 2)
	if err != nil {
		t.Fatalf("failed to get version 2: %v", err)
	}
	if v2.Parent == nil || *v2.Parent != 1 {
		t.Errorf("expected version 2 parent 1, got %v", v2.Parent)
	}
}

// TestComputeScript_Deterministic tests that diffing is reproducible.
func TestComputeScript_Deterministic(t *testing.T) {
	from := "line one\nline two\nline three\n"
	to := "line one\nline 2\nline three\nline four\n"

	first := ComputeScript(from, to)
	for range 5 {
		again := ComputeScript(from, to)
		if len(again) != len(first) {
			t.Fatalf("nondeterministic script length: %d vs %d", len(again), len(first))
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("nondeterministic edit at %d: %+v vs %+v", i, first[i], again[i])
			}
		}
	}
}

// TestComputeScript_Apply tests that replaying the script yields the
// target text exactly.
func TestComputeScript_Apply(t *testing.T) {
	from := "def f():\n    return 1\n"
	to := "def f():\n    # fast path\n    return 2\n"

	script := ComputeScript(from, to)
	if got := ApplyScript(script); got != to {
		t.Errorf("expected replay to produce target, got %q", got)
	}

	if len(ComputeScript(from, from)) != 0 {
		t.Error("expected identical inputs to produce an empty script")
	}
}

// TestGetDiff_SameVersionEmpty tests that get_diff(a, 1, 1) is empty.
func TestGetDiff_SameVersionEmpty(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)
	appendVersion(t, c, item.ID, 1, "v1\n", "", "")

	d, err := c.GetDiff(ctx, item.ID, 1, 1)
	if err != nil {
		t.Fatalf("failed to get diff: %v", err)
	}
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d.Script)
	}
}

// TestGetDiff_Composition tests that a wide range composes the stored
// pairwise diffs in order.
func TestGetDiff_Composition(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)

	code1 := "a\nb\n"
	code2 := "a\nb2\n"
	code3 := "a\nb2\nc\n"
	appendVersion(t, c, item.ID, 1, code1, "", "")
	appendVersion(t, c, item.ID, 2, code2, code1, "fix b")
	appendVersion(t, c, item.ID, 3, code3, code2, "add c")

	d12, err := c.GetDiff(ctx, item.ID, 1, 2)
	if err != nil {
		t.Fatalf("failed to get diff 1..2: %v", err)
	}
	d23, err := c.GetDiff(ctx, item.ID, 2, 3)
	if err != nil {
		t.Fatalf("failed to get diff 2..3: %v", err)
	}
	d13, err := c.GetDiff(ctx, item.ID, 1, 3)
	if err != nil {
		t.Fatalf("failed to get diff 1..3: %v", err)
	}

	want := append(append([]Edit{}, d12.Script...), d23.Script...)
	if len(d13.Script) != len(want) {
		t.Fatalf("expected composed script of %d edits, got %d", len(want), len(d13.Script))
	}
	for i := range want {
		if d13.Script[i] != want[i] {
			t.Errorf("composed edit %d: expected %+v, got %+v", i, want[i], d13.Script[i])
		}
	}

	// Applying the pairwise scripts in order reproduces version 3.
	if got := ApplyScript(d23.Script); got != code3 {
		t.Errorf("expected pairwise replay to yield version 3, got %q", got)
	}
}

// TestGetDiff_RangeErrors tests the invalid-range failures.
func TestGetDiff_RangeErrors(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)
	appendVersion(t, c, item.ID, 1, "v1\n", "", "")

	var rangeErr *VersionRangeError
	if _, err := c.GetDiff(ctx, item.ID, 2, 1); !errors.As(err, &rangeErr) {
		t.Errorf("expected VersionRangeError for from > to, got %v", err)
	}
	if _, err := c.GetDiff(ctx, item.ID, 1, 5); !errors.As(err, &rangeErr) {
		t.Errorf("expected VersionRangeError for missing bound, got %v", err)
	}
}

// TestRecordMetric tests append-only metrics and the unknown-version error.
func TestRecordMetric(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)
	versionID := appendVersion(t, c, item.ID, 1, "v1\n", "", "")

	if _, err := c.RecordMetric(ctx, versionID, 1000, 1.5, 64); err != nil {
		t.Fatalf("failed to record metric: %v", err)
	}
	if _, err := c.RecordMetric(ctx, versionID, 10000, 18.2, 640); err != nil {
		t.Fatalf("failed to record metric: %v", err)
	}

	metrics, err := c.MetricsForVersion(ctx, versionID)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if len(metrics) != 2 {
		t.Errorf("expected 2 metrics, got %d", len(metrics))
	}

	var unknown *UnknownVersionError
	if _, err := c.RecordMetric(ctx, 9999, 1, 1, 1); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownVersionError, got %v", err)
	}
}

// TestQualityHistory_AppendOnly tests that feedback accumulates
// observations instead of rewriting them.
func TestQualityHistory_AppendOnly(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "binary search", KindPattern)

	if err := c.AddObservation(ctx, item.ID, 6.5, `{"correctness":8}`); err != nil {
		t.Fatalf("failed to add observation: %v", err)
	}
	if err := c.AddObservation(ctx, item.ID, 7.25, `{"correctness":9}`); err != nil {
		t.Fatalf("failed to add observation: %v", err)
	}

	history, err := c.QualityHistory(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(history))
	}
	if history[0].Score != 6.5 || history[1].Score != 7.25 {
		t.Errorf("expected scores in insertion order, got %f then %f", history[0].Score, history[1].Score)
	}
}

// TestTombstoneItem tests soft removal.
func TestTombstoneItem(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	item, _, _ := c.EnsureItem(ctx, "Heap Sort", KindAlgorithm)

	if err := c.TombstoneItem(ctx, item.ID); err != nil {
		t.Fatalf("failed to tombstone: %v", err)
	}

	got, err := c.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("expected tombstoned item to stay readable: %v", err)
	}
	if !got.Tombstoned {
		t.Error("expected tombstone flag to be set")
	}
}
