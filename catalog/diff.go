package catalog

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit is one step of a line-level edit script.
// Op is "=" (keep), "-" (delete), or "+" (insert); Text holds the
// affected lines, newline-terminated except possibly the last.
type Edit struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// Diff is the structural delta between two versions of an algorithm,
// persisted at write time for a reproducible audit trail.
type Diff struct {
	AlgorithmID       string
	FromVersion       int
	ToVersion         int
	ChangeDescription string
	Rationale         string
	Script            []Edit
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	for _, e := range d.Script {
		if e.Op != "=" {
			return false
		}
	}
	return true
}

// ComputeScript produces the line-based edit script transforming from
// into to. The computation is deterministic: the same two inputs
// always yield the same script (diff timeout disabled, line mode).
func ComputeScript(from, to string) []Edit {
	if from == to {
		return nil
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	fromRunes, toRunes, lines := dmp.DiffLinesToRunes(from, to)
	diffs := dmp.DiffMainRunes(fromRunes, toRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	script := make([]Edit, 0, len(diffs))
	for _, d := range diffs {
		var op string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op = "="
		case diffmatchpatch.DiffDelete:
			op = "-"
		case diffmatchpatch.DiffInsert:
			op = "+"
		}
		script = append(script, Edit{Op: op, Text: d.Text})
	}
	return script
}

// Summarize renders a short machine-readable description of a script,
// e.g. "+3 -1 lines". An empty script summarizes as "no changes".
func Summarize(script []Edit) string {
	var added, removed int
	for _, e := range script {
		n := countLines(e.Text)
		switch e.Op {
		case "+":
			added += n
		case "-":
			removed += n
		}
	}
	if added == 0 && removed == 0 {
		return "no changes"
	}
	return fmt.Sprintf("+%d -%d lines", added, removed)
}

// Compose chains consecutive pairwise diffs into a single Diff whose
// script is the concatenation of the pairwise scripts in order.
// The input must be a contiguous, ordered chain.
func Compose(diffs []*Diff) (*Diff, error) {
	if len(diffs) == 0 {
		return nil, fmt.Errorf("cannot compose an empty diff chain")
	}

	out := &Diff{
		AlgorithmID: diffs[0].AlgorithmID,
		FromVersion: diffs[0].FromVersion,
		ToVersion:   diffs[len(diffs)-1].ToVersion,
		Rationale:   diffs[len(diffs)-1].Rationale,
	}

	var descriptions []string
	for i, d := range diffs {
		if i > 0 && d.FromVersion != diffs[i-1].ToVersion {
			return nil, fmt.Errorf("diff chain is not contiguous at %d->%d", diffs[i-1].ToVersion, d.FromVersion)
		}
		out.Script = append(out.Script, d.Script...)
		if d.ChangeDescription != "" {
			descriptions = append(descriptions, d.ChangeDescription)
		}
	}
	out.ChangeDescription = strings.Join(descriptions, "; ")
	return out, nil
}

// ApplyScript replays an edit script, returning the target text.
// Applying the script stored for (n-1, n) to version n-1 yields
// version n exactly.
func ApplyScript(script []Edit) string {
	var sb strings.Builder
	for _, e := range script {
		if e.Op == "=" || e.Op == "+" {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
