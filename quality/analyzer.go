package quality

import (
	"regexp"
	"strings"
)

// Complexity levels assigned to stored patterns.
const (
	ComplexitySimple       = "simple"
	ComplexityIntermediate = "intermediate"
	ComplexityAdvanced     = "advanced"
)

// ValidComplexity reports whether level is one of the declared
// complexity levels.
func ValidComplexity(level string) bool {
	switch level {
	case ComplexitySimple, ComplexityIntermediate, ComplexityAdvanced:
		return true
	}
	return false
}

// Control-flow keywords counted by the cyclomatic complexity
// heuristic, per language. The fallback set covers C-family syntax.
var controlPatterns = map[string][]*regexp.Regexp{
	"python": compileAll(
		`\bif\b`, `\belif\b`, `\belse\b`, `\bfor\b`,
		`\bwhile\b`, `\bwith\b`, `\btry\b`, `\bexcept\b`,
	),
	"go": compileAll(
		`\bif\b`, `\belse\b`, `\bfor\b`, `\bswitch\b`,
		`\bcase\b`, `\bselect\b`, `&&`, `\|\|`,
	),
	"": compileAll(
		`\bif\b`, `\belse\b`, `\bfor\b`, `\bwhile\b`,
		`\bswitch\b`, `\bcase\b`, `\bcatch\b`,
	),
}

var (
	pyDocstring = regexp.MustCompile(`"""[\s\S]*?"""|'''[\s\S]*?'''`)
	pyDef       = regexp.MustCompile(`\bdef\s+\w+\s*\(`)
	pyClass     = regexp.MustCompile(`\bclass\s+\w+\s*[:\(]`)
	goFunc      = regexp.MustCompile(`(?m)^func\s`)
	goType      = regexp.MustCompile(`(?m)^type\s+\w+\s`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// CyclomaticComplexity estimates the cyclomatic complexity of code by
// counting control-flow statements. This is a heuristic, not a parse;
// it exists so patterns stored without an explicit complexity level
// still get a defensible one.
func CyclomaticComplexity(code, language string) int {
	patterns, ok := controlPatterns[strings.ToLower(language)]
	if !ok {
		patterns = controlPatterns[""]
	}

	complexity := 1 // the unit itself
	for _, p := range patterns {
		complexity += len(p.FindAllString(code, -1))
	}
	return complexity
}

// DocCoverage estimates documentation coverage in [0,1]: roughly one
// doc comment per definition counts as fully documented. Code with no
// definitions is trivially covered.
func DocCoverage(code, language string) float64 {
	var docs, defs int

	switch strings.ToLower(language) {
	case "python":
		docs = len(pyDocstring.FindAllString(code, -1))
		defs = len(pyDef.FindAllString(code, -1)) + len(pyClass.FindAllString(code, -1))
	case "go":
		defs = len(goFunc.FindAllString(code, -1)) + len(goType.FindAllString(code, -1))
		for _, line := range strings.Split(code, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "//") {
				docs++
			}
		}
	default:
		return 0.5
	}

	if defs == 0 {
		return 1.0
	}
	cov := float64(docs) / float64(defs)
	if cov > 1.0 {
		cov = 1.0
	}
	return cov
}

// InferComplexity derives a complexity level from the cyclomatic
// complexity heuristic: <=5 simple, <=10 intermediate, else advanced.
func InferComplexity(code, language string) string {
	cc := CyclomaticComplexity(code, language)
	switch {
	case cc <= 5:
		return ComplexitySimple
	case cc <= 10:
		return ComplexityIntermediate
	default:
		return ComplexityAdvanced
	}
}
