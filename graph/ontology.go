// Package graph stores typed entities and typed, directed relations
// for the knowledge graph. Entity and relation types form a closed
// ontology: a request using an undeclared type is rejected instead of
// silently accepted, so the ontology cannot drift.
package graph

import "fmt"

// EntityType is a node type from the closed ontology.
type EntityType string

// The declared entity types.
const (
	EntityAlgorithm     EntityType = "Algorithm"
	EntityDesignPattern EntityType = "DesignPattern"
	EntityCodeConcept   EntityType = "CodeConcept"
	EntityProblemType   EntityType = "ProblemType"
	EntitySolution      EntityType = "Solution"
	EntityFramework     EntityType = "Framework"
	EntityLibrary       EntityType = "Library"
	EntityLanguage      EntityType = "Language"
	EntityTool          EntityType = "Tool"
	EntityBestPractice  EntityType = "BestPractice"
	EntityAntiPattern   EntityType = "AntiPattern"
	EntityExample       EntityType = "Example"
	EntityPerformance   EntityType = "Performance"
	EntityDocumentation EntityType = "Documentation"
	EntityTestCase      EntityType = "TestCase"
	EntityVersion       EntityType = "Version"
	EntityAuthor        EntityType = "Author"
)

// RelationType is a directed edge type from the closed ontology.
type RelationType string

// The declared relation types.
const (
	RelImplements          RelationType = "IMPLEMENTS"
	RelSolves              RelationType = "SOLVES"
	RelOptimizes           RelationType = "OPTIMIZES"
	RelRelatedTo           RelationType = "RELATED_TO"
	RelImprovesUpon        RelationType = "IMPROVES_UPON"
	RelAlternativelySolves RelationType = "ALTERNATIVELY_SOLVES"
	RelExtends             RelationType = "EXTENDS"
	RelDependsOn           RelationType = "DEPENDS_ON"
	RelCompatibleWith      RelationType = "COMPATIBLE_WITH"
	RelUsedIn              RelationType = "USED_IN"
	RelPartOf              RelationType = "PART_OF"
	RelDocumentedBy        RelationType = "DOCUMENTED_BY"
	RelAuthoredBy          RelationType = "AUTHORED_BY"
	RelTestedBy            RelationType = "TESTED_BY"
	RelHasVersion          RelationType = "HAS_VERSION"
	RelAvoids              RelationType = "AVOIDS"
	RelFollows             RelationType = "FOLLOWS"
	RelCharacterizedBy     RelationType = "CHARACTERIZED_BY"
)

var entityTypes = map[EntityType]bool{
	EntityAlgorithm: true, EntityDesignPattern: true, EntityCodeConcept: true,
	EntityProblemType: true, EntitySolution: true, EntityFramework: true,
	EntityLibrary: true, EntityLanguage: true, EntityTool: true,
	EntityBestPractice: true, EntityAntiPattern: true, EntityExample: true,
	EntityPerformance: true, EntityDocumentation: true, EntityTestCase: true,
	EntityVersion: true, EntityAuthor: true,
}

// typeRule constrains the endpoint types a relation may connect.
// A nil set means "any declared entity type".
type typeRule struct {
	from map[EntityType]bool
	to   map[EntityType]bool
}

func set(types ...EntityType) map[EntityType]bool {
	s := make(map[EntityType]bool, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

// relationRules is the structural compatibility table. The direction
// matters: IMPLEMENTS goes Algorithm -> CodeConcept, never the reverse.
var relationRules = map[RelationType]typeRule{
	RelImplements: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution, EntityExample),
		to:   set(EntityCodeConcept),
	},
	RelSolves: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution, EntityExample),
		to:   set(EntityProblemType),
	},
	RelOptimizes: {
		from: set(EntityAlgorithm, EntitySolution),
		to:   set(EntityPerformance, EntityProblemType),
	},
	RelRelatedTo: {}, // unrestricted
	RelImprovesUpon: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution),
		to:   set(EntityAlgorithm, EntityDesignPattern, EntitySolution),
	},
	RelAlternativelySolves: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution),
		to:   set(EntityProblemType),
	},
	RelExtends: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntityCodeConcept, EntityFramework, EntityLibrary),
		to:   set(EntityAlgorithm, EntityDesignPattern, EntityCodeConcept, EntityFramework, EntityLibrary),
	},
	RelDependsOn: {
		from: set(EntityAlgorithm, EntitySolution, EntityExample, EntityFramework, EntityLibrary, EntityTool, EntityTestCase),
		to:   set(EntityFramework, EntityLibrary, EntityLanguage, EntityTool, EntityCodeConcept),
	},
	RelCompatibleWith: {
		from: set(EntityFramework, EntityLibrary, EntityTool, EntityLanguage),
		to:   set(EntityFramework, EntityLibrary, EntityTool, EntityLanguage),
	},
	RelUsedIn: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntityCodeConcept, EntityLibrary, EntityFramework),
		to:   set(EntityExample, EntitySolution, EntityFramework, EntityLibrary),
	},
	RelPartOf: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntityCodeConcept, EntityExample, EntityTestCase, EntityDocumentation),
		to:   set(EntityFramework, EntityLibrary, EntitySolution, EntityCodeConcept, EntityDocumentation),
	},
	RelDocumentedBy: {
		to: set(EntityDocumentation),
	},
	RelAuthoredBy: {
		to: set(EntityAuthor),
	},
	RelTestedBy: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution, EntityExample, EntityLibrary, EntityFramework),
		to:   set(EntityTestCase),
	},
	RelHasVersion: {
		from: set(EntityAlgorithm, EntityLibrary, EntityFramework, EntityTool),
		to:   set(EntityVersion),
	},
	RelAvoids: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution, EntityExample, EntityBestPractice),
		to:   set(EntityAntiPattern),
	},
	RelFollows: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution, EntityExample, EntityCodeConcept),
		to:   set(EntityBestPractice),
	},
	RelCharacterizedBy: {
		from: set(EntityAlgorithm, EntityDesignPattern, EntitySolution),
		to:   set(EntityPerformance),
	},
}

// UnknownOntologyTypeError reports an entity or relation type that is
// not part of the declared ontology.
type UnknownOntologyTypeError struct {
	Kind  string // "entity" or "relation"
	Value string
}

func (e *UnknownOntologyTypeError) Error() string {
	return fmt.Sprintf("unknown %s type %q", e.Kind, e.Value)
}

// InvalidRelationError reports a relation whose endpoint types are
// structurally incompatible with the relation type.
type InvalidRelationError struct {
	Relation RelationType
	From     EntityType
	To       EntityType
}

func (e *InvalidRelationError) Error() string {
	return fmt.Sprintf("relation %s is not valid from %s to %s", e.Relation, e.From, e.To)
}

// ParseEntityType validates s against the closed entity ontology.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !entityTypes[t] {
		return "", &UnknownOntologyTypeError{Kind: "entity", Value: s}
	}
	return t, nil
}

// ParseRelationType validates s against the closed relation ontology.
func ParseRelationType(s string) (RelationType, error) {
	t := RelationType(s)
	if _, ok := relationRules[t]; !ok {
		return "", &UnknownOntologyTypeError{Kind: "relation", Value: s}
	}
	return t, nil
}

// ValidateRelation checks that rel may connect from -> to per the
// compatibility table. All three types must already be declared.
func ValidateRelation(rel RelationType, from, to EntityType) error {
	rule, ok := relationRules[rel]
	if !ok {
		return &UnknownOntologyTypeError{Kind: "relation", Value: string(rel)}
	}
	if !entityTypes[from] {
		return &UnknownOntologyTypeError{Kind: "entity", Value: string(from)}
	}
	if !entityTypes[to] {
		return &UnknownOntologyTypeError{Kind: "entity", Value: string(to)}
	}
	if rule.from != nil && !rule.from[from] {
		return &InvalidRelationError{Relation: rel, From: from, To: to}
	}
	if rule.to != nil && !rule.to[to] {
		return &InvalidRelationError{Relation: rel, From: from, To: to}
	}
	return nil
}
