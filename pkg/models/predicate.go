package models

import (
	"errors"
	"fmt"
)

// Predicate gates a stage against the resolved run parameters. Evaluation is
// pure: the same parameters always yield the same decision.
type Predicate interface {
	Evaluate(params RunParameters) bool
	Kind() string
}

// Predicate kinds accepted in pipeline configuration.
const (
	PredicateBranchEquals      = "branch_equals"
	PredicateEnvironmentEquals = "environment_equals"
	PredicateParamEquals       = "param_equals"
	PredicateNot               = "not"
	PredicateAnd               = "and"
	PredicateOr                = "or"
)

// ErrUnknownPredicateKind is returned when a predicate spec names a kind the
// orchestrator does not implement.
var ErrUnknownPredicateKind = errors.New("unknown predicate kind")

// PredicateSpec is the declarative form of a predicate as it appears in the
// pipeline configuration document. Compile turns it into an executable tree.
type PredicateSpec struct {
	Kind  string          `json:"kind"            yaml:"kind"            validate:"required"`
	Value string          `json:"value,omitempty" yaml:"value,omitempty"`
	Key   string          `json:"key,omitempty"   yaml:"key,omitempty"`
	Of    []PredicateSpec `json:"of,omitempty"    yaml:"of,omitempty"`
}

// Compile resolves a spec into its predicate implementation, recursing into
// compound specs. Specs are compiled once at config load so malformed
// predicates are rejected before any run is admitted.
func (s *PredicateSpec) Compile() (Predicate, error) {
	switch s.Kind {
	case PredicateBranchEquals:
		if s.Value == "" {
			return nil, fmt.Errorf("%s predicate requires a value", s.Kind)
		}

		return BranchEquals{Branch: s.Value}, nil
	case PredicateEnvironmentEquals:
		if s.Value == "" {
			return nil, fmt.Errorf("%s predicate requires a value", s.Kind)
		}

		return EnvironmentEquals{Environment: s.Value}, nil
	case PredicateParamEquals:
		if s.Key == "" {
			return nil, fmt.Errorf("%s predicate requires a key", s.Kind)
		}

		return ParamEquals{Key: s.Key, Value: s.Value}, nil
	case PredicateNot:
		if len(s.Of) != 1 {
			return nil, fmt.Errorf("%s predicate requires exactly one operand", s.Kind)
		}

		inner, err := s.Of[0].Compile()
		if err != nil {
			return nil, err
		}

		return Not{Inner: inner}, nil
	case PredicateAnd, PredicateOr:
		if len(s.Of) == 0 {
			return nil, fmt.Errorf("%s predicate requires at least one operand", s.Kind)
		}

		operands := make([]Predicate, 0, len(s.Of))

		for i := range s.Of {
			inner, err := s.Of[i].Compile()
			if err != nil {
				return nil, err
			}

			operands = append(operands, inner)
		}

		if s.Kind == PredicateAnd {
			return And{Operands: operands}, nil
		}

		return Or{Operands: operands}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredicateKind, s.Kind)
	}
}

// BranchEquals matches runs for one branch.
type BranchEquals struct {
	Branch string
}

func (p BranchEquals) Evaluate(params RunParameters) bool { return params.Branch == p.Branch }
func (p BranchEquals) Kind() string                       { return PredicateBranchEquals }

// EnvironmentEquals matches runs targeting one environment.
type EnvironmentEquals struct {
	Environment string
}

func (p EnvironmentEquals) Evaluate(params RunParameters) bool {
	return params.Environment == p.Environment
}

func (p EnvironmentEquals) Kind() string { return PredicateEnvironmentEquals }

// ParamEquals matches an extra run parameter by key and value.
type ParamEquals struct {
	Key   string
	Value string
}

func (p ParamEquals) Evaluate(params RunParameters) bool {
	value, ok := params.Extra[p.Key]

	return ok && value == p.Value
}

func (p ParamEquals) Kind() string { return PredicateParamEquals }

// Not inverts its operand.
type Not struct {
	Inner Predicate
}

func (p Not) Evaluate(params RunParameters) bool { return !p.Inner.Evaluate(params) }
func (p Not) Kind() string                       { return PredicateNot }

// And is true when every operand is true.
type And struct {
	Operands []Predicate
}

func (p And) Evaluate(params RunParameters) bool {
	for _, operand := range p.Operands {
		if !operand.Evaluate(params) {
			return false
		}
	}

	return true
}

func (p And) Kind() string { return PredicateAnd }

// Or is true when any operand is true.
type Or struct {
	Operands []Predicate
}

func (p Or) Evaluate(params RunParameters) bool {
	for _, operand := range p.Operands {
		if operand.Evaluate(params) {
			return true
		}
	}

	return false
}

func (p Or) Kind() string { return PredicateOr }
