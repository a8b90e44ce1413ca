// Package validate compiles declarative update guards with
// github.com/google/cel-go, the expression-evaluation library carried in
// from goliatone-go-options's cel_evaluator.go, adapted here from a
// generic options-snapshot evaluator to a fixed two-variable ("old",
// "new") predicate over the object being updated.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/jrife/zoom/txn"
)

// Validator is a compiled CEL predicate over an update's old and new
// object values. The expression must evaluate to a bool; true accepts the
// update, false rejects it.
type Validator struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr, which may reference "old" and
// "new" as dynamically-typed maps of the object's JSON-visible fields.
func Compile(expr string) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("old", cel.DynType),
		cel.Variable("new", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("validate: building CEL environment: %w", err)
	}

	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("validate: parsing %q: %w", expr, issues.Err())
	}

	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("validate: checking %q: %w", expr, issues.Err())
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("validate: building program for %q: %w", expr, err)
	}

	return &Validator{expr: expr, program: program}, nil
}

// toMap flattens obj to a map of its JSON-visible fields, letting the CEL
// program address struct fields by name regardless of the concrete Go
// type registered for the class.
func toMap(obj interface{}) (map[string]interface{}, error) {
	if obj == nil {
		return map[string]interface{}{}, nil
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("validate: marshaling %T: %w", obj, err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("validate: unmarshaling %T as map: %w", obj, err)
	}

	return m, nil
}

// Evaluate runs the compiled predicate against old and new, returning
// false with a reason if the update should be rejected.
func (v *Validator) Evaluate(old, new interface{}) (bool, string, error) {
	oldMap, err := toMap(old)
	if err != nil {
		return false, "", err
	}

	newMap, err := toMap(new)
	if err != nil {
		return false, "", err
	}

	out, _, err := v.program.Eval(map[string]interface{}{"old": oldMap, "new": newMap})
	if err != nil {
		return false, "", fmt.Errorf("validate: evaluating %q: %w", v.expr, err)
	}

	accept, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("validate: %q did not evaluate to a bool", v.expr)
	}

	if accept {
		return true, "", nil
	}

	return false, fmt.Sprintf("rejected by validator %q", v.expr), nil
}

// AsTxnValidator adapts v to the txn.Validator hook consumed by
// Transaction.Update, surfacing evaluation errors as rejections rather
// than panicking or silently accepting.
func (v *Validator) AsTxnValidator() txn.Validator {
	return func(old, new interface{}) (bool, string) {
		ok, reason, err := v.Evaluate(old, new)
		if err != nil {
			return false, err.Error()
		}

		return ok, reason
	}
}
