package admin

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/hrygo/txndispatch/dispatch"
)

// registryEntry is the JSON and CEL-visible shape of one registry row,
// derived from a dispatch.RegistrySnapshot.
type registryEntry struct {
	Family  string `json:"family"`
	Version string `json:"version"`
	Waiting int    `json:"waiting"`
}

func entriesFromSnapshot(s dispatch.RegistrySnapshot) []registryEntry {
	seen := make(map[dispatch.RoutingKey]bool, len(s.Registered))
	entries := make([]registryEntry, 0, len(s.Registered)+len(s.WaitingDepths))
	for _, k := range s.Registered {
		entries = append(entries, registryEntry{Family: k.Family, Version: k.Version, Waiting: s.WaitingDepths[k]})
		seen[k] = true
	}
	for k, depth := range s.WaitingDepths {
		if seen[k] {
			continue
		}
		entries = append(entries, registryEntry{Family: k.Family, Version: k.Version, Waiting: depth})
	}
	return entries
}

// filterExpr compiles a CEL boolean expression over a registry entry's
// family/version/waiting fields, e.g. `?filter=waiting > 0` or
// `family == 'settlement' && waiting > 5`.
type filterExpr struct {
	env     *cel.Env
	program cel.Program
}

func compileFilter(expr string) (*filterExpr, error) {
	env, err := cel.NewEnv(
		cel.Variable("family", cel.StringType),
		cel.Variable("version", cel.StringType),
		cel.Variable("waiting", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid filter expression: %s", expr)
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.Errorf("filter expression %q does not evaluate to a boolean", expr)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build CEL program")
	}
	return &filterExpr{env: env, program: program}, nil
}

func (f *filterExpr) matches(e registryEntry) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{
		"family":  e.Family,
		"version": e.Version,
		"waiting": int64(e.Waiting),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("filter expression did not produce a boolean result")
	}
	return matched, nil
}

// filterEntries applies expr, if non-empty, to entries and returns the
// surviving subset in original order.
func filterEntries(entries []registryEntry, expr string) ([]registryEntry, error) {
	if expr == "" {
		return entries, nil
	}
	f, err := compileFilter(expr)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		matched, err := f.matches(e)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, e)
		}
	}
	return out, nil
}
