package dag

import "regexp"

// refPattern matches a whole-string step reference with an optional dot
// path into the referent's result.
var refPattern = regexp.MustCompile(`^\$ref:step:([a-zA-Z0-9_-]+)(?:\.(.+))?$`)

// ResolveReferences replaces "$ref:step:<id>[.path]" strings in the
// parameter map with the referent step's result, traversing nested maps
// and arrays. A reference to an unknown or unfinished step stays a
// literal string; a known referent with a missing path resolves to nil.
func (e *Executor) ResolveReferences(params map[string]any, results map[string]*StepResult) map[string]any {
	if params == nil {
		return nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = e.resolveValue(value, results)
	}
	return resolved
}

func (e *Executor) resolveValue(value any, results map[string]*StepResult) any {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, results)
	case map[string]any:
		nested := make(map[string]any, len(v))
		for key, item := range v {
			nested[key] = e.resolveValue(item, results)
		}
		return nested
	case []any:
		nested := make([]any, len(v))
		for i, item := range v {
			nested[i] = e.resolveValue(item, results)
		}
		return nested
	}
	return value
}

func (e *Executor) resolveString(s string, results map[string]*StepResult) any {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	stepID, path := m[1], m[2]

	sr, ok := results[stepID]
	if !ok || sr.State != StepCompleted {
		e.logger.Warn().Str("ref", s).Msg("unresolved step reference, keeping literal")
		return s
	}
	if path == "" {
		return sr.Value
	}

	value, ok := walkPath(sr.Value, path)
	if !ok {
		e.logger.Warn().Str("ref", s).Msg("step reference path missing, resolving to null")
		return nil
	}
	return value
}
