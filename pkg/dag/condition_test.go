package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/axis/pkg/types"
)

func testResults() map[string]*StepResult {
	return map[string]*StepResult{
		"a": {StepID: "a", State: StepCompleted, Value: map[string]any{
			"count":  float64(5),
			"name":   "report.pdf",
			"tags":   []any{"draft", "internal"},
			"zero":   float64(0),
			"empty":  "",
			"truthy": false,
			"null":   nil,
			"nested": map[string]any{"deep": map[string]any{"leaf": "found"}},
		}},
		"b": {StepID: "b", State: StepFailed, Error: "boom"},
	}
}

func TestConditionOperators(t *testing.T) {
	results := testResults()

	tests := []struct {
		name string
		cond types.Condition
		want bool
	}{
		{"eq number", types.Condition{Field: "step:a.result.count", Operator: "eq", Value: float64(5)}, true},
		{"eq coerces string operand", types.Condition{Field: "step:a.result.count", Operator: "eq", Value: "5"}, true},
		{"eq string", types.Condition{Field: "step:a.result.name", Operator: "eq", Value: "report.pdf"}, true},
		{"eq mismatch", types.Condition{Field: "step:a.result.name", Operator: "eq", Value: "other.pdf"}, false},
		{"neq", types.Condition{Field: "step:a.result.count", Operator: "neq", Value: float64(9)}, true},
		{"gt true", types.Condition{Field: "step:a.result.count", Operator: "gt", Value: float64(3)}, true},
		{"gt false", types.Condition{Field: "step:a.result.count", Operator: "gt", Value: float64(5)}, false},
		{"gt strict rejects string operand", types.Condition{Field: "step:a.result.count", Operator: "gt", Value: "3"}, false},
		{"lt", types.Condition{Field: "step:a.result.count", Operator: "lt", Value: float64(10)}, true},
		{"lt non-numeric field", types.Condition{Field: "step:a.result.name", Operator: "lt", Value: float64(10)}, false},
		{"contains substring", types.Condition{Field: "step:a.result.name", Operator: "contains", Value: ".pdf"}, true},
		{"contains array membership", types.Condition{Field: "step:a.result.tags", Operator: "contains", Value: "draft"}, true},
		{"contains array miss", types.Condition{Field: "step:a.result.tags", Operator: "contains", Value: "public"}, false},
		{"contains on number", types.Condition{Field: "step:a.result.count", Operator: "contains", Value: "5"}, false},
		{"status eq", types.Condition{Field: "step:b.status", Operator: "eq", Value: "failed"}, true},
		{"nested path", types.Condition{Field: "step:a.result.nested.deep.leaf", Operator: "eq", Value: "found"}, true},
		{"unknown operator", types.Condition{Field: "step:a.result.count", Operator: "between", Value: float64(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(&tt.cond, results))
		})
	}
}

func TestExistsSemantics(t *testing.T) {
	results := testResults()

	tests := []struct {
		name  string
		field string
		want  bool
	}{
		{"present value", "step:a.result.count", true},
		{"literal zero exists", "step:a.result.zero", true},
		{"empty string exists", "step:a.result.empty", true},
		{"false exists", "step:a.result.truthy", true},
		{"null does not exist", "step:a.result.null", false},
		{"missing path", "step:a.result.nothing", false},
		{"missing nested segment", "step:a.result.nested.missing.leaf", false},
		{"unknown step", "step:ghost.result.x", false},
		{"malformed field", "conversation.title", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &types.Condition{Field: tt.field, Operator: "exists"}
			assert.Equal(t, tt.want, EvaluateCondition(cond, results))
		})
	}
}

func TestUnresolvedFieldReadsAsMissing(t *testing.T) {
	results := testResults()

	eq := &types.Condition{Field: "step:ghost.result.x", Operator: "eq", Value: "anything"}
	assert.False(t, EvaluateCondition(eq, results))

	neq := &types.Condition{Field: "step:ghost.result.x", Operator: "neq", Value: "anything"}
	assert.True(t, EvaluateCondition(neq, results))

	gt := &types.Condition{Field: "step:ghost.result.x", Operator: "gt", Value: float64(1)}
	assert.False(t, EvaluateCondition(gt, results))
}
