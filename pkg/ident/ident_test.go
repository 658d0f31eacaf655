package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionIDDeterminism(t *testing.T) {
	a := ExecutionID("job-1", "s1")
	b := ExecutionID("job-1", "s1")
	assert.Equal(t, a, b, "same pair must yield the same id")
	assert.Len(t, a, 64, "hex SHA-256")

	c := ExecutionID("job-1", "s2")
	assert.NotEqual(t, a, c, "different steps must yield different ids")

	d := ExecutionID("job-2", "s1")
	assert.NotEqual(t, a, d, "different jobs must yield different ids")
}

func TestExecutionIDSeparator(t *testing.T) {
	// The "::" separator keeps (ab, c) and (a, bc) distinct.
	assert.NotEqual(t, ExecutionID("ab", "c"), ExecutionID("a", "bc"))
}

func TestCanonicalJSONKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": []any{"x"}})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": []any{"x"}, "a": 2, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":2,"b":1,"c":["x"]}`, string(a))
}

func TestCanonicalJSONNested(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"outer": map[string]any{"z": true, "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":null,"z":true}}`, string(got))
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
