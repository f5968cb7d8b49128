package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b), "key order must not influence output")
	assert.Equal(t, `["a","2","b","1","c","3"]`, string(a))
}

func TestCanonicalJSON_NestedMaps(t *testing.T) {
	v1 := map[string]any{"outer": map[string]any{"y": "b", "x": "a"}}
	v2 := map[string]any{"outer": map[string]any{"x": "a", "y": "b"}}

	a, err := CanonicalJSON(v1)
	require.NoError(t, err)
	b, err := CanonicalJSON(v2)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalJSON_NumberFormattingIsStable(t *testing.T) {
	// 1e2 and 100 must not collapse to different encodings across runs;
	// numbers pass through json.Number untouched.
	a, err := CanonicalJSON(map[string]any{"n": 100})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"n": 100})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `["n","100"]`, string(a))
}

func TestCanonicalJSON_StructsAndMapsAgree(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha string `json:"alpha"`
	}
	fromStruct, err := CanonicalJSON(payload{Zeta: "z", Alpha: "a"})
	require.NoError(t, err)
	fromMap, err := CanonicalJSON(map[string]any{"zeta": "z", "alpha": "a"})
	require.NoError(t, err)
	assert.Equal(t, fromStruct, fromMap, "struct field order must not leak into hashes")
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "a<b>&c")
}
