package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeysAndCompacts(t *testing.T) {
	p := Default()
	got, err := p.Canonical(map[string]interface{}{
		"b": 1,
		"a": []interface{}{"x", map[string]interface{}{"z": true, "y": nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",{"y":null,"z":true}],"b":1}`, string(got))
}

func TestCanonical_StructAndMapAgree(t *testing.T) {
	type pair struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	p := Default()
	fromStruct, err := p.Canonical(pair{Zeta: "z", Alpha: 7})
	require.NoError(t, err)
	fromMap, err := p.Canonical(map[string]interface{}{"alpha": 7, "zeta": "z"})
	require.NoError(t, err)
	assert.Equal(t, string(fromMap), string(fromStruct))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := Default().Canonical(map[string]string{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(got))
}

func TestHashJSON_Deterministic(t *testing.T) {
	p := Default()
	h1, err := p.HashJSON(map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := p.HashJSON(map[string]int{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashJSON_RejectsUnknownPolicy(t *testing.T) {
	_, err := HashPolicy{Version: "hash_policy_v9", Algorithm: AlgorithmSHA256}.HashJSON(1)
	require.Error(t, err)

	_, err = HashPolicy{Version: PolicyV1, Algorithm: "md5"}.HashJSON(1)
	require.Error(t, err)
	assert.Empty(t, HashPolicy{Version: PolicyV1, Algorithm: "md5"}.HashBytes([]byte("x")))
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Default().HashBytes(nil))
}

func TestHashText_LineEndingStable(t *testing.T) {
	p := Default()
	assert.Equal(t, p.HashText("a\nb\n"), p.HashText("a\r\nb\r\n"))
	assert.Equal(t, p.HashText("a\nb"), p.HashText("a\nb\n\n\n"))
}
