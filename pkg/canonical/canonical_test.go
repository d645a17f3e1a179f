package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndDropsWhitespace(t *testing.T) {
	out, err := Marshal(map[string]any{
		"b": 1,
		"a": []any{true, nil, "x"},
		"c": map[string]any{"z": 1, "y": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null,"x"],"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestMarshal_Struct(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	out, err := Marshal(payload{Zeta: "z", Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"zeta":"z"}`, string(out))
}

func TestCanonicalize_EscapesNonASCII(t *testing.T) {
	out, err := Canonicalize([]byte(`{"name":"café","emoji":"😀","html":"<a&b>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"emoji":"\ud83d\ude00","html":"<a&b>","name":"caf\u00e9"}`, string(out))
}

func TestCanonicalize_ControlCharacters(t *testing.T) {
	out, err := Canonicalize([]byte(`"a\"b\\c\n\t\u0001\u007f"`))
	require.NoError(t, err)
	assert.Equal(t, "\"a\\\"b\\\\c\\n\\t\\u0001\x7f\"", string(out))
}

func TestCanonicalize_NumbersKeptAsWritten(t *testing.T) {
	out, err := Canonicalize([]byte(`{"big":12345678901234567890,"f":1.50,"neg":-0}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.50,"neg":-0}`, string(out))
}

func TestCanonicalize_Stable(t *testing.T) {
	a, err := Canonicalize([]byte(`{ "x" : 1, "y" : [ 1, 2 ] }`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"y":[1,2],"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	again, err := Canonicalize(a)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestCanonicalize_RoundTripsThroughStdlib(t *testing.T) {
	out, err := Marshal(map[string]any{"k": "ü "})
	require.NoError(t, err)
	var back map[string]string
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "ü ", back["k"])
}

func TestCanonicalize_Errors(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = Canonicalize([]byte(`{} {}`))
	assert.Error(t, err)

	_, err = Marshal(make(chan int))
	assert.Error(t, err)
}
