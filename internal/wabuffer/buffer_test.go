package wabuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := map[string]any{
		"name": "alpha",
		"key":  []byte{0x01, 0x02, 0xFF},
		"nested": map[string]any{
			"signed": []byte("signature-bytes"),
		},
		"list": []any{
			[]byte{0xAA},
			"plain-string",
		},
	}

	encoded := Encode(original)
	decoded := Decode(encoded)

	require.Equal(t, original, decoded)
}

func TestEncodeProducesTaggedShape(t *testing.T) {
	encoded := Encode(map[string]any{"buf": []byte("hi")})
	m, ok := encoded.(map[string]any)
	require.True(t, ok)
	tagged, ok := m["buf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Buffer", tagged["type"])
	assert.Equal(t, "aGk=", tagged["data"])
}

func TestDecodeIsIdempotent(t *testing.T) {
	tagged := map[string]any{"type": "Buffer", "data": "aGk="}
	once := Decode(tagged)
	twice := Decode(once)
	assert.Equal(t, []byte("hi"), once)
	assert.Equal(t, once, twice)
}

func TestIsTaggedBuffer(t *testing.T) {
	assert.True(t, IsTaggedBuffer(map[string]any{"type": "Buffer", "data": "aGk="}))
	assert.False(t, IsTaggedBuffer(map[string]any{"type": "Buffer"}))
	assert.False(t, IsTaggedBuffer("not a map"))
}

func TestDecodeLeavesPlainValuesAlone(t *testing.T) {
	v := Decode(map[string]any{"a": 1, "b": "two"})
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, v)
}
