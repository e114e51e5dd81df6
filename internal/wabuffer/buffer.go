// Package wabuffer implements the binary-safe JSON transform used for
// auth credentials and webhook payloads: byte slices are encoded as
// tagged objects ({"type":"Buffer","data":"<base64>"}) so that
// round-tripping through JSON never silently drops signal-key or
// identity material.
package wabuffer

import (
	"encoding/base64"
)

const bufferType = "Buffer"

// taggedBuffer is the wire shape of an encoded byte slice.
type taggedBuffer struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Encode walks v (the result of unmarshaling arbitrary JSON, or a
// freshly built map/slice tree) and replaces every []byte it finds
// with its tagged-object form. Other values are returned unchanged.
func Encode(v any) any {
	switch val := v.(type) {
	case []byte:
		return taggedBufferValue(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Encode(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Encode(item)
		}
		return out
	default:
		return v
	}
}

// Decode walks v and replaces every tagged-buffer object it finds with
// a []byte. Values that are not shaped like a tagged buffer pass
// through unchanged (including ordinary maps that merely happen to
// have unrelated fields).
func Decode(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if data, ok := decodeTaggedBuffer(val); ok {
			return data
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Decode(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Decode(item)
		}
		return out
	default:
		return v
	}
}

func taggedBufferValue(data []byte) map[string]any {
	return map[string]any{
		"type": bufferType,
		"data": base64.StdEncoding.EncodeToString(data),
	}
}

func decodeTaggedBuffer(m map[string]any) ([]byte, bool) {
	if len(m) != 2 {
		return nil, false
	}
	typ, ok := m["type"].(string)
	if !ok || typ != bufferType {
		return nil, false
	}
	encoded, ok := m["data"].(string)
	if !ok {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return data, true
}

// IsTaggedBuffer reports whether v already has the
// {"type":"Buffer","data":"..."} shape, which makes Decode idempotent
// on values that were already decoded.
func IsTaggedBuffer(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = decodeTaggedBuffer(m)
	return ok
}
