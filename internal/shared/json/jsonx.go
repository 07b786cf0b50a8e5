package jsonx

import "github.com/goccy/go-json"

// Thin wrapper so hot paths can swap JSON implementations in one place.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage

// MarshalObject encodes m as a JSON object. A nil map encodes as "{}" so
// JSONB columns never hold null for mapping-typed fields.
func MarshalObject[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// UnmarshalObject decodes a JSON object into a fresh map. Empty input and a
// JSON null both yield an empty, non-nil map.
func UnmarshalObject[V any](data []byte) (map[string]V, error) {
	out := make(map[string]V)
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]V)
	}
	return out, nil
}
