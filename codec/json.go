package codec

import "encoding/json"

// JSON is the default codec. A nil body marshals to "null", which decodes
// into any pointer target as a no-op, so empty-bodied control messages
// round-trip without special cases.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
