package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack is the binary codec, for peers that prefer compact frames over
// readable ones. Struct fields use the same names as the JSON codec so the
// two stay interchangeable at the schema level.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (Msgpack) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return msgpack.Unmarshal(data, v)
}
