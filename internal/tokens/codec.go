package tokens

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines how freshness records are serialized by the persistent stores.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with the standard library and decodes with sonic.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// record is the persisted form of one freshness token.
type record struct {
	Token     string `json:"token"`
	UpdatedAt int64  `json:"updated_at"`
}
