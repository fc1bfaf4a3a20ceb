package replay

import "encoding/json"

// Codec serializes projected state for views and snapshots.
type Codec[S any] interface {
	Encode(state S) ([]byte, error)
	Decode(data []byte) (S, error)
}

// JSONCodec encodes state with encoding/json. Map keys are sorted by the encoder,
// so equal states produce equal bytes.
type JSONCodec[S any] struct{}

// Encode implements Codec.
func (JSONCodec[S]) Encode(state S) ([]byte, error) {
	return json.Marshal(state)
}

// Decode implements Codec.
func (JSONCodec[S]) Decode(data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}
