package server

import (
	"bytes"
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype: application/grpc+json.
const codecName = "json"

// jsonCodec carries the TaskService messages as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
