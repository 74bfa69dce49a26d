package smfleet

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the grpc wire subtype ("application/grpc+json").
// SM fleet messages are plain structs, not protoc-generated types, so the
// client dials with grpc.CallContentSubtype(codecName); a plain
// grpc.NewServer() then picks this registered codec from the request's
// content subtype instead of the default proto codec.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("smfleet: marshal %T: %w", v, err)
	}

	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("smfleet: unmarshal into %T: %w", v, err)
	}

	return nil
}
