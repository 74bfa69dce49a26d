package iamclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec mirrors rpc/smfleet's codec: a plain JSON encoding.Codec so
// the IAM client's gRPC connection carries no fabricated protobuf
// descriptor bytes, same as the SM fleet control plane.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
