package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global encoding registry and
// must match the name passed via grpc.CallContentSubtype/
// grpc.ForceServerCodec on both the client and server, since this
// package has no protoc-generated stubs to carry the usual "proto"
// codec's message type.
const codecName = "flowengine-json"

// jsonCodec implements encoding.Codec over JSON, standing in for the
// protobuf wire codec the teacher's generated stubs use. Registered in
// init() so any grpc.Dial/grpc.NewServer in this process picks it up
// by name.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flowengine-json: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("flowengine-json: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
