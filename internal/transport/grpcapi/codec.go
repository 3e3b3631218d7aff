package grpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the gRPC content-subtype for this service.
// There is no protoc toolchain available to generate wire-compatible
// protobuf stubs for this codebase, so Submit/OpenIsland/CloseIsland/
// VerifyChain/Tip messages travel as JSON over the same grpc transport
// (framing, method routing, deadlines, status codes) instead of the
// protobuf wire format the .proto file documents as the intended
// contract once stubs are generated.
const codecName = "govspine-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcapi: unmarshal into %T: %w", v, err)
	}
	return nil
}
