package relay

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals the Router service's opaque MethodRequest/
// MethodResponse/StreamPayload envelopes as JSON instead of protobuf, so
// the relay's client-facing RPC surface (spec.md §6.2) needs no
// hand-transcribed .pb.go code (SPEC_FULL.md §6.1). It is registered
// under a distinct content-subtype so the standard grpc.health.v1.Health
// service on the same grpc.Server keeps using the real proto codec.
type jsonCodec struct{}

// CodecName is the grpc content-subtype the Router service registers
// its JSON codec under. Clients dialing betcode.v1.Router must pass
// grpc.CallContentSubtype(relay.CodecName) on every unary/stream call so
// grpc-go picks this codec instead of the default proto one.
const CodecName = "betcode-json"

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
