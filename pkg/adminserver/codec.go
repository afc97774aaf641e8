package adminserver

import "encoding/json"

// jsonCodec lets AdminService exchange plain Go structs over gRPC
// without a .proto-generated message type: every request/response
// here is a JSON document rather than a protobuf message. Registered
// under the "json" content-subtype so it never shadows grpc-go's
// built-in "proto" codec used by other services on the same process.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
