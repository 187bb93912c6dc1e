package connect

import "encoding/json"

// JSONCodec encodes messages with encoding/json. It is registered under the
// name "json", so Connect clients send application/json and gRPC clients
// application/grpc+json.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (JSONCodec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }
