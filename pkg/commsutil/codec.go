package commsutil

import jsoniter "github.com/json-iterator/go"

// json matches encoding/json output byte for byte, so frozen transaction bodies and
// base64 entry payloads survive the dev log request subjects unchanged.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodePayload renders a dev log request, reply or KV record.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload parses a dev log request, reply or KV record into v.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
