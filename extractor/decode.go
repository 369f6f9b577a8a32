package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/maxpert/tailbridge/encoding"
)

var zstdDecoder, _ = zstd.NewReader(nil)

// Decode reverses Extract for consumers, using the attribute map published with the payload
func Decode(payload []byte, attrs map[string]string) (map[string]any, error) {
	if attrs[AttrEncoding] == "zstd" {
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload = raw
	}

	out := make(map[string]any)
	switch attrs[AttrFormat] {
	case FormatMsgpack:
		if err := encoding.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
	case FormatProtobuf:
		var st structpb.Struct
		if err := proto.Unmarshal(payload, &st); err != nil {
			return nil, err
		}
		out = st.AsMap()
	case FormatJSON, "":
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown payload format: %s", attrs[AttrFormat])
	}
	return out, nil
}
