package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStructValue converts a JSON-encodable response into a protobuf Value
// with the same shape the JSON encoding has.
func toStructValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// grantRequestFromStruct reads a grant from a Struct.  expires_at may be a
// unix-seconds number or an RFC 3339 string.
func grantRequestFromStruct(st *structpb.Struct) (grantRequest, error) {
	f := st.GetFields()
	req := grantRequest{
		Zone:       f["zone"].GetStringValue(),
		MAC:        f["mac"].GetStringValue(),
		ProofToken: f["proof_token"].GetStringValue(),
		SourceAddr: f["source_addr"].GetStringValue(),
	}

	switch v := f["expires_at"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		req.ExpiresAt = time.Unix(int64(v.NumberValue), 0).UTC()
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339Nano, v.StringValue)
		if err != nil {
			return req, fmt.Errorf("expires_at: %w", err)
		}
		req.ExpiresAt = t.UTC()
	case nil:
	default:
		return req, fmt.Errorf("expires_at: unsupported type %T", v)
	}
	return req, nil
}
