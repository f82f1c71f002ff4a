package dataapi

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

// Struct field names of the DataPlane messages.
const (
	fieldFlag       = "flag"
	fieldUserID     = "user_id"
	fieldGroupIDs   = "group_ids"
	fieldAttributes = "attributes"
	fieldValue      = "value"
	fieldReason     = "reason"
	fieldTestID     = "test_id"
	fieldVariant    = "variant"
)

// EvaluateRequest is the Evaluate input:
//
//	{"flag": "checkout", "user_id": "u1", "group_ids": ["beta"], "attributes": {"country": "br"}}
type EvaluateRequest struct {
	Flag       string
	UserID     string
	GroupIDs   []string
	Attributes map[string]string
}

// EvaluateResponse is the Evaluate output: {"flag", "value", "reason"}.
type EvaluateResponse struct {
	Flag   string
	Value  bool
	Reason string
}

// VariantRequest is the GetVariant input: {"test_id", "user_id"}.
type VariantRequest struct {
	TestID string
	UserID string
}

// VariantResponse is the GetVariant output: {"test_id", "user_id", "variant"}.
type VariantResponse struct {
	TestID  string
	UserID  string
	Variant string
}

func (r EvaluateRequest) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		fieldFlag:   r.Flag,
		fieldUserID: r.UserID,
	}
	if len(r.GroupIDs) > 0 {
		groups := make([]any, len(r.GroupIDs))
		for i, g := range r.GroupIDs {
			groups[i] = g
		}
		fields[fieldGroupIDs] = groups
	}
	if len(r.Attributes) > 0 {
		attrs := make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		fields[fieldAttributes] = attrs
	}
	return structpb.NewStruct(fields)
}

func parseEvaluateRequest(s *structpb.Struct) (EvaluateRequest, error) {
	var req EvaluateRequest
	var err error

	if req.Flag, err = stringField(s, fieldFlag); err != nil {
		return req, err
	}
	if req.UserID, err = stringField(s, fieldUserID); err != nil {
		return req, err
	}

	if v, ok := s.GetFields()[fieldGroupIDs]; ok {
		list := v.GetListValue()
		if list == nil {
			return req, fmt.Errorf("%s must be a list of strings", fieldGroupIDs)
		}
		for i, item := range list.GetValues() {
			g, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return req, fmt.Errorf("%s[%d] must be a string", fieldGroupIDs, i)
			}
			req.GroupIDs = append(req.GroupIDs, g.StringValue)
		}
	}

	if v, ok := s.GetFields()[fieldAttributes]; ok {
		attrs := v.GetStructValue()
		if attrs == nil {
			return req, fmt.Errorf("%s must be an object", fieldAttributes)
		}
		req.Attributes = make(map[string]string, len(attrs.GetFields()))
		for k, item := range attrs.GetFields() {
			str, err := scalarString(item)
			if err != nil {
				return req, fmt.Errorf("%s.%s: %w", fieldAttributes, k, err)
			}
			req.Attributes[k] = str
		}
	}
	return req, nil
}

func (r EvaluateResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldFlag:   r.Flag,
		fieldValue:  r.Value,
		fieldReason: r.Reason,
	})
}

func parseEvaluateResponse(s *structpb.Struct) EvaluateResponse {
	f := s.GetFields()
	return EvaluateResponse{
		Flag:   f[fieldFlag].GetStringValue(),
		Value:  f[fieldValue].GetBoolValue(),
		Reason: f[fieldReason].GetStringValue(),
	}
}

func (r VariantRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTestID: r.TestID,
		fieldUserID: r.UserID,
	})
}

func parseVariantRequest(s *structpb.Struct) (VariantRequest, error) {
	var req VariantRequest
	var err error
	if req.TestID, err = stringField(s, fieldTestID); err != nil {
		return req, err
	}
	if req.UserID, err = stringField(s, fieldUserID); err != nil {
		return req, err
	}
	return req, nil
}

func (r VariantResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTestID:  r.TestID,
		fieldUserID:  r.UserID,
		fieldVariant: r.Variant,
	})
}

func parseVariantResponse(s *structpb.Struct) VariantResponse {
	f := s.GetFields()
	return VariantResponse{
		TestID:  f[fieldTestID].GetStringValue(),
		UserID:  f[fieldUserID].GetStringValue(),
		Variant: f[fieldVariant].GetStringValue(),
	}
}

// stringField returns "" for a missing or null field.
func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", fmt.Errorf("%s must be a string", key)
	}
}

// scalarString renders condition attributes; numbers and booleans are
// accepted because JSON clients rarely quote them.
func scalarString(v *structpb.Value) (string, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue), nil
	default:
		return "", fmt.Errorf("must be a string, number or boolean")
	}
}
