// Package convert maps domain types to the google.protobuf.Struct messages
// carried by the fieldsync.v1.Entities gRPC API.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/fieldsync/internal/model"
)

// Service and method names of the entity API.
const (
	ServiceName = "fieldsync.v1.Entities"

	MethodCreate           = "/" + ServiceName + "/Create"
	MethodGet              = "/" + ServiceName + "/Get"
	MethodUpdate           = "/" + ServiceName + "/Update"
	MethodDelete           = "/" + ServiceName + "/Delete"
	MethodFindByNaturalKey = "/" + ServiceName + "/FindByNaturalKey"
)

// Request is the decoded form of every Entities call. Unused fields stay empty.
type Request struct {
	Domain          string
	TenantID        string
	EntityID        string
	Payload         model.Payload
	ExpectedVersion *int64
}

// --- helpers ---

// PayloadToStruct encodes any JSON-marshalable payload.
func PayloadToStruct(p model.Payload) (*structpb.Struct, error) {
	if p == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return s, nil
}

// PayloadFromStruct returns nil for a nil struct. Numbers come back as float64.
func PayloadFromStruct(s *structpb.Struct) model.Payload {
	if s == nil {
		return nil
	}
	return model.Payload(s.AsMap())
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func int64Field(s *structpb.Struct, key string) (*int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
		return nil, fmt.Errorf("%s: want integer", key)
	}
	i := int64(n.NumberValue)
	return &i, nil
}

// --- requests (client -> server) ---

// RequestToStruct encodes r for the wire.
func RequestToStruct(r Request) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{}
	if r.Domain != "" {
		fields["domain"] = structpb.NewStringValue(r.Domain)
	}
	if r.TenantID != "" {
		fields["tenant_id"] = structpb.NewStringValue(r.TenantID)
	}
	if r.EntityID != "" {
		fields["entity_id"] = structpb.NewStringValue(r.EntityID)
	}
	if r.Payload != nil {
		p, err := PayloadToStruct(r.Payload)
		if err != nil {
			return nil, err
		}
		fields["payload"] = structpb.NewStructValue(p)
	}
	if r.ExpectedVersion != nil {
		fields["expected_version"] = structpb.NewNumberValue(float64(*r.ExpectedVersion))
	}
	return &structpb.Struct{Fields: fields}, nil
}

// RequestFromStruct decodes a request; a malformed expected_version is an error.
func RequestFromStruct(s *structpb.Struct) (Request, error) {
	if s == nil {
		return Request{}, fmt.Errorf("nil request")
	}
	exp, err := int64Field(s, "expected_version")
	if err != nil {
		return Request{}, err
	}
	return Request{
		Domain:          str(s, "domain"),
		TenantID:        str(s, "tenant_id"),
		EntityID:        str(s, "entity_id"),
		Payload:         PayloadFromStruct(s.GetFields()["payload"].GetStructValue()),
		ExpectedVersion: exp,
	}, nil
}

// --- entities (server -> client) ---

// EntityToStruct encodes e. A nil entity becomes an empty struct.
func EntityToStruct(e *model.Entity) (*structpb.Struct, error) {
	if e == nil {
		return &structpb.Struct{}, nil
	}
	data, err := PayloadToStruct(e.Data)
	if err != nil {
		return nil, err
	}
	fields := map[string]*structpb.Value{
		"id":        structpb.NewStringValue(e.ID),
		"tenant_id": structpb.NewStringValue(e.TenantID),
		"version":   structpb.NewNumberValue(float64(e.Version)),
		"data":      structpb.NewStructValue(data),
	}
	if e.Domain != "" {
		fields["domain"] = structpb.NewStringValue(e.Domain)
	}
	if !e.UpdatedAt.IsZero() {
		fields["updated_at"] = structpb.NewStringValue(e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	return &structpb.Struct{Fields: fields}, nil
}

// EntityFromStruct decodes an entity; a struct without an id decodes to nil.
func EntityFromStruct(s *structpb.Struct) (*model.Entity, error) {
	id := str(s, "id")
	if id == "" {
		return nil, nil
	}
	ver, err := int64Field(s, "version")
	if err != nil {
		return nil, err
	}
	e := &model.Entity{
		ID:       id,
		TenantID: str(s, "tenant_id"),
		Domain:   str(s, "domain"),
		Data:     PayloadFromStruct(s.GetFields()["data"].GetStructValue()),
	}
	if ver != nil {
		e.Version = *ver
	}
	if ts := str(s, "updated_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		e.UpdatedAt = t
	}
	return e, nil
}

// VersionToStruct encodes the version a delete left behind.
func VersionToStruct(v int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"version": structpb.NewNumberValue(float64(v))}}
}
