// Package rpc exposes the environment as a gRPC service and talks to remote
// policies over gRPC. Messages are protobuf well-known types (Struct,
// ListValue, wrappers), so no generated stubs are needed.
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region state
func stateToList(s env.State) *structpb.ListValue {
	v := s.Vector()
	values := make([]*structpb.Value, len(v))
	for i, f := range v {
		values[i] = structpb.NewNumberValue(f)
	}
	return &structpb.ListValue{Values: values}
}

func listToState(l *structpb.ListValue) (env.State, error) {
	if l == nil || len(l.Values) != env.StateDim {
		n := 0
		if l != nil {
			n = len(l.Values)
		}
		return env.State{}, fmt.Errorf("state vector has %d values, want %d", n, env.StateDim)
	}
	var v [env.StateDim]float64
	for i, val := range l.Values {
		num, ok := val.Kind.(*structpb.Value_NumberValue)
		if !ok {
			return env.State{}, fmt.Errorf("state[%d] is not a number", i)
		}
		v[i] = num.NumberValue
	}
	return env.StateFromVector(v), nil
}
// #endregion state

// #region info
func infoToStruct(info env.Info) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"anomaly_present":  structpb.NewBoolValue(info.AnomalyPresent),
		"anomaly_resolved": structpb.NewBoolValue(info.AnomalyResolved),
		"recovery_time":    structpb.NewNumberValue(float64(info.RecoveryTime)),
		"uptime":           structpb.NewBoolValue(info.Uptime),
	}}
}

func structToInfo(s *structpb.Struct) env.Info {
	return env.Info{
		AnomalyPresent:  boolField(s, "anomaly_present"),
		AnomalyResolved: boolField(s, "anomaly_resolved"),
		RecoveryTime:    int(numberField(s, "recovery_time")),
		Uptime:          boolField(s, "uptime"),
	}
}
// #endregion info

// #region fields
func field(s *structpb.Struct, name string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	if _, null := v.Kind.(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func boolField(s *structpb.Struct, name string) bool {
	v, ok := field(s, name)
	return ok && v.GetBoolValue()
}

func numberField(s *structpb.Struct, name string) float64 {
	v, ok := field(s, name)
	if !ok {
		return 0
	}
	return v.GetNumberValue()
}

// asNumber returns v's number, failing for any other kind.
func asNumber(v *structpb.Value) (float64, bool) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func asBool(v *structpb.Value) (bool, bool) {
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, false
	}
	return b.BoolValue, true
}

func stringField(s *structpb.Struct, name string) string {
	v, ok := field(s, name)
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
// #endregion fields
