package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ValueKind tags the dynamic extension value sum
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is a tagged sum re-expressing the ad-hoc field maps of upstream
// producers: {Null, Bool, Int, Float, String, List, Map}. Serialization is
// canonical JSON; the integrity hash never covers extension values.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(v bool) Value            { return Value{kind: KindBool, b: v} }
func Int(v int64) Value            { return Value{kind: KindInt, i: v} }
func Float(v float64) Value        { return Value{kind: KindFloat, f: v} }
func String(v string) Value        { return Value{kind: KindString, s: v} }
func List(vs ...Value) Value       { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) BoolValue() bool     { return v.b }
func (v Value) IntValue() int64     { return v.i }
func (v Value) FloatValue() float64 { return v.f }
func (v Value) StringValue() string { return v.s }
func (v Value) ListValue() []Value  { return v.list }

func (v Value) MapValue() map[string]Value { return v.m }

// Clone deep-copies list and map values
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		list := make([]Value, len(v.list))
		for i, item := range v.list {
			list[i] = item.Clone()
		}
		return Value{kind: KindList, list: list}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// MarshalJSON renders canonical JSON: map keys sorted, integers without
// exponent notation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("non-finite float is not representable in JSON")
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON decodes arbitrary JSON into the tagged sum. Numbers
// without a fractional part decode as Int.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FromInterface converts a decoded JSON value into the tagged sum
func FromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("unrepresentable number %q", t.String())
		}
		return Float(f), nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		list := make([]Value, len(t))
		for i, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
		}
		return List(list...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported extension type %T", raw)
	}
}

// Interface converts back to plain Go values for encoding into storage
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}
