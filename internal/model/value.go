package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

type ValueType string

const (
	ValueString  ValueType = "string"
	ValueInteger ValueType = "integer"
	ValueFloat   ValueType = "float"
	ValueBoolean ValueType = "boolean"
	ValueArray   ValueType = "array"
	ValueObject  ValueType = "object"
)

// Value is a tagged configuration value. Exactly one payload field is meaningful, selected by Type.
type Value struct {
	Type   ValueType
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	Array  []Value
	Object map[string]Value
}

func StringValue(s string) Value           { return Value{Type: ValueString, Str: s} }
func IntValue(i int64) Value               { return Value{Type: ValueInteger, Int: i} }
func FloatValue(f float64) Value           { return Value{Type: ValueFloat, Float: f} }
func BoolValue(b bool) Value               { return Value{Type: ValueBoolean, Bool: b} }
func ArrayValue(vs ...Value) Value         { return Value{Type: ValueArray, Array: vs} }
func ObjectValue(m map[string]Value) Value { return Value{Type: ValueObject, Object: m} }

func (v Value) AsString() (string, bool) { return v.Str, v.Type == ValueString }
func (v Value) AsInt() (int64, bool)     { return v.Int, v.Type == ValueInteger }
func (v Value) AsBool() (bool, bool)     { return v.Bool, v.Type == ValueBoolean }
func (v Value) AsArray() ([]Value, bool) { return v.Array, v.Type == ValueArray }

func (v Value) AsFloat() (float64, bool) {
	switch v.Type {
	case ValueFloat:
		return v.Float, true
	case ValueInteger:
		return float64(v.Int), true
	}
	return 0, false
}

func (v Value) AsObject() (map[string]Value, bool) { return v.Object, v.Type == ValueObject }

func (v Value) String() string {
	switch v.Type {
	case ValueString:
		return v.Str
	case ValueInteger:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueBoolean:
		return strconv.FormatBool(v.Bool)
	case ValueArray:
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case ValueObject:
		keys := make([]string, 0, len(v.Object))
		for k := range v.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.Object[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueString:
		return v.Str == o.Str
	case ValueInteger:
		return v.Int == o.Int
	case ValueFloat:
		return v.Float == o.Float
	case ValueBoolean:
		return v.Bool == o.Bool
	case ValueArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	case ValueObject:
		if len(v.Object) != len(o.Object) {
			return false
		}
		for k, e := range v.Object {
			oe, ok := o.Object[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return true
}

// ParseValue infers a scalar value from CLI text: integers, floats and booleans are recognised,
// everything else is a string.
func ParseValue(s string) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return BoolValue(b)
	}
	return StringValue(s)
}

type valueDoc struct {
	Type  ValueType   `yaml:"type"`
	Value yamlv3.Node `yaml:"value,omitempty"`
}

// MarshalYAML writes {type: ..., value: ...} so the tag survives round-trips.
func (v Value) MarshalYAML() (any, error) {
	out := map[string]any{"type": string(v.Type)}
	switch v.Type {
	case ValueString:
		out["value"] = v.Str
	case ValueInteger:
		out["value"] = v.Int
	case ValueFloat:
		out["value"] = v.Float
	case ValueBoolean:
		out["value"] = v.Bool
	case ValueArray:
		arr := v.Array
		if arr == nil {
			arr = []Value{}
		}
		out["value"] = arr
	case ValueObject:
		obj := v.Object
		if obj == nil {
			obj = map[string]Value{}
		}
		out["value"] = obj
	default:
		return nil, fmt.Errorf("unknown value type %q", v.Type)
	}
	return out, nil
}

func (v *Value) UnmarshalYAML(node *yamlv3.Node) error {
	var doc valueDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	nv := Value{Type: doc.Type}
	var err error
	switch doc.Type {
	case ValueString:
		err = doc.Value.Decode(&nv.Str)
	case ValueInteger:
		err = doc.Value.Decode(&nv.Int)
	case ValueFloat:
		err = doc.Value.Decode(&nv.Float)
	case ValueBoolean:
		err = doc.Value.Decode(&nv.Bool)
	case ValueArray:
		err = doc.Value.Decode(&nv.Array)
	case ValueObject:
		err = doc.Value.Decode(&nv.Object)
	default:
		return fmt.Errorf("line %d: unknown value type %q", node.Line, doc.Type)
	}
	if err != nil {
		return fmt.Errorf("line %d: decode %s value: %w", node.Line, doc.Type, err)
	}
	*v = nv
	return nil
}
