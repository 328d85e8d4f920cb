package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable JSON-compatible value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(f float64) Value { return Value{kind: KindNumber, n: f} }
func Int(i int64) Value      { return Value{kind: KindNumber, n: float64(i)} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// Array builds an array value. The slice is copied.
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

// Object builds an object value. The map is copied; a nil map yields {}.
func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

// Strings is a convenience for an array of string values.
func Strings(ss ...string) Value {
	items := make([]Value, len(ss))
	for i, s := range ss {
		items[i] = String(s)
	}
	return Value{kind: KindArray, arr: items}
}

// StringMap converts a string-to-string mapping into an object value.
func StringMap(m map[string]string) Value {
	fields := make(map[string]Value, len(m))
	for k, v := range m {
		fields[k] = String(v)
	}
	return Value{kind: KindObject, obj: fields}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool reports the boolean and whether v is a bool at all.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Len returns the number of array items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Index returns the i-th array item, or null when out of range or not an array.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Value{}
	}
	return v.arr[i]
}

// Items returns a copy of the array items.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	cp := make([]Value, len(v.arr))
	copy(cp, v.arr)
	return cp
}

// Get looks up an object field.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Keys returns object keys in ascending order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy of the object fields.
func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}
	cp := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		cp[k] = f
	}
	return cp
}

// Interface converts v back into plain Go values (nil, bool, float64,
// string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON emits compact, non-canonical JSON. Use Encode for hashing.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil, &SerializationError{Reason: fmt.Sprintf("number %v is not representable in JSON", v.n)}
		}
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, &SerializationError{Reason: "unknown value kind " + v.kind.String()}
}

// UnmarshalJSON lets Value sit inside ordinary structs.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FromAny converts a plain Go value into a Value. Types outside the JSON
// data model fail with a *SerializationError naming the offending path.
func FromAny(x any) (Value, error) {
	return fromAny(x, "$")
}

func fromAny(x any, path string) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return checkedNumber(t, path)
	case float32:
		return checkedNumber(float64(t), path)
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, &SerializationError{Path: path, Reason: fmt.Sprintf("invalid number %q", t.String())}
		}
		return checkedNumber(f, path)
	case []Value:
		return Array(t...), nil
	case []string:
		return Strings(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			iv, err := fromAny(item, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return Value{}, err
			}
			items[i] = iv
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]Value:
		return Object(t), nil
	case map[string]string:
		return StringMap(t), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fv, err := fromAny(item, path+"."+k)
			if err != nil {
				return Value{}, err
			}
			fields[k] = fv
		}
		return Value{kind: KindObject, obj: fields}, nil
	default:
		return Value{}, &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", x)}
	}
}

func checkedNumber(f float64, path string) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, &SerializationError{Path: path, Reason: fmt.Sprintf("number %v is not representable in JSON", f)}
	}
	return Number(f), nil
}

// MustFromAny is FromAny for literals known to be valid. It panics otherwise.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}
