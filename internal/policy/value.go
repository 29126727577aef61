package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the closed set of shapes a client-bound value can take.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindObject
	KindArray
	// KindOpaque wraps a Go value json cannot encode, such as a func or a channel.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Field is one key of an object. Objects keep their fields in insertion order.
type Field struct {
	Key   string
	Value Value
}

// Value is an immutable tagged variant. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	num    json.Number
	text   string
	fields []Field
	items  []Value
	opaque any
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Text(s string) Value { return Value{kind: KindText, text: s} }

func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

func Object(fields ...Field) Value { return Value{kind: KindObject, fields: fields} }

func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Opaque wraps v without inspecting it. Sanitize unpacks any structure v holds.
func Opaque(v any) Value { return Value{kind: KindOpaque, opaque: v} }

// F is shorthand for building object fields.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsText() (string, bool) { return v.text, v.kind == KindText }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (json.Number, bool) { return v.num, v.kind == KindNumber }

func (v Value) Fields() []Field { return v.fields }

func (v Value) Items() []Value { return v.items }

// Get returns the first field named key.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// FromAny converts ordinary Go data into a Value. Structs and typed maps go through a
// JSON round trip; when that fails they are walked field by field, and only the leaves
// that cannot be marshaled become Opaque.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case string:
		return Text(t)
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10)))
	case uint8:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10)))
	case uint16:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10)))
	case uint32:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10)))
	case uint64:
		return Number(json.Number(strconv.FormatUint(t, 10)))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case time.Time:
		return Text(t.Format(time.RFC3339Nano))
	case json.RawMessage:
		if v, err := ParseJSON(t); err == nil {
			return v
		}
		return Text(string(t))
	case []byte:
		if v, err := ParseJSON(t); err == nil {
			return v
		}
		return Text(string(t))
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, FromAny(item))
		}
		return Array(items...)
	}
	return fromReflect(reflect.ValueOf(x), 0)
}

// maxReflectDepth stops the walk on self-referencing data.
const maxReflectDepth = 32

var (
	timeType  = reflect.TypeOf(time.Time{})
	valueType = reflect.TypeOf(Value{})
)

// fromReflect converts rv through a JSON round trip when it encodes, and otherwise walks
// structs, maps and slices field by field so that only leaves json cannot encode
// (funcs, channels, complex numbers) end up Opaque.
func fromReflect(rv reflect.Value, depth int) Value {
	if !rv.IsValid() || depth > maxReflectDepth {
		return Null()
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		if rv.Kind() == reflect.Interface {
			return fromReflect(rv.Elem(), depth+1)
		}
	}
	if rv.Type() == valueType && rv.CanInterface() {
		v := rv.Interface().(Value)
		if v.kind == KindOpaque {
			return fromReflect(reflect.ValueOf(v.opaque), depth+1)
		}
		return v
	}
	if rv.Type() == timeType && rv.CanInterface() {
		return Text(rv.Interface().(time.Time).Format(time.RFC3339Nano))
	}
	if rv.CanInterface() {
		if raw, err := json.Marshal(rv.Interface()); err == nil {
			if v, err := ParseJSON(raw); err == nil {
				return v
			}
		}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return fromReflect(rv.Elem(), depth+1)
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(json.Number(strconv.FormatUint(rv.Uint(), 10)))
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	case reflect.String:
		return Text(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null()
		}
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items = append(items, fromReflect(rv.Index(i), depth+1))
		}
		return Array(items...)
	case reflect.Map:
		if rv.IsNil() {
			return Null()
		}
		keys := rv.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = mapKeyString(k)
		}
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })
		fields := make([]Field, 0, len(keys))
		for _, i := range order {
			fields = append(fields, F(names[i], fromReflect(rv.MapIndex(keys[i]), depth+1)))
		}
		return Object(fields...)
	case reflect.Struct:
		return Object(structFields(rv, depth)...)
	}
	if rv.CanInterface() {
		return Opaque(rv.Interface())
	}
	return Null()
}

func mapKeyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

// structFields follows encoding/json naming: json tags rename or skip fields, omitempty
// drops zero values, and untagged embedded structs are flattened.
func structFields(rv reflect.Value, depth int) []Field {
	rt := rv.Type()
	fields := make([]Field, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)
		if sf.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				fields = append(fields, structFields(inner, depth+1)...)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if strings.Contains(","+opts+",", ",omitempty,") && fv.IsZero() {
			continue
		}
		fields = append(fields, F(name, fromReflect(fv, depth+1)))
	}
	return fields
}

var errTrailingData = errors.New("trailing data after json value")

// ParseJSON decodes a single JSON document, preserving object key order.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errTrailingData
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			fields := make([]Field, 0)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", keyTok)
				}
				item, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, F(key, item))
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Object(fields...), nil
		case '[':
			items := make([]Value, 0)
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Array(items...), nil
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return Text(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

// MarshalJSON writes compact JSON with object fields in order and without HTML escaping.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if !json.Valid([]byte(v.num)) {
			return fmt.Errorf("invalid number literal %q", string(v.num))
		}
		buf.WriteString(string(v.num))
	case KindText:
		return encodeJSON(buf, v.text)
	case KindObject:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSON(buf, f.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindOpaque:
		return encodeJSON(buf, v.opaque)
	default:
		return fmt.Errorf("unknown value kind %d", v.kind)
	}
	return nil
}

func encodeJSON(buf *bytes.Buffer, x any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(x); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// render is the best-effort textual form used when JSON encoding fails.
func render(v Value) string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return string(v.num)
	case KindText:
		return v.text
	case KindObject:
		parts := make([]string, 0, len(v.fields))
		for _, f := range v.fields {
			parts = append(parts, f.Key+": "+render(f.Value))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		parts := make([]string, 0, len(v.items))
		for _, item := range v.items {
			parts = append(parts, render(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindOpaque:
		return fmt.Sprint(v.opaque)
	default:
		return ""
	}
}
