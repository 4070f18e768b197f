package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Kind is the type of an attribute value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBytes
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is an attribute value. Only the field for Kind is used. Make values
// with String, Int, Bytes, List and Map.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Bytes []byte
	List  []Value
	Map   Attributes
}

// Attributes are named values that travel with a record, e.g. for
// processing stages to pass information along.
type Attributes map[string]Value

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Kind: KindBytes, Bytes: b}
}
func List(l ...Value) Value {
	if l == nil {
		l = []Value{}
	}
	return Value{Kind: KindList, List: l}
}
func Map(m Attributes) Value {
	if m == nil {
		m = Attributes{}
	}
	return Value{Kind: KindMap, Map: m}
}

// String returns a representation of the value for display, e.g. in the admin
// tools.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case KindList:
		l := make([]string, len(v.List))
		for i, e := range v.List {
			l[i] = e.String()
		}
		return "[" + strings.Join(l, ", ") + "]"
	case KindMap:
		return v.Map.String()
	}
	return "?"
}

func (a Attributes) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := make([]string, len(keys))
	for i, k := range keys {
		l[i] = fmt.Sprintf("%q: %s", k, a[k])
	}
	return "{" + strings.Join(l, ", ") + "}"
}

// Attributes are stored as a version byte followed by CBOR. Blobs without the
// version byte were written by older software and are ignored.
const attrVersion = 0x01

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoding mode: %v", err))
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: 64}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoding mode: %v", err))
	}
}

var errMaxDepth = errors.New("attributes nested too deeply")

// EncodeAttributes returns the stored form of a. A nil or empty map encodes to
// nil.
func EncodeAttributes(a Attributes) ([]byte, error) {
	if len(a) == 0 {
		return nil, nil
	}
	m, err := attrsToCBOR(a, 0)
	if err != nil {
		return nil, err
	}
	buf, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return append([]byte{attrVersion}, buf...), nil
}

// DecodeAttributes parses attributes encoded by EncodeAttributes. An empty blob
// or a blob in an unrecognized legacy format results in an empty map without
// error. A corrupt blob results in an error.
func DecodeAttributes(buf []byte) (Attributes, error) {
	if len(buf) == 0 || buf[0] != attrVersion {
		return Attributes{}, nil
	}
	var x any
	if err := decMode.Unmarshal(buf[1:], &x); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	v, err := valueFromCBOR(x)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindMap {
		return nil, fmt.Errorf("attributes are %s, expected map", v.Kind)
	}
	return v.Map, nil
}

func attrsToCBOR(a Attributes, depth int) (map[string]any, error) {
	m := make(map[string]any, len(a))
	for k, v := range a {
		x, err := valueToCBOR(v, depth+1)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		m[k] = x
	}
	return m, nil
}

func valueToCBOR(v Value, depth int) (any, error) {
	if depth > 32 {
		return nil, errMaxDepth
	}
	switch v.Kind {
	case KindString:
		return v.Str, nil
	case KindInt:
		return v.Int, nil
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	case KindList:
		l := make([]any, len(v.List))
		for i, e := range v.List {
			x, err := valueToCBOR(e, depth+1)
			if err != nil {
				return nil, fmt.Errorf("list element %d: %w", i, err)
			}
			l[i] = x
		}
		return l, nil
	case KindMap:
		return attrsToCBOR(v.Map, depth)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

func valueFromCBOR(x any) (Value, error) {
	switch t := x.(type) {
	case string:
		return String(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d out of range", t)
		}
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case []byte:
		return Bytes(t), nil
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			v, err := valueFromCBOR(e)
			if err != nil {
				return Value{}, fmt.Errorf("list element %d: %w", i, err)
			}
			l[i] = v
		}
		return List(l...), nil
	case map[any]any:
		m := make(Attributes, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("map key of type %T, expected string", k)
			}
			v, err := valueFromCBOR(e)
			if err != nil {
				return Value{}, fmt.Errorf("map key %q: %w", ks, err)
			}
			m[ks] = v
		}
		return Map(m), nil
	case map[string]any:
		m := make(Attributes, len(t))
		for k, e := range t {
			v, err := valueFromCBOR(e)
			if err != nil {
				return Value{}, fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = v
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("unsupported value of type %T", x)
}
