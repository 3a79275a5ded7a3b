// Package codec implements Zaku's self-describing binary payload format.
//
// A Value is a tagged union covering the primitive kinds every task and
// pub/sub payload is built from (null, bool, int, float, string, bytes,
// list, map) plus two domain extensions used throughout ML task payloads:
// ndarray (row-major multi-dimensional numeric arrays) and image (encoded
// image bytes with an optional shape hint).
//
// Encoding rides on top of github.com/fxamacker/cbor/v2: scalars, arrays and
// the ndarray/image wire structs are handed to the library directly, while
// Value and Map implement cbor.Marshaler/cbor.Unmarshaler so that maps keep
// their insertion order across an encode/decode/re-encode cycle, which plain
// Go maps cannot guarantee.
package codec

import "fmt"

// Kind identifies the concrete shape a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindNDArray
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindNDArray:
		return "ndarray"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a self-describing dynamic payload value. The zero Value is null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	list  []*Value
	m     *Map
	nd    *NDArray
	img   *Image
}

// Kind reports which variant v holds.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// Constructors. Each returns a freshly allocated *Value of the given kind.

func Null() *Value { return &Value{kind: KindNull} }

func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

func Int(i int64) *Value { return &Value{kind: KindInt, i: i} }

func Float(f float64) *Value { return &Value{kind: KindFloat, f: f} }

func String(s string) *Value { return &Value{kind: KindString, s: s} }

func Bytes(b []byte) *Value { return &Value{kind: KindBytes, bytes: b} }

func List(items ...*Value) *Value { return &Value{kind: KindList, list: items} }

func MapValue(m *Map) *Value {
	if m == nil {
		m = NewMap()
	}
	return &Value{kind: KindMap, m: m}
}

func NDArrayValue(nd *NDArray) *Value { return &Value{kind: KindNDArray, nd: nd} }

func ImageValue(img *Image) *Value { return &Value{kind: KindImage, img: img} }

// Accessors. Each reports ok=false if v is not of the matching kind.

func (v *Value) AsBool() (bool, bool) {
	if v == nil || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v *Value) AsInt() (int64, bool) {
	if v == nil || v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v *Value) AsFloat() (float64, bool) {
	if v == nil || v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v *Value) AsString() (string, bool) {
	if v == nil || v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v *Value) AsBytes() ([]byte, bool) {
	if v == nil || v.kind != KindBytes {
		return nil, false
	}
	return v.bytes, true
}

func (v *Value) AsList() ([]*Value, bool) {
	if v == nil || v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v *Value) AsMap() (*Map, bool) {
	if v == nil || v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v *Value) AsNDArray() (*NDArray, bool) {
	if v == nil || v.kind != KindNDArray {
		return nil, false
	}
	return v.nd, true
}

func (v *Value) AsImage() (*Image, bool) {
	if v == nil || v.kind != KindImage {
		return nil, false
	}
	return v.img, true
}

// IsNull reports whether v is null (including a nil *Value, which decodes
// and encodes the same as an explicit null).
func (v *Value) IsNull() bool {
	return v == nil || v.kind == KindNull
}
