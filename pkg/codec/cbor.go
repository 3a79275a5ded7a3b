package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Tag numbers for the codec's extension types. These sit in CBOR's
// unassigned range (IANA's low single/double-digit tags and 55799 are
// reserved for well-known semantics); Zaku claims two private-use numbers
// for its own wire format rather than registering with IANA.
const (
	ndarrayTag = 94000
	imageTag   = 94001
)

// Encode serializes v to its canonical byte representation.
func Encode(v *Value) ([]byte, error) {
	if v == nil {
		v = Null()
	}
	return v.MarshalCBOR()
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Value, error) {
	v := &Value{}
	if err := v.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return v, nil
}

// readHeader parses the initial CBOR major-type/argument pair at the start
// of data. It returns the major type (0-7), the decoded argument (a length,
// count, tag number, or simple-value/float-bits payload depending on major),
// and the number of bytes the header itself occupies.
func readHeader(data []byte) (major byte, arg uint64, hdrLen int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	first := data[0]
	major = first >> 5
	ai := first & 0x1F
	switch {
	case ai < 24:
		return major, uint64(ai), 1, nil
	case ai == 24:
		if len(data) < 2 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(data[1]), 2, nil
	case ai == 25:
		if len(data) < 3 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(binary.BigEndian.Uint16(data[1:3])), 3, nil
	case ai == 26:
		if len(data) < 5 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, uint64(binary.BigEndian.Uint32(data[1:5])), 5, nil
	case ai == 27:
		if len(data) < 9 {
			return 0, 0, 0, io.ErrUnexpectedEOF
		}
		return major, binary.BigEndian.Uint64(data[1:9]), 9, nil
	default:
		return 0, 0, 0, fmt.Errorf("codec: unsupported additional info %d (indefinite-length items are not produced or accepted)", ai)
	}
}

// itemLen returns the total encoded length, in bytes, of the single CBOR
// data item beginning at data[0]. Used only to locate successive key/value
// pairs inside a map body, where the library has no order-preserving
// decode target.
func itemLen(data []byte) (int, error) {
	major, arg, hdrLen, err := readHeader(data)
	if err != nil {
		return 0, err
	}
	switch major {
	case 0, 1, 7:
		return hdrLen, nil
	case 2, 3:
		end := hdrLen + int(arg)
		if end > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		return end, nil
	case 4:
		n := hdrLen
		for i := uint64(0); i < arg; i++ {
			l, err := itemLen(data[n:])
			if err != nil {
				return 0, err
			}
			n += l
		}
		return n, nil
	case 5:
		n := hdrLen
		for i := uint64(0); i < arg*2; i++ {
			l, err := itemLen(data[n:])
			if err != nil {
				return 0, err
			}
			n += l
		}
		return n, nil
	case 6:
		l, err := itemLen(data[hdrLen:])
		if err != nil {
			return 0, err
		}
		return hdrLen + l, nil
	default:
		return 0, fmt.Errorf("codec: unsupported major type %d", major)
	}
}

func writeTypeHeader(buf []byte, major byte, n uint64) []byte {
	switch {
	case n < 24:
		return append(buf, major<<5|byte(n))
	case n <= 0xFF:
		return append(buf, major<<5|24, byte(n))
	case n <= 0xFFFF:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		return append(append(buf, major<<5|25), b...)
	case n <= 0xFFFFFFFF:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		return append(append(buf, major<<5|26), b...)
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, n)
		return append(append(buf, major<<5|27), b...)
	}
}

// MarshalCBOR implements cbor.Marshaler. Scalars and ndarray/image delegate
// to the library; maps are hand-assembled to guarantee insertion order.
func (v *Value) MarshalCBOR() ([]byte, error) {
	if v == nil {
		return cbor.Marshal(nil)
	}
	switch v.kind {
	case KindNull:
		return cbor.Marshal(nil)
	case KindBool:
		return cbor.Marshal(v.b)
	case KindInt:
		return cbor.Marshal(v.i)
	case KindFloat:
		return cbor.Marshal(v.f)
	case KindString:
		return cbor.Marshal(v.s)
	case KindBytes:
		return cbor.Marshal(v.bytes)
	case KindList:
		return cbor.Marshal(v.list)
	case KindMap:
		return v.m.MarshalCBOR()
	case KindNDArray:
		if err := v.nd.Validate(); err != nil {
			return nil, err
		}
		content, err := cbor.Marshal(ndarrayWire{DType: uint8(v.nd.DType), Shape: v.nd.Shape, Data: v.nd.Data})
		if err != nil {
			return nil, err
		}
		return wrapTag(ndarrayTag, content), nil
	case KindImage:
		if err := v.img.Validate(); err != nil {
			return nil, err
		}
		content, err := cbor.Marshal(imageWire{Format: v.img.Format, Data: v.img.Data, Shape: v.img.Shape})
		if err != nil {
			return nil, err
		}
		return wrapTag(imageTag, content), nil
	default:
		return nil, fmt.Errorf("codec: unknown value kind %d", uint8(v.kind))
	}
}

func wrapTag(tag uint64, content []byte) []byte {
	buf := writeTypeHeader(nil, 6, tag)
	return append(buf, content...)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	major, arg, hdrLen, err := readHeader(data)
	if err != nil {
		return err
	}
	switch major {
	case 0:
		var i uint64
		if err := cbor.Unmarshal(data, &i); err != nil {
			return err
		}
		*v = *Int(int64(i))
	case 1:
		var i int64
		if err := cbor.Unmarshal(data, &i); err != nil {
			return err
		}
		*v = *Int(i)
	case 2:
		var b []byte
		if err := cbor.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = *Bytes(b)
	case 3:
		var s string
		if err := cbor.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = *String(s)
	case 4:
		var raws []cbor.RawMessage
		if err := cbor.Unmarshal(data, &raws); err != nil {
			return err
		}
		items := make([]*Value, len(raws))
		for i, raw := range raws {
			item := &Value{}
			if err := item.UnmarshalCBOR(raw); err != nil {
				return err
			}
			items[i] = item
		}
		*v = *List(items...)
	case 5:
		m := NewMap()
		if err := m.UnmarshalCBOR(data); err != nil {
			return err
		}
		*v = *MapValue(m)
	case 6:
		var rt cbor.RawTag
		if err := cbor.Unmarshal(data, &rt); err != nil {
			return err
		}
		switch rt.Number {
		case ndarrayTag:
			var w ndarrayWire
			if err := cbor.Unmarshal(rt.Content, &w); err != nil {
				return err
			}
			nd, err := NewNDArray(DType(w.DType), w.Shape, w.Data)
			if err != nil {
				return err
			}
			*v = *NDArrayValue(nd)
		case imageTag:
			var w imageWire
			if err := cbor.Unmarshal(rt.Content, &w); err != nil {
				return err
			}
			img := &Image{Format: w.Format, Data: w.Data, Shape: w.Shape}
			if err := img.Validate(); err != nil {
				return err
			}
			*v = *ImageValue(img)
		default:
			return fmt.Errorf("codec: unknown extension tag %d", rt.Number)
		}
	case 7:
		switch arg {
		case 20:
			*v = *Bool(false)
		case 21:
			*v = *Bool(true)
		case 22, 23:
			*v = *Null()
		default:
			var f float64
			if err := cbor.Unmarshal(data, &f); err != nil {
				return err
			}
			*v = *Float(f)
		}
	default:
		return fmt.Errorf("codec: unsupported major type %d", major)
	}
	_ = hdrLen
	return nil
}

// MarshalCBOR implements cbor.Marshaler for Map, writing a definite-length
// CBOR map header followed by key/value pairs in insertion order.
func (m *Map) MarshalCBOR() ([]byte, error) {
	if m == nil {
		m = NewMap()
	}
	buf := writeTypeHeader(nil, 5, uint64(m.Len()))
	for i, k := range m.keys {
		kb, err := cbor.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		vb, err := m.vals[i].MarshalCBOR()
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return buf, nil
}

// UnmarshalCBOR implements cbor.Unmarshaler for Map, preserving the
// on-the-wire key order.
func (m *Map) UnmarshalCBOR(data []byte) error {
	major, count, hdrLen, err := readHeader(data)
	if err != nil {
		return err
	}
	if major != 5 {
		return fmt.Errorf("codec: expected map (major type 5), got %d", major)
	}
	*m = *NewMap()
	pos := hdrLen
	for i := uint64(0); i < count; i++ {
		if pos >= len(data) {
			return io.ErrUnexpectedEOF
		}
		kl, err := itemLen(data[pos:])
		if err != nil {
			return err
		}
		var key string
		if err := cbor.Unmarshal(data[pos:pos+kl], &key); err != nil {
			return fmt.Errorf("codec: map key must be a string: %w", err)
		}
		pos += kl

		vl, err := itemLen(data[pos:])
		if err != nil {
			return err
		}
		val := &Value{}
		if err := val.UnmarshalCBOR(data[pos : pos+vl]); err != nil {
			return err
		}
		pos += vl

		m.Set(key, val)
	}
	return nil
}
