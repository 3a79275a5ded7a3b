package codec

import "fmt"

// DType enumerates the scalar element types an NDArray's Data may hold.
type DType uint8

const (
	F16 DType = iota
	F32
	F64
	I8
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	DBool
)

var dtypeNames = [...]string{"f16", "f32", "f64", "i8", "i16", "i32", "i64", "u8", "u16", "u32", "u64", "bool"}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ElemSize returns the width in bytes of one element of the given dtype.
func (d DType) ElemSize() int {
	switch d {
	case F16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	case I8, U8, DBool:
		return 1
	case I16, U16:
		return 2
	case I32, U32:
		return 4
	case I64, U64:
		return 8
	default:
		return 0
	}
}

// NDArray is a row-major multi-dimensional numeric array, the codec's
// tensor extension type.
type NDArray struct {
	DType DType
	Shape []int64
	Data  []byte
}

// NewNDArray validates shape against the byte length of data for dtype and
// returns the assembled array.
func NewNDArray(dtype DType, shape []int64, data []byte) (*NDArray, error) {
	nd := &NDArray{DType: dtype, Shape: shape, Data: data}
	if err := nd.Validate(); err != nil {
		return nil, err
	}
	return nd, nil
}

// NumElements returns the product of the shape dimensions.
func (nd *NDArray) NumElements() int64 {
	if nd == nil {
		return 0
	}
	n := int64(1)
	for _, d := range nd.Shape {
		n *= d
	}
	return n
}

// Validate reports whether Data's length matches Shape and DType.
func (nd *NDArray) Validate() error {
	if nd == nil {
		return fmt.Errorf("codec: nil ndarray")
	}
	elemSize := nd.DType.ElemSize()
	if elemSize == 0 {
		return fmt.Errorf("codec: unknown ndarray dtype %d", uint8(nd.DType))
	}
	for _, d := range nd.Shape {
		if d < 0 {
			return fmt.Errorf("codec: negative ndarray dimension %d", d)
		}
	}
	want := nd.NumElements() * int64(elemSize)
	if want != int64(len(nd.Data)) {
		return fmt.Errorf("codec: ndarray data length %d does not match shape %v dtype %s (want %d bytes)", len(nd.Data), nd.Shape, nd.DType, want)
	}
	return nil
}

// ndarrayWire is the fixed-shape CBOR struct carried as the content of the
// ndarray extension tag. Field order is the declaration order below and is
// never sorted by the encoder, so it re-encodes byte-for-byte.
type ndarrayWire struct {
	DType uint8   `cbor:"1,keyasint"`
	Shape []int64 `cbor:"2,keyasint"`
	Data  []byte  `cbor:"3,keyasint"`
}
