package codec

import "fmt"

// Image is the codec's image extension type: already-encoded image bytes
// (e.g. PNG or JPEG) plus an optional pixel shape hint.
type Image struct {
	Format string
	Data   []byte
	Shape  []int64 // optional; nil when unknown
}

// Validate checks that Format is non-empty, since it is required to
// interpret Data.
func (img *Image) Validate() error {
	if img == nil {
		return fmt.Errorf("codec: nil image")
	}
	if img.Format == "" {
		return fmt.Errorf("codec: image missing format")
	}
	return nil
}

// imageWire is the fixed-shape CBOR struct carried as the content of the
// image extension tag.
type imageWire struct {
	Format string  `cbor:"1,keyasint"`
	Data   []byte  `cbor:"2,keyasint"`
	Shape  []int64 `cbor:"3,keyasint,omitempty"`
}
