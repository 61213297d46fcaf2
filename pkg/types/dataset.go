package types

import "fmt"

// Payload is the data half of a Dataset: a *Table, Metadata or an *Image.
type Payload interface {
	Kind() PayloadKind
}

// Metadata is a small key-value payload, typically decoded from JSON.
type Metadata map[string]any

// Kind implements Payload.
func (Metadata) Kind() PayloadKind { return KindMetadata }

// Image is a row-major 2D array of float64 values.
type Image struct {
	Rows int
	Cols int
	Pix  []float64
}

// NewImage returns an image over pix, which must hold rows*cols values.
func NewImage(rows, cols int, pix []float64) (*Image, error) {
	if rows < 0 || cols < 0 || len(pix) != rows*cols {
		return nil, fmt.Errorf("%w: image %dx%d cannot hold %d values", ErrPayloadKind, rows, cols, len(pix))
	}
	return &Image{Rows: rows, Cols: cols, Pix: pix}, nil
}

// Kind implements Payload.
func (*Image) Kind() PayloadKind { return KindImage }

// At returns the pixel at row r, column c.
func (im *Image) At(r, c int) float64 { return im.Pix[r*im.Cols+c] }

// Dataset pairs an Identifier with its payload. It is the unit written by
// Datastore.Put and returned by Datastore.Get.
type Dataset struct {
	ID   Identifier
	Data Payload
}
