package parsers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// DefaultReaders returns the reader table for the built-in dataset types.
func DefaultReaders() map[string]types.Reader {
	return map[string]types.Reader{
		types.TypeLocalizations:   ReadCSV,
		types.TypeLocMetadata:     ReadJSON,
		types.TypeWidefieldImage:  ReadNPY,
		types.TypeFiducialTracks:  ReadCSV,
		types.TypeAverageFiducial: ReadCSV,
	}
}

// ReaderForKind returns the default reader for a payload kind, or nil.
func ReaderForKind(kind types.PayloadKind) types.Reader {
	switch kind {
	case types.KindTable:
		return ReadCSV
	case types.KindMetadata:
		return ReadJSON
	case types.KindImage:
		return ReadNPY
	}
	return nil
}

// ReadCSV reads a numeric CSV file with a header row into a Table. Headers
// are renamed through opts.Header when set. Empty cells read as NaN.
func ReadCSV(path string, opts types.ReaderOptions) (types.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := DecodeCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DecodeCSV is ReadCSV over an io.Reader.
func DecodeCSV(r io.Reader, opts types.ReaderOptions) (*types.Table, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty csv", types.ErrColumnNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	names := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if opts.Header != nil {
			h = opts.Header.Forward(h)
		}
		names[i] = h
	}

	data := make([][]float64, len(names))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		for i, cell := range rec {
			v := math.NaN()
			if cell = strings.TrimSpace(cell); cell != "" {
				v, err = strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("csv line %d, column %q: %w", line, names[i], err)
				}
			}
			data[i] = append(data[i], v)
		}
	}
	return types.TableFromColumns(names, data)
}

// WriteCSV writes t with a header row. Headers are renamed through
// header.Reverse when header is non-nil.
func WriteCSV(w io.Writer, t *types.Table, header *types.FormatMap) error {
	cw := csv.NewWriter(w)
	cols := t.Columns()

	names := make([]string, len(cols))
	data := make([][]float64, len(cols))
	for i, c := range cols {
		names[i] = c
		if header != nil {
			names[i] = header.Reverse(c)
		}
		data[i], _ = t.Column(c)
	}
	if err := cw.Write(names); err != nil {
		return err
	}

	rec := make([]string, len(cols))
	for r := 0; r < t.Len(); r++ {
		for i := range cols {
			rec[i] = strconv.FormatFloat(data[i][r], 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadJSON reads a JSON object into Metadata.
func ReadJSON(path string, _ types.ReaderOptions) (types.Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md types.Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if md == nil {
		md = types.Metadata{}
	}
	return md, nil
}

// ReadNPY reads a one- or two-dimensional NPY array into an Image. A
// one-dimensional array becomes a single row.
func ReadNPY(path string, _ types.ReaderOptions) (types.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read npy header of %s: %w", path, err)
	}

	var rows, cols int
	switch shape := r.Header.Descr.Shape; len(shape) {
	case 1:
		rows, cols = 1, shape[0]
	case 2:
		rows, cols = shape[0], shape[1]
	default:
		return nil, fmt.Errorf("%w: %s has shape %v, want a 2D image", types.ErrPayloadKind, path, shape)
	}

	var pix []float64
	if rows*cols > 0 {
		if err := r.Read(&pix); err != nil {
			return nil, fmt.Errorf("read npy data of %s: %w", path, err)
		}
	}
	if r.Header.Descr.Fortran && rows > 1 && cols > 1 {
		pix = transpose(pix, cols, rows)
	}
	if pix == nil {
		pix = []float64{}
	}
	im, err := types.NewImage(rows, cols, pix)
	if err != nil {
		return nil, err
	}
	return im, nil
}

// transpose converts a row-major rows x cols slice to cols x rows.
func transpose(pix []float64, rows, cols int) []float64 {
	out := make([]float64, len(pix))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = pix[r*cols+c]
		}
	}
	return out
}
