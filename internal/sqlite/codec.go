package sqlite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sbinet/npyio"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Attribute namespaces. Identifier fields are stored as attrPrefix+field;
// metadata entries as metadataPrefix+key on the node they describe.
const (
	attrPrefix     = "SMLM_"
	metadataPrefix = attrPrefix + "Metadata_"
	versionAttr    = attrPrefix + "Version"

	// metadataTypeAttr marks a node as carrying an attribute record and
	// names its dataset type.
	metadataTypeAttr = attrPrefix + "MetadataType"

	// elementSizeAttr records the widefield pixel size (z, y, x) in
	// micrometers.
	elementSizeAttr = "element_size_um"
)

// Node kinds.
const (
	nodeGroup = "group"
	nodeTable = "table"
	nodeImage = "image"
)

// imageColumn names the single column blob of an image node.
const imageColumn = "image"

// encodeColumn serializes one column as an NPY blob.
func encodeColumn(vals []float64) ([]byte, error) {
	if vals == nil {
		vals = []float64{}
	}
	var buf bytes.Buffer
	if err := npyio.Write(&buf, vals); err != nil {
		return nil, fmt.Errorf("encode npy: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeColumn reads an NPY blob written by encodeColumn.
func decodeColumn(blob []byte) ([]float64, error) {
	r, err := npyio.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decode npy header: %w", err)
	}
	n := 1
	for _, d := range r.Header.Descr.Shape {
		n *= d
	}
	vals := make([]float64, n)
	if n == 0 {
		return vals, nil
	}
	if err := r.Read(&vals); err != nil {
		return nil, fmt.Errorf("decode npy data: %w", err)
	}
	return vals, nil
}

// identityAttributes renders id as the SMLM_ attributes of its node. Absent
// optional fields are written as "None".
func identityAttributes(id types.Identifier) (map[string]string, error) {
	attrs := map[string]string{
		attrPrefix + types.FieldPrefix:      id.Prefix,
		attrPrefix + types.FieldAcqID:       strconv.Itoa(id.AcqID),
		attrPrefix + types.FieldDatasetType: id.DatasetType,
		attrPrefix + types.FieldChannelID:   types.NoneValue,
		attrPrefix + types.FieldDateID:      types.NoneValue,
		attrPrefix + types.FieldPosID:       types.NoneValue,
		attrPrefix + types.FieldSliceID:     types.NoneValue,
		attrPrefix + types.FieldReplicateID: types.NoneValue,
		attrPrefix + types.FieldAttributeOf: types.NoneValue,
		versionAttr:                         types.Version,
	}
	if id.ChannelID != nil {
		attrs[attrPrefix+types.FieldChannelID] = *id.ChannelID
	}
	if id.DateID != nil {
		attrs[attrPrefix+types.FieldDateID] = *id.DateID
	}
	if id.PosID != nil {
		raw, err := json.Marshal(id.PosID)
		if err != nil {
			return nil, err
		}
		attrs[attrPrefix+types.FieldPosID] = string(raw)
	}
	if id.SliceID != nil {
		attrs[attrPrefix+types.FieldSliceID] = strconv.Itoa(*id.SliceID)
	}
	if id.ReplicateID != nil {
		attrs[attrPrefix+types.FieldReplicateID] = strconv.Itoa(*id.ReplicateID)
	}
	if id.AttributeOf != "" {
		attrs[attrPrefix+types.FieldAttributeOf] = id.AttributeOf
	}
	return attrs, nil
}

// identityFromAttributes rebuilds the identifier stored on a node.
func identityFromAttributes(attrs map[string]string) (types.Identifier, error) {
	fields := make(map[string]any, len(types.IdentifierFields))
	for _, f := range types.IdentifierFields {
		v, ok := attrs[attrPrefix+f]
		if !ok {
			continue
		}
		if f == types.FieldPosID && v != types.NoneValue {
			var pos []int
			if err := json.Unmarshal([]byte(v), &pos); err != nil {
				return types.Identifier{}, fmt.Errorf("%w: stored posID %q: %w", types.ErrStorage, v, err)
			}
			fields[f] = pos
			continue
		}
		fields[f] = v
	}
	id, err := types.IdentifierFromFields(fields)
	if err != nil {
		return id, fmt.Errorf("%w: stored identifier: %w", types.ErrStorage, err)
	}
	return id, nil
}
