// Package types defines the structured dataset Identifier, the dataset-type
// Registry, the payloads stored in a datastore (Table, Metadata, Image), the
// Datastore, Parser and Reader contracts, and the standard error values for
// the smlmstore system.
//
// An Identifier names one record of single-molecule-localization microscopy
// data: an experiment prefix, an acquisition number, a registered dataset
// type, and optional channel, date, position, slice and replicate fields.
// The key codec in internal/keys maps an Identifier to a single hierarchical
// key of the form
//
//	prefix/prefix_acqID/DatasetType[_ChannelX][_PosY][_SliceZ][_DateW][_ReplicateV]
package types
