package types

import "errors"

// Identifier and key errors.
var (
	ErrDatasetID          = errors.New("invalid dataset identifier")
	ErrKeyFormat          = errors.New("malformed datastore key")
	ErrUnknownDatasetType = errors.New("unregistered dataset type")
	ErrInvalidFilter      = errors.New("invalid query filter")
)

// Write-time structural conflicts.
var (
	ErrKeyExists              = errors.New("key already exists")
	ErrAttributeTargetMissing = errors.New("attribute target does not exist")
	ErrPayloadKind            = errors.New("payload does not match dataset type")
)

// Datastore lifecycle, read and concurrency errors.
var (
	ErrNotFound        = errors.New("dataset not found")
	ErrFileNotLocked   = errors.New("datastore is not locked for writing")
	ErrLockTimeout     = errors.New("timed out acquiring datastore lock")
	ErrDetached        = errors.New("datastore is detached")
	ErrAlreadyAttached = errors.New("datastore is already attached")
	ErrStateSchema     = errors.New("persisted datastore state is invalid")
	ErrStorage         = errors.New("datastore storage failure")
)

// Parser errors.
var (
	ErrParserNotInitialized = errors.New("parser has not parsed a file")
	ErrUnparsableFilename   = errors.New("filename cannot be parsed")
)

// Table and processing errors.
var (
	ErrColumnNotFound       = errors.New("column not found")
	ErrColumnLength         = errors.New("column length does not match table")
	ErrZeroFiducials        = errors.New("zero fiducials available")
	ErrZeroFiducialRegions  = errors.New("zero fiducial regions identified")
	ErrUseTrajectory        = errors.New("trajectory index does not match a known fiducial")
	ErrFrameNotInTrajectory = errors.New("frame not present in drift trajectory")
	ErrInvalidParameter     = errors.New("invalid processor parameter")
)
