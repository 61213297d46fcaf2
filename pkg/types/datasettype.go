package types

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// PayloadKind is the storage shape of a dataset type's data.
type PayloadKind string

// Payload kinds.
const (
	KindTable    PayloadKind = "table"
	KindMetadata PayloadKind = "metadata"
	KindImage    PayloadKind = "image"
)

// Built-in dataset type names.
const (
	TypeLocalizations   = "Localizations"
	TypeLocMetadata     = "LocMetadata"
	TypeWidefieldImage  = "WidefieldImage"
	TypeFiducialTracks  = "FiducialTracks"
	TypeAverageFiducial = "AverageFiducial"
)

// DatasetType describes one registered category of stored record. A type with
// AttributeOf set holds metadata about records of another type and is stored
// at the same key as the record it describes.
type DatasetType struct {
	Name        string
	Kind        PayloadKind
	AttributeOf string

	// FilenameString is the default filename suffix that identifies files of
	// this type during a build.
	FilenameString string
}

var typeNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// Registry holds the dataset types known to a datastore and its parsers.
// A Registry is passed explicitly; there is no process-wide registry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]DatasetType
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]DatasetType)}
}

// DefaultRegistry returns a new registry holding the built-in dataset types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, dt := range []DatasetType{
		{Name: TypeLocalizations, Kind: KindTable, FilenameString: ".csv"},
		{Name: TypeLocMetadata, Kind: KindMetadata, AttributeOf: TypeLocalizations, FilenameString: ".json"},
		{Name: TypeWidefieldImage, Kind: KindImage, FilenameString: ".npy"},
		{Name: TypeFiducialTracks, Kind: KindTable},
		{Name: TypeAverageFiducial, Kind: KindTable},
	} {
		// Built-ins are well formed.
		_ = r.Register(dt)
	}
	return r
}

// Register adds a dataset type. Names must be alphanumeric and start with a
// letter so that they survive the key grammar. An attribute type must name a
// registered, non-attribute target.
func (r *Registry) Register(dt DatasetType) error {
	if !typeNamePattern.MatchString(dt.Name) {
		return fmt.Errorf("%w: invalid dataset type name %q", ErrUnknownDatasetType, dt.Name)
	}
	switch dt.Kind {
	case KindTable, KindMetadata, KindImage:
	default:
		return fmt.Errorf("%w: %s has unknown payload kind %q", ErrPayloadKind, dt.Name, dt.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dt.AttributeOf != "" {
		target, ok := r.types[dt.AttributeOf]
		if !ok {
			return fmt.Errorf("%w: %s is an attribute of unregistered type %q", ErrUnknownDatasetType, dt.Name, dt.AttributeOf)
		}
		if target.AttributeOf != "" {
			return fmt.Errorf("%w: %s cannot describe attribute type %s", ErrUnknownDatasetType, dt.Name, target.Name)
		}
		if dt.Kind != KindMetadata {
			return fmt.Errorf("%w: attribute type %s must hold metadata", ErrPayloadKind, dt.Name)
		}
	}
	if _, exists := r.types[dt.Name]; !exists {
		r.order = append(r.order, dt.Name)
	}
	r.types[dt.Name] = dt
	return nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (DatasetType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dt, ok := r.types[name]
	if !ok {
		return DatasetType{}, fmt.Errorf("%w: %q", ErrUnknownDatasetType, name)
	}
	return dt, nil
}

// Names returns the registered type names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// BuildOrder returns the registered type names with every primary type ahead
// of every attribute type, so that attribute records always find their
// target during a build.
func (r *Registry) BuildOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.SliceStable(names, func(i, j int) bool {
		return r.types[names[i]].AttributeOf == "" && r.types[names[j]].AttributeOf != ""
	})
	return names
}

// Normalize fills AttributeOf from the registered descriptor of the
// identifier's dataset type.
func (r *Registry) Normalize(id Identifier) (Identifier, error) {
	dt, err := r.Lookup(id.DatasetType)
	if err != nil {
		return id, err
	}
	id.AttributeOf = dt.AttributeOf
	return id, nil
}

// Validate checks the identifier's invariants and that its dataset type is
// registered with a matching AttributeOf.
func (r *Registry) Validate(id Identifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	dt, err := r.Lookup(id.DatasetType)
	if err != nil {
		return err
	}
	if id.AttributeOf != dt.AttributeOf {
		return fmt.Errorf("%w: %s records describe %q, identifier says %q",
			ErrDatasetID, dt.Name, dt.AttributeOf, id.AttributeOf)
	}
	return nil
}

// FilenameStrings returns the default filename suffix for every registered
// type that has one.
func (r *Registry) FilenameStrings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.types))
	for name, dt := range r.types {
		if dt.FilenameString != "" {
			out[name] = dt.FilenameString
		}
	}
	return out
}
