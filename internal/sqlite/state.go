package sqlite

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mesh-intelligence/smlmstore/internal/keys"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// stateKey is the reserved key holding the persisted index.
const stateKey = "__datastore_state__"

// stateSchemaVersion is bumped whenever the persisted state layout changes.
const stateSchemaVersion = 1

//go:embed state.schema.json
var stateSchemaJSON string

var stateSchema = gojsonschema.NewStringLoader(stateSchemaJSON)

// persistedState is the JSON document stored under stateKey.
type persistedState struct {
	SchemaVersion  int                `json:"schema_version"`
	LibraryVersion string             `json:"library_version"`
	Session        string             `json:"session,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Identifiers    []types.Identifier `json:"identifiers"`
}

// decodeState validates raw against the state schema and decodes it.
func decodeState(raw []byte) (*persistedState, error) {
	res, err := gojsonschema.Validate(stateSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStateSchema, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", types.ErrStateSchema, strings.Join(msgs, "; "))
	}

	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStateSchema, err)
	}
	for _, id := range st.Identifiers {
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrStateSchema, err)
		}
	}
	return &st, nil
}

// loadStateLocked replaces the in-memory index with the persisted one.
// The caller must hold b.mu.
func (b *Backend) loadStateLocked() error {
	var raw string
	err := b.db.QueryRow("SELECT value FROM reserved WHERE key = ?", stateKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		b.resetIndexLocked(nil)
		b.lastWrite = WriteInfo{}
		return nil
	}
	if err != nil {
		return storageErr("read state", err)
	}

	st, err := decodeState([]byte(raw))
	if err != nil {
		return err
	}
	b.resetIndexLocked(st.Identifiers)
	b.lastWrite = WriteInfo{Session: st.Session, UpdatedAt: st.UpdatedAt}
	b.logger.Debug("loaded datastore state",
		"records", len(st.Identifiers),
		"last_session", st.Session,
		"updated_at", st.UpdatedAt,
	)
	return nil
}

// writeStateLocked persists ids as the index inside tx.
func (b *Backend) writeStateLocked(tx *sql.Tx, ids []types.Identifier) error {
	if ids == nil {
		ids = []types.Identifier{}
	}
	raw, err := json.Marshal(persistedState{
		SchemaVersion:  stateSchemaVersion,
		LibraryVersion: types.Version,
		Session:        b.session,
		UpdatedAt:      time.Now().UTC(),
		Identifiers:    ids,
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO reserved (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		stateKey, string(raw),
	); err != nil {
		return storageErr("write state", err)
	}
	return nil
}

// resetIndexLocked replaces the index. The caller must hold b.mu.
func (b *Backend) resetIndexLocked(ids []types.Identifier) {
	b.index = make([]types.Identifier, 0, len(ids))
	b.indexed = make(map[string]bool, len(ids))
	for _, id := range ids {
		b.appendIndexLocked(id)
	}
}

func (b *Backend) appendIndexLocked(id types.Identifier) {
	b.index = append(b.index, id)
	b.indexed[indexKey(id)] = true
}

// indexKey distinguishes an attribute record from the record it shares a
// key with.
func indexKey(id types.Identifier) string {
	key, err := keys.Encode(id)
	if err != nil {
		return ""
	}
	return key + "\x00" + id.DatasetType
}
