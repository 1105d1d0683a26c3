// Package store is the durable backing for the space/closed-space
// registry — spec.md §5. It wraps tidwall/buntdb so that writes touching
// more than one logical collection (e.g. moving a space from active to
// closed) commit atomically: either both collections reflect the move or
// neither does.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"spacekeeper/internal/engine"
)

const (
	prefixActive   = "active:"
	prefixClosed   = "closed:"
	prefixTab      = "tab:"
	prefixWindow   = "windowmap:"
	keySchemaVers  = "schema:version"
	keyLegacyState = "legacy:state"

	currentSchemaVersion = "2"
)

// Store is the durable store. The zero value is not usable; use Open.
type Store struct {
	db *buntdb.DB
}

// Open opens (and creates, if absent) the buntdb file at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func spaceKey(prefix, id string) string { return prefix + id }

func tabKey(spaceID string, index int) string {
	return fmt.Sprintf("%s%s:%06d", prefixTab, spaceID, index)
}

func tabSpacePrefix(spaceID string) string {
	return fmt.Sprintf("%s%s:", prefixTab, spaceID)
}

// LoadSpaces returns every active space, keyed by permanent id.
func (s *Store) LoadSpaces() (map[string]*engine.Space, error) {
	return s.loadCollection(prefixActive)
}

// LoadClosedSpaces returns every closed space, keyed by permanent id.
func (s *Store) LoadClosedSpaces() (map[string]*engine.Space, error) {
	return s.loadCollection(prefixClosed)
}

func (s *Store) loadCollection(prefix string) (map[string]*engine.Space, error) {
	out := make(map[string]*engine.Space)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var sp engine.Space
			if err := json.Unmarshal([]byte(value), &sp); err != nil {
				// A corrupt record shouldn't take the whole daemon down at
				// startup; skip it and keep going.
				return true
			}
			out[sp.PermanentID] = &sp
			return true
		})
	})
	if err != nil {
		return nil, newStorageErr("load", err)
	}
	return out, nil
}

// SaveState atomically replaces the full contents of both collections.
// Used by the reconciler after synchronize_windows_and_spaces, where a
// space may move between collections as part of a single logical update.
func (s *Store) SaveState(active, closed map[string]*engine.Space) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := clearPrefix(tx, prefixActive); err != nil {
			return err
		}
		if err := clearPrefix(tx, prefixClosed); err != nil {
			return err
		}
		for id, sp := range active {
			if err := putSpace(tx, prefixActive, id, sp); err != nil {
				return err
			}
		}
		for id, sp := range closed {
			if err := putSpace(tx, prefixClosed, id, sp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStorageErr("save_state", err)
	}
	return nil
}

// SaveSpaces atomically replaces the active collection only.
func (s *Store) SaveSpaces(spaces map[string]*engine.Space) error {
	return s.saveCollection(prefixActive, spaces)
}

// SaveClosedSpaces atomically replaces the closed collection only.
func (s *Store) SaveClosedSpaces(spaces map[string]*engine.Space) error {
	return s.saveCollection(prefixClosed, spaces)
}

func (s *Store) saveCollection(prefix string, spaces map[string]*engine.Space) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := clearPrefix(tx, prefix); err != nil {
			return err
		}
		for id, sp := range spaces {
			if err := putSpace(tx, prefix, id, sp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStorageErr("save_collection", err)
	}
	return nil
}

// PutSpace atomically upserts a single space into the given logical
// collection (active or closed, by IsActive), used for single-space
// writes that don't need a full collection rewrite.
func (s *Store) PutSpace(sp *engine.Space) error {
	prefix := prefixClosed
	if sp.IsActive {
		prefix = prefixActive
	}
	other := prefixActive
	if prefix == prefixActive {
		other = prefixClosed
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		// A space is never in both collections at once; delete any stale
		// copy left behind by a state transition before writing the new one.
		tx.Delete(spaceKey(other, sp.PermanentID))
		return putSpace(tx, prefix, sp.PermanentID, sp)
	})
	if err != nil {
		return newStorageErr("put_space", err)
	}
	return nil
}

// DeleteSpace removes a space (and its tab records) from both
// collections.
func (s *Store) DeleteSpace(permanentID string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		tx.Delete(spaceKey(prefixActive, permanentID))
		tx.Delete(spaceKey(prefixClosed, permanentID))
		return clearPrefix(tx, tabSpacePrefix(permanentID))
	})
	if err != nil {
		return newStorageErr("delete_space", err)
	}
	return nil
}

func putSpace(tx *buntdb.Tx, prefix, id string, sp *engine.Space) error {
	data, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(spaceKey(prefix, id), string(data), nil)
	return err
}

func clearPrefix(tx *buntdb.Tx, prefix string) error {
	var keys []string
	err := tx.AscendKeys(prefix+"*", func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}

// SaveTabsForSpace atomically replaces the tab projection of one space.
func (s *Store) SaveTabsForSpace(spaceID string, tabs []engine.TabRecord) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := clearPrefix(tx, tabSpacePrefix(spaceID)); err != nil {
			return err
		}
		for _, t := range tabs {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(tabKey(spaceID, t.Index), string(data), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStorageErr("save_tabs", err)
	}
	return nil
}

// LoadTabsForSpace returns a space's tab records in index order.
func (s *Store) LoadTabsForSpace(spaceID string) ([]engine.TabRecord, error) {
	var tabs []engine.TabRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(tabSpacePrefix(spaceID)+"*", func(_, value string) bool {
			var t engine.TabRecord
			if err := json.Unmarshal([]byte(value), &t); err == nil {
				tabs = append(tabs, t)
			}
			return true
		})
	})
	if err != nil {
		return nil, newStorageErr("load_tabs", err)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Index < tabs[j].Index })
	return tabs, nil
}

// DeleteTabsForSpace removes every tab record for a space.
func (s *Store) DeleteTabsForSpace(spaceID string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		return clearPrefix(tx, tabSpacePrefix(spaceID))
	})
	if err != nil {
		return newStorageErr("delete_tabs", err)
	}
	return nil
}

// PermanentIDForWindow looks up the permanent space id currently mapped
// to a browser window id, if any.
func (s *Store) PermanentIDForWindow(windowID string) (string, bool, error) {
	var id string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(prefixWindow + windowID)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	if err != nil {
		return "", false, newStorageErr("window_lookup", err)
	}
	return id, id != "", nil
}

// UpdatePermanentIDMapping records which permanent space id a window id
// currently corresponds to. Window ids are ephemeral and get reused by
// the browser across restarts, so this mapping is advisory — callers
// must reconcile it against live windows, never trust it blindly.
func (s *Store) UpdatePermanentIDMapping(windowID, permanentID string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if permanentID == "" {
			_, err := tx.Delete(prefixWindow + windowID)
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		_, _, err := tx.Set(prefixWindow+windowID, permanentID, nil)
		return err
	})
	if err != nil {
		return newStorageErr("window_mapping", err)
	}
	return nil
}

// Bootstrap runs one-time, startup-only migration of legacy on-disk
// layouts. It is intentionally not invoked on every write: the migration
// only ever needs to happen once, right after opening a store that
// predates the permanent-id scheme.
func (s *Store) Bootstrap() error {
	var version, legacyRaw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keySchemaVers)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		version = v
		raw, err := tx.Get(keyLegacyState)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		legacyRaw = raw
		return nil
	})
	if err != nil {
		return newStorageErr("bootstrap_read", err)
	}
	if version == currentSchemaVersion {
		return nil
	}

	if version == "" || version == "1" {
		if legacyRaw != "" {
			if err := s.migrateLegacyLayout(legacyRaw); err != nil {
				return err
			}
		}
		if err := s.normalizeLegacyWindowIDs(); err != nil {
			return err
		}
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keySchemaVers, currentSchemaVersion, nil)
		return err
	})
	if err != nil {
		return newStorageErr("bootstrap_write", err)
	}
	return nil
}

// legacySpaceRecord is one entry of a legacy collection: a browser
// window id and its tab urls, with no permanent_id or name/named fields
// of its own — those live in the sibling maps below.
type legacySpaceRecord struct {
	WindowID string   `json:"window_id"`
	URLs     []string `json:"urls"`
}

// legacyLayout is the single top-level record a pre-permanent-id store
// kept everything in.
type legacyLayout struct {
	Spaces            map[string]legacySpaceRecord `json:"spaces"`
	ClosedSpaces      map[string]legacySpaceRecord `json:"closed_spaces"`
	SpaceCustomNames  map[string]string            `json:"space_custom_names"`
	SpacePermanentIDs map[string]string            `json:"space_permanent_ids"`
}

// migrateLegacyLayout decodes the single legacy record at keyLegacyState
// and promotes it into the current spaces/closed_spaces/tabs layout:
// custom names become name+named=true, missing permanent ids are
// allocated, and tabs are seeded from each legacy record's urls. It
// deletes the legacy record once migrated, since Bootstrap is meant to
// run this exactly once.
func (s *Store) migrateLegacyLayout(raw string) error {
	var legacy legacyLayout
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return newStorageErr("bootstrap_legacy_decode", err)
	}

	ordinal := 0
	nameFor := func(legacyID string) (string, bool) {
		if custom := strings.TrimSpace(legacy.SpaceCustomNames[legacyID]); custom != "" {
			return custom, true
		}
		ordinal++
		return engine.DefaultName(ordinal), false
	}

	migrate := func(collection map[string]legacySpaceRecord, isActive bool) (map[string]*engine.Space, error) {
		out := make(map[string]*engine.Space, len(collection))
		now := time.Now().UnixMilli()
		kind := engine.TabKindActive
		if !isActive {
			kind = engine.TabKindClosed
		}
		for legacyID, rec := range collection {
			permanentID := legacy.SpacePermanentIDs[legacyID]
			if permanentID == "" {
				permanentID = uuid.NewString()
			}
			name, named := nameFor(legacyID)
			windowID := rec.WindowID
			if !isActive {
				windowID = ""
			}
			sp := &engine.Space{
				PermanentID:  permanentID,
				Name:         name,
				Named:        named,
				URLs:         append([]string(nil), rec.URLs...),
				WindowID:     windowID,
				IsActive:     isActive,
				Version:      1,
				CreatedAt:    now,
				LastModified: now,
				LastUsed:     now,
				LastSync:     now,
			}
			out[permanentID] = sp

			tabs := make([]engine.TabRecord, 0, len(rec.URLs))
			for i, u := range rec.URLs {
				tabs = append(tabs, engine.TabRecord{
					ID:        uuid.NewString(),
					SpaceID:   permanentID,
					Kind:      kind,
					URL:       u,
					Index:     i,
					CreatedAt: now,
				})
			}
			if err := s.SaveTabsForSpace(permanentID, tabs); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	active, err := migrate(legacy.Spaces, true)
	if err != nil {
		return err
	}
	closed, err := migrate(legacy.ClosedSpaces, false)
	if err != nil {
		return err
	}

	if err := s.SaveState(active, closed); err != nil {
		return err
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keyLegacyState)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return newStorageErr("bootstrap_legacy_cleanup", err)
	}
	return nil
}

// normalizeLegacyWindowIDs rewrites window ids that were persisted using
// the browser's raw numeric id (legacy layout) into the "win:<n>" form
// spacekeeper now expects everywhere, so downstream code never has to
// special-case the old format.
func (s *Store) normalizeLegacyWindowIDs() error {
	active, err := s.LoadSpaces()
	if err != nil {
		return err
	}
	changed := make(map[string]*engine.Space)
	for id, sp := range active {
		if sp.WindowID != "" && !strings.HasPrefix(sp.WindowID, "win:") {
			if _, err := strconv.Atoi(sp.WindowID); err == nil {
				sp.WindowID = "win:" + sp.WindowID
				changed[id] = sp
			}
		}
	}
	if len(changed) == 0 {
		return nil
	}
	for id, sp := range changed {
		active[id] = sp
	}
	return s.SaveSpaces(active)
}

func newStorageErr(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, err)
}
