package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jnesss/procmon/platform"
)

const (
	kindText    = "text"
	kindInteger = "integer"
)

// Snapshot serves a configuration tree previously captured with Import. It
// lets the driver and device enumerators run against a machine's saved
// configuration.
type Snapshot struct {
	db *DB
}

// NewSnapshot returns a ConfigStore backed by db
func NewSnapshot(db *DB) *Snapshot {
	return &Snapshot{db: db}
}

func normalize(path string) string {
	return platform.JoinPath(strings.Split(path, `\`)...)
}

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '\\'); i >= 0 {
		return path[:i]
	}
	return ""
}

func baseOf(path string) string {
	return path[strings.LastIndexByte(path, '\\')+1:]
}

// Open loads the key at path with its subkey names and values
func (s *Snapshot) Open(path string) (platform.ConfigKey, error) {
	path = normalize(path)
	lower := strings.ToLower(path)
	k := &snapshotKey{path: path, values: make(map[string]storedValue)}

	if lower != "" {
		var (
			id         int64
			unreadable bool
		)
		err := s.db.Db.QueryRow(
			"SELECT id, unreadable FROM config_keys WHERE path_lower = ?", lower,
		).Scan(&id, &unreadable)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open %s: %w", path, platform.ErrNotExist)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if unreadable {
			return nil, fmt.Errorf("open %s: %w", path, platform.ErrAccessDenied)
		}
		if err := s.loadValues(k, id); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.Db.Query(
		"SELECT name FROM config_keys WHERE parent_lower = ? ORDER BY path_lower", lower)
	if err != nil {
		return nil, fmt.Errorf("failed to query subkeys of %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan subkey: %w", err)
		}
		k.subkeys = append(k.subkeys, name)
	}
	return k, rows.Err()
}

func (s *Snapshot) loadValues(k *snapshotKey, id int64) error {
	rows, err := s.db.Db.Query(
		"SELECT name, kind, COALESCE(text, ''), COALESCE(num, 0) FROM config_values WHERE key_id = ? ORDER BY name", id)
	if err != nil {
		return fmt.Errorf("failed to query values of %s: %w", k.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, kind, text string
			num              int64
		)
		if err := rows.Scan(&name, &kind, &text, &num); err != nil {
			return fmt.Errorf("failed to scan value: %w", err)
		}
		v := storedValue{integer: kind == kindInteger, num: uint64(num)}
		if !v.integer {
			if err := json.Unmarshal([]byte(text), &v.strs); err != nil {
				return fmt.Errorf("%s\\%s: bad stored value: %w", k.path, name, err)
			}
		}
		k.valueNames = append(k.valueNames, name)
		k.values[strings.ToLower(name)] = v
	}
	return rows.Err()
}

type storedValue struct {
	strs    []string
	num     uint64
	integer bool
}

type snapshotKey struct {
	path       string
	subkeys    []string
	valueNames []string
	values     map[string]storedValue
}

func (k *snapshotKey) SubKeyNames() ([]string, error) {
	return append([]string(nil), k.subkeys...), nil
}

func (k *snapshotKey) ValueNames() ([]string, error) {
	return append([]string(nil), k.valueNames...), nil
}

func (k *snapshotKey) lookup(name string) (storedValue, error) {
	v, ok := k.values[strings.ToLower(name)]
	if !ok {
		return storedValue{}, fmt.Errorf("%s\\%s: %w", k.path, name, platform.ErrNotExist)
	}
	return v, nil
}

func (k *snapshotKey) StringValue(name string) (string, error) {
	strs, err := k.StringsValue(name)
	if err != nil || len(strs) == 0 {
		return "", err
	}
	return strs[0], nil
}

func (k *snapshotKey) StringsValue(name string) ([]string, error) {
	v, err := k.lookup(name)
	if err != nil {
		return nil, err
	}
	if v.integer {
		return nil, fmt.Errorf("%s\\%s: %w", k.path, name, platform.ErrUnexpectedType)
	}
	return append([]string(nil), v.strs...), nil
}

func (k *snapshotKey) IntegerValue(name string) (uint64, error) {
	v, err := k.lookup(name)
	if err != nil {
		return 0, err
	}
	if !v.integer {
		return 0, fmt.Errorf("%s\\%s: %w", k.path, name, platform.ErrUnexpectedType)
	}
	return v.num, nil
}

func (k *snapshotKey) Close() error { return nil }

// ImportStats summarizes one Import run
type ImportStats struct {
	Keys       int
	Values     int
	Unreadable int
	// Skipped counts values that are neither text nor integer
	Skipped int
}

// Import copies the subtree of store rooted at root into the database,
// replacing anything previously captured under root. Keys that cannot be
// opened are recorded as unreadable so a Snapshot reproduces the failure.
func (db *DB) Import(store platform.ConfigStore, root string) (ImportStats, error) {
	root = normalize(root)
	var stats ImportStats

	tx, err := db.Db.Begin()
	if err != nil {
		return stats, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	if err := clearSubtree(tx, root); err != nil {
		return stats, err
	}

	// ancestors make the root reachable by walking down from the top
	for p := parentOf(root); p != ""; p = parentOf(p) {
		if _, err := insertKey(tx, p, false, true); err != nil {
			return stats, err
		}
	}

	if err := importKey(tx, store, root, true, &stats); err != nil {
		return stats, err
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit import: %w", err)
	}
	return stats, nil
}

func clearSubtree(tx *sql.Tx, root string) error {
	lower := strings.ToLower(root)
	match := "path_lower = ? OR substr(path_lower, 1, ?) = ?"
	args := []any{lower, len(lower) + 1, lower + `\`}
	if lower == "" {
		match, args = "1 = 1", nil
	}

	if _, err := tx.Exec("DELETE FROM config_values WHERE key_id IN (SELECT id FROM config_keys WHERE "+match+")", args...); err != nil {
		return fmt.Errorf("failed to clear values under %s: %w", root, err)
	}
	if _, err := tx.Exec("DELETE FROM config_keys WHERE "+match, args...); err != nil {
		return fmt.Errorf("failed to clear keys under %s: %w", root, err)
	}
	return nil
}

func insertKey(tx *sql.Tx, path string, unreadable, ignoreExisting bool) (int64, error) {
	verb := "INSERT"
	if ignoreExisting {
		verb = "INSERT OR IGNORE"
	}
	res, err := tx.Exec(verb+` INTO config_keys (path, path_lower, parent_lower, name, unreadable)
        VALUES (?, ?, ?, ?, ?)`,
		path, strings.ToLower(path), strings.ToLower(parentOf(path)), baseOf(path), unreadable)
	if err != nil {
		return 0, fmt.Errorf("failed to insert key %s: %w", path, err)
	}
	return res.LastInsertId()
}

func importKey(tx *sql.Tx, store platform.ConfigStore, path string, isRoot bool, stats *ImportStats) error {
	key, err := store.Open(path)
	if err != nil {
		if isRoot && !errors.Is(err, platform.ErrAccessDenied) {
			return fmt.Errorf("failed to open import root: %w", err)
		}
		if path != "" {
			if _, err := insertKey(tx, path, true, false); err != nil {
				return err
			}
		}
		stats.Unreadable++
		return nil
	}
	defer key.Close()

	var id int64
	if path != "" {
		if id, err = insertKey(tx, path, false, false); err != nil {
			return err
		}
		stats.Keys++

		names, err := key.ValueNames()
		if err != nil {
			return fmt.Errorf("failed to list values of %s: %w", path, err)
		}
		for _, name := range names {
			ok, err := importValue(tx, key, id, name)
			if err != nil {
				return fmt.Errorf("%s\\%s: %w", path, name, err)
			}
			if !ok {
				stats.Skipped++
				continue
			}
			stats.Values++
		}
	}

	children, err := key.SubKeyNames()
	if err != nil {
		return fmt.Errorf("failed to list subkeys of %s: %w", path, err)
	}
	for _, child := range children {
		if err := importKey(tx, store, platform.JoinPath(path, child), false, stats); err != nil {
			return err
		}
	}
	return nil
}

// importValue copies one value. Values of a type the store cannot read as
// text or integer are reported as not imported.
func importValue(tx *sql.Tx, key platform.ConfigKey, id int64, name string) (bool, error) {
	const insert = `INSERT INTO config_values (key_id, name, name_lower, kind, text, num) VALUES (?, ?, ?, ?, ?, ?)`

	if num, err := key.IntegerValue(name); err == nil {
		_, err = tx.Exec(insert, id, name, strings.ToLower(name), kindInteger, nil, int64(num))
		return err == nil, err
	} else if !errors.Is(err, platform.ErrUnexpectedType) {
		return false, err
	}

	strs, err := key.StringsValue(name)
	if errors.Is(err, platform.ErrUnexpectedType) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	text, err := json.Marshal(strs)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(insert, id, name, strings.ToLower(name), kindText, string(text), nil)
	return err == nil, err
}
