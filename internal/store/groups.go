package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andylabs/andbot/internal/config"
)

// SetRegisteredGroup creates or replaces a registered group row. The folder
// name is validated here as well as at the CLI so a hand-edited database
// cannot smuggle a traversal into mount construction.
func (s *Store) SetRegisteredGroup(g RegisteredGroup) error {
	if !config.ValidGroupFolder(g.Folder) {
		return fmt.Errorf("invalid group folder %q", g.Folder)
	}
	mounts, err := json.Marshal(g.Mounts)
	if err != nil {
		return fmt.Errorf("encode mounts: %w", err)
	}
	if g.AddedAt == "" {
		g.AddedAt = Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO registered_groups
			(jid, name, folder, trigger_pattern, requires_trigger, mounts, added_at, last_processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name             = excluded.name,
			folder           = excluded.folder,
			trigger_pattern  = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			mounts           = excluded.mounts`,
		g.JID, g.Name, g.Folder, g.Trigger, boolInt(g.RequiresTrigger), string(mounts), g.AddedAt, g.LastProcessedAt)
	if err != nil {
		return fmt.Errorf("set registered group %s: %w", g.JID, err)
	}
	return nil
}

// DeleteRegisteredGroup removes a registration. Messages and chat metadata
// for the JID are retained.
func (s *Store) DeleteRegisteredGroup(jid string) error {
	_, err := s.db.Exec(`DELETE FROM registered_groups WHERE jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("delete registered group %s: %w", jid, err)
	}
	return nil
}

// GetRegisteredGroups returns all registrations keyed by JID.
func (s *Store) GetRegisteredGroups() (map[string]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, mounts, added_at, last_processed_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("query registered groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]RegisteredGroup)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups[g.JID] = g
	}
	return groups, rows.Err()
}

// GetRegisteredGroup returns one registration, or ok=false when the JID is
// not registered.
func (s *Store) GetRegisteredGroup(jid string) (RegisteredGroup, bool, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, mounts, added_at, last_processed_at
		FROM registered_groups WHERE jid = ?`, jid)
	if err != nil {
		return RegisteredGroup{}, false, fmt.Errorf("query registered group %s: %w", jid, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return RegisteredGroup{}, false, rows.Err()
	}
	g, err := scanGroup(rows)
	if err != nil {
		return RegisteredGroup{}, false, err
	}
	return g, true, nil
}

// GetGroupByFolder resolves a registration by its folder name.
func (s *Store) GetGroupByFolder(folder string) (RegisteredGroup, bool, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, mounts, added_at, last_processed_at
		FROM registered_groups WHERE folder = ?`, folder)
	if err != nil {
		return RegisteredGroup{}, false, fmt.Errorf("query group by folder %s: %w", folder, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return RegisteredGroup{}, false, rows.Err()
	}
	g, err := scanGroup(rows)
	if err != nil {
		return RegisteredGroup{}, false, err
	}
	return g, true, nil
}

// GetCursor returns the message cursor for a registered JID. Empty string
// means nothing has been processed yet; an unregistered JID reads the same
// as a registered one with no progress.
func (s *Store) GetCursor(jid string) (string, error) {
	var cur string
	err := s.db.QueryRow(`SELECT last_processed_at FROM registered_groups WHERE jid = ?`, jid).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", jid, err)
	}
	return cur, nil
}

// SetCursor persists the message cursor for a registered JID.
func (s *Store) SetCursor(jid, ts string) error {
	_, err := s.db.Exec(`UPDATE registered_groups SET last_processed_at = ? WHERE jid = ?`, ts, jid)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", jid, err)
	}
	return nil
}

func scanGroup(rows rowScanner) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requires int
	var mounts string
	if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requires, &mounts, &g.AddedAt, &g.LastProcessedAt); err != nil {
		return g, fmt.Errorf("scan registered group: %w", err)
	}
	g.RequiresTrigger = requires != 0
	if err := json.Unmarshal([]byte(mounts), &g.Mounts); err != nil {
		return g, fmt.Errorf("decode mounts for %s: %w", g.JID, err)
	}
	return g, nil
}
