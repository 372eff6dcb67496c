// Package storage persists group state rows in SQLite.
package storage

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// GroupStates stores one JSON payload per group identity with a version
// counter bumped on every write.
type GroupStates struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewGroupStates creates a store over an opened database.
func NewGroupStates(db *sql.DB) *GroupStates {
	return &GroupStates{db: db}
}

// Get retrieves payload and version for a group.
// Returns empty payload and version 0 if not found.
func (s *GroupStates) Get(id bulb.ID) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payloadStr string
	err = s.db.QueryRow(`
		SELECT payload, version FROM group_state
		WHERE device_id = ? AND group_id = ? AND remote_type = ?
	`, id.DeviceID, id.GroupID, id.Type.String()).Scan(&payloadStr, &version)

	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return []byte(payloadStr), version, nil
}

// Set stores payload, incrementing version automatically.
func (s *GroupStates) Set(id bulb.ID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	_, err := s.db.Exec(`
		INSERT INTO group_state (device_id, group_id, remote_type, payload, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(device_id, group_id, remote_type) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
	`, id.DeviceID, id.GroupID, id.Type.String(), string(payload), now)

	if err == nil {
		log.Debug().
			Str("group", id.String()).
			Str("payload", string(payload)).
			Msg("Group state persisted")
	}

	return err
}

// Delete removes a group's row.
func (s *GroupStates) Delete(id bulb.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM group_state WHERE device_id = ? AND group_id = ? AND remote_type = ?
	`, id.DeviceID, id.GroupID, id.Type.String())

	return err
}

// Clear removes every row.
func (s *GroupStates) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM group_state`)
	return err
}

// GetAll returns every stored payload. Rows with an unknown remote type
// are skipped.
func (s *GroupStates) GetAll() (map[bulb.ID][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT device_id, group_id, remote_type, payload FROM group_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payloads := make(map[bulb.ID][]byte)
	for rows.Next() {
		var (
			deviceID   uint16
			groupID    uint8
			remoteType string
			payload    string
		)
		if err := rows.Scan(&deviceID, &groupID, &remoteType, &payload); err != nil {
			return nil, err
		}

		rt, ok := bulb.ParseRemoteType(remoteType)
		if !ok {
			log.Warn().Str("remote_type", remoteType).Msg("Skipping stored group with unknown remote type")
			continue
		}
		payloads[bulb.ID{DeviceID: deviceID, GroupID: groupID, Type: rt}] = []byte(payload)
	}

	return payloads, rows.Err()
}
