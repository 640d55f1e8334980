package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshpresence/presence"
)

// UpsertLocation replaces the retained location for a sender. Only the single
// most recent update per sender is kept; older updates are superseded, not
// merged.
func (s *Store) UpsertLocation(u presence.LocationUpdate) error {
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = time.Now()
	}

	var expires any
	if u.ExpiresAt != nil {
		expires = u.ExpiresAt.UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO locations (
			sender_id,
			latitude,
			longitude,
			accuracy_meters,
			captured_timestamp,
			received_timestamp,
			expires_timestamp,
			approximate_radius_meters
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy_meters = excluded.accuracy_meters,
			captured_timestamp = excluded.captured_timestamp,
			received_timestamp = excluded.received_timestamp,
			expires_timestamp = excluded.expires_timestamp,
			approximate_radius_meters = excluded.approximate_radius_meters`,
		u.SenderID.String(),
		u.Latitude,
		u.Longitude,
		u.AccuracyMeters,
		u.CapturedAt.UnixMilli(),
		u.ReceivedAt.UnixMilli(),
		expires,
		u.ApproximateRadiusMeters,
	)
	if err != nil {
		return fmt.Errorf("upsert location for %q: %w", u.SenderID.Short(), err)
	}

	return nil
}

// GetLocation fetches the retained location for one sender.
func (s *Store) GetLocation(id presence.PeerID) (*presence.LocationUpdate, error) {
	row := s.db.QueryRow(
		`SELECT
			sender_id,
			latitude,
			longitude,
			accuracy_meters,
			captured_timestamp,
			received_timestamp,
			expires_timestamp,
			approximate_radius_meters
		FROM locations
		WHERE sender_id = ?`,
		id.String(),
	)

	update, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get location for %q: %w", id.Short(), err)
	}

	return update, nil
}

// LatestLocations returns the retained location of every sender.
func (s *Store) LatestLocations() ([]presence.LocationUpdate, error) {
	rows, err := s.db.Query(
		`SELECT
			sender_id,
			latitude,
			longitude,
			accuracy_meters,
			captured_timestamp,
			received_timestamp,
			expires_timestamp,
			approximate_radius_meters
		FROM locations
		ORDER BY received_timestamp DESC, sender_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list latest locations: %w", err)
	}
	defer rows.Close()

	updates := make([]presence.LocationUpdate, 0)
	for rows.Next() {
		update, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location row: %w", err)
		}
		updates = append(updates, *update)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate location rows: %w", err)
	}

	return updates, nil
}

// RemoveLocation deletes the retained location for one sender.
func (s *Store) RemoveLocation(id presence.PeerID) error {
	res, err := s.db.Exec(`DELETE FROM locations WHERE sender_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove location for %q: %w", id.Short(), err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove location %q: %w", id.Short(), err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanLocation(row scanner) (*presence.LocationUpdate, error) {
	var (
		rawID    string
		captured int64
		received int64
		expires  sql.NullInt64
		update   presence.LocationUpdate
	)

	if err := row.Scan(
		&rawID,
		&update.Latitude,
		&update.Longitude,
		&update.AccuracyMeters,
		&captured,
		&received,
		&expires,
		&update.ApproximateRadiusMeters,
	); err != nil {
		return nil, err
	}

	id, err := presence.ParsePeerID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored sender id invalid: %w", err)
	}
	update.SenderID = id
	update.CapturedAt = time.UnixMilli(captured)
	update.ReceivedAt = time.UnixMilli(received)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		update.ExpiresAt = &t
	}

	return &update, nil
}
