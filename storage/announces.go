package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshpresence/presence"
)

// UpsertAnnounce inserts or updates the single row for a peer. A new announce
// for a known peer overwrites the mutable fields and advances the last-seen
// timestamp; it never creates a second row. The public key is pinned on first
// observation and only filled in later when the stored value is empty.
func (s *Store) UpsertAnnounce(a presence.PeerAnnounce) error {
	if a.NodeType == "" {
		a.NodeType = presence.NodeTypeUnknown
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = time.Now()
	}
	if a.PublicKey == nil {
		// A nil slice would bind as NULL and violate the column constraint.
		a.PublicKey = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO announces (
			peer_id,
			public_key,
			display_name,
			node_type,
			aspect,
			hop_count,
			last_seen_timestamp,
			receiving_interface
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			public_key = CASE
				WHEN length(announces.public_key) = 0 THEN excluded.public_key
				ELSE announces.public_key
			END,
			display_name = excluded.display_name,
			node_type = excluded.node_type,
			aspect = excluded.aspect,
			hop_count = excluded.hop_count,
			last_seen_timestamp = excluded.last_seen_timestamp,
			receiving_interface = excluded.receiving_interface`,
		a.PeerID.String(),
		a.PublicKey,
		a.DisplayName,
		string(a.NodeType),
		a.Aspect,
		a.HopCount,
		a.LastSeenAt.UnixMilli(),
		a.ReceivingInterfaceID,
	)
	if err != nil {
		return fmt.Errorf("upsert announce %q: %w", a.PeerID.Short(), err)
	}

	return nil
}

// GetAnnounce fetches the stored announce for one peer.
func (s *Store) GetAnnounce(id presence.PeerID) (*presence.PeerAnnounce, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			public_key,
			display_name,
			node_type,
			aspect,
			hop_count,
			last_seen_timestamp,
			receiving_interface
		FROM announces
		WHERE peer_id = ?`,
		id.String(),
	)

	announce, err := scanAnnounce(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get announce %q: %w", id.Short(), err)
	}

	return announce, nil
}

// ListAnnounces returns all known peers ordered by recency, newest first.
// Re-announcing a peer moves it to the front.
func (s *Store) ListAnnounces() ([]presence.PeerAnnounce, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			public_key,
			display_name,
			node_type,
			aspect,
			hop_count,
			last_seen_timestamp,
			receiving_interface
		FROM announces
		ORDER BY last_seen_timestamp DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list announces: %w", err)
	}
	defer rows.Close()

	announces := make([]presence.PeerAnnounce, 0)
	for rows.Next() {
		announce, err := scanAnnounce(rows)
		if err != nil {
			return nil, fmt.Errorf("scan announce row: %w", err)
		}
		announces = append(announces, *announce)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate announce rows: %w", err)
	}

	return announces, nil
}

// RemoveAnnounce deletes the row for one peer. Peers are only ever removed by
// explicit user action, never expired.
func (s *Store) RemoveAnnounce(id presence.PeerID) error {
	res, err := s.db.Exec(`DELETE FROM announces WHERE peer_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove announce %q: %w", id.Short(), err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove announce %q: %w", id.Short(), err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// PeerIDsByNodeTypes returns the identifiers of known peers matching the
// filter. An empty filter matches every node type.
func (s *Store) PeerIDsByNodeTypes(types []presence.NodeType) ([]presence.PeerID, error) {
	query := `SELECT peer_id FROM announces`
	args := make([]any, 0, len(types))
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` WHERE node_type IN (` + strings.Join(placeholders, ", ") + `)`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peer ids by node type: %w", err)
	}
	defer rows.Close()

	ids := make([]presence.PeerID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan peer id row: %w", err)
		}
		id, err := presence.ParsePeerID(raw)
		if err != nil {
			return nil, fmt.Errorf("stored peer id invalid: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer id rows: %w", err)
	}

	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnnounce(row scanner) (*presence.PeerAnnounce, error) {
	var (
		rawID    string
		nodeType string
		lastSeen int64
		announce presence.PeerAnnounce
	)

	if err := row.Scan(
		&rawID,
		&announce.PublicKey,
		&announce.DisplayName,
		&nodeType,
		&announce.Aspect,
		&announce.HopCount,
		&lastSeen,
		&announce.ReceivingInterfaceID,
	); err != nil {
		return nil, err
	}

	id, err := presence.ParsePeerID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored peer id invalid: %w", err)
	}
	announce.PeerID = id
	announce.NodeType = presence.NodeType(nodeType)
	announce.LastSeenAt = time.UnixMilli(lastSeen)

	return &announce, nil
}
