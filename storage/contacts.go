package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"meshpresence/presence"
)

// EnsureContactExists creates a default contact row when absent.
func (s *Store) EnsureContactExists(id presence.PeerID) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (peer_id, nickname, node_display_name, shares_location_with_me)
		VALUES (?, '', '', 0)
		ON CONFLICT(peer_id) DO NOTHING`,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("ensure contact for %q: %w", id.Short(), err)
	}
	return nil
}

// SetContactNickname stores the user-set nickname for a peer. An empty
// nickname clears it.
func (s *Store) SetContactNickname(id presence.PeerID, nickname string) error {
	if err := s.EnsureContactExists(id); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`UPDATE contacts SET nickname = ? WHERE peer_id = ?`,
		nickname,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("set nickname for %q: %w", id.Short(), err)
	}
	return nil
}

// SetContactNodeName stores the alternate-namespace announced name for a
// peer.
func (s *Store) SetContactNodeName(id presence.PeerID, nodeName string) error {
	if err := s.EnsureContactExists(id); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`UPDATE contacts SET node_display_name = ? WHERE peer_id = ?`,
		nodeName,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("set node name for %q: %w", id.Short(), err)
	}
	return nil
}

// SetSharesLocationWithMe records the inbound sharing fact for a peer.
func (s *Store) SetSharesLocationWithMe(id presence.PeerID, sharing bool) error {
	if err := s.EnsureContactExists(id); err != nil {
		return err
	}

	flag := 0
	if sharing {
		flag = 1
	}
	_, err := s.db.Exec(
		`UPDATE contacts SET shares_location_with_me = ? WHERE peer_id = ?`,
		flag,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("set sharing fact for %q: %w", id.Short(), err)
	}
	return nil
}

// IsPeerSharingWithMe reports the stored inbound sharing fact. An unknown
// peer is not sharing.
func (s *Store) IsPeerSharingWithMe(id presence.PeerID) (bool, error) {
	var flag int
	err := s.db.QueryRow(
		`SELECT shares_location_with_me FROM contacts WHERE peer_id = ?`,
		id.String(),
	).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get sharing fact for %q: %w", id.Short(), err)
	}
	return flag == 1, nil
}

// NamesFor returns the display-name candidates for one peer: the contact
// nickname, the network-announced name, and the alternate-namespace name.
// Unknown peers yield empty candidates, not an error.
func (s *Store) NamesFor(id presence.PeerID) (presence.PeerNames, error) {
	var names presence.PeerNames

	var nickname, nodeName sql.NullString
	err := s.db.QueryRow(
		`SELECT nickname, node_display_name FROM contacts WHERE peer_id = ?`,
		id.String(),
	).Scan(&nickname, &nodeName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return presence.PeerNames{}, fmt.Errorf("get contact names for %q: %w", id.Short(), err)
	}
	names.Nickname = nickname.String
	names.NodeName = nodeName.String

	var announced sql.NullString
	err = s.db.QueryRow(
		`SELECT display_name FROM announces WHERE peer_id = ?`,
		id.String(),
	).Scan(&announced)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return presence.PeerNames{}, fmt.Errorf("get announced name for %q: %w", id.Short(), err)
	}
	names.DeliveryName = announced.String

	return names, nil
}
