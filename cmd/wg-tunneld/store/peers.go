package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wg-tunneld/models"
)

const peerColumns = `id, interface_id, name, public_key, private_key, preshared_key, allowed_ips,
	endpoint, persistent_keepalive, created_at, updated_at`

// PeerHook sees the owning interface and the other peers of that interface
// inside the write transaction.
type PeerHook func(it *models.Interface, p *models.Peer, siblings []*models.Peer) error

func scanPeer(row rowScanner) (*models.Peer, error) {
	var (
		p                    models.Peer
		pub, priv, psk       string
		allowed              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.InterfaceID, &p.Name, &pub, &priv, &psk, &allowed,
		&p.Endpoint, &p.PersistentKeepalive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.PublicKey, err = parseStoredKey(pub); err != nil {
		return nil, fmt.Errorf("peer %s public key: %w", p.ID, err)
	}
	if p.PrivateKey, err = parseStoredKey(priv); err != nil {
		return nil, fmt.Errorf("peer %s private key: %w", p.ID, err)
	}
	if p.PresharedKey, err = parseStoredKey(psk); err != nil {
		return nil, fmt.Errorf("peer %s preshared key: %w", p.ID, err)
	}
	p.AllowedIPs = splitList(allowed)
	p.CreatedAt = fromUnixNano(createdAt)
	p.UpdatedAt = fromUnixNano(updatedAt)
	return &p, nil
}

func getPeer(ctx context.Context, q querier, id string) (*models.Peer, error) {
	p, err := scanPeer(q.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "peer", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	return p, nil
}

func listPeers(ctx context.Context, q querier, interfaceID string) ([]*models.Peer, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if interfaceID == "" {
		rows, err = q.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY created_at, id`)
	} else {
		rows, err = q.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE interface_id = ? ORDER BY created_at, id`, interfaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var list []*models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func without(peers []*models.Peer, id string) []*models.Peer {
	out := make([]*models.Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func peerConflict(err error, p *models.Peer) error {
	if isUniqueError(err) {
		return &models.ConflictError{Resource: "peer public key", Value: p.PublicKey.String()}
	}
	return err
}

// CreatePeer inserts p. prepare may fill in or reject p against the current
// peers of the interface; it runs in the same transaction as the insert.
func (s *Store) CreatePeer(ctx context.Context, p *models.Peer, prepare PeerHook) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := getInterface(ctx, tx, p.InterfaceID)
		if err != nil {
			return err
		}
		siblings, err := listPeers(ctx, tx, p.InterfaceID)
		if err != nil {
			return err
		}
		if prepare != nil {
			if err := prepare(it, p, siblings); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO peers (`+peerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.InterfaceID, p.Name, keyString(p.PublicKey), keyString(p.PrivateKey), keyString(p.PresharedKey),
			joinList(p.AllowedIPs), p.Endpoint, p.PersistentKeepalive, unixNano(p.CreatedAt), unixNano(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert peer: %w", peerConflict(err, p))
		}
		return nil
	})
}

func (s *Store) GetPeer(ctx context.Context, id string) (*models.Peer, error) {
	return getPeer(ctx, s.db, id)
}

// ListPeers returns the peers of one interface, or of all interfaces when
// interfaceID is empty, oldest first.
func (s *Store) ListPeers(ctx context.Context, interfaceID string) ([]*models.Peer, error) {
	return listPeers(ctx, s.db, interfaceID)
}

// UpdatePeer applies mutate to the stored peer and persists the result.
func (s *Store) UpdatePeer(ctx context.Context, id string, mutate PeerHook) (*models.Peer, error) {
	var out *models.Peer
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPeer(ctx, tx, id)
		if err != nil {
			return err
		}
		it, err := getInterface(ctx, tx, p.InterfaceID)
		if err != nil {
			return err
		}
		siblings, err := listPeers(ctx, tx, p.InterfaceID)
		if err != nil {
			return err
		}
		if err := mutate(it, p, without(siblings, id)); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE peers SET name = ?, preshared_key = ?, allowed_ips = ?, endpoint = ?,
			persistent_keepalive = ?, updated_at = ? WHERE id = ?`,
			p.Name, keyString(p.PresharedKey), joinList(p.AllowedIPs), p.Endpoint,
			p.PersistentKeepalive, unixNano(p.UpdatedAt), p.ID)
		if err != nil {
			return fmt.Errorf("update peer: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// DeletePeer removes the peer and returns what was removed.
func (s *Store) DeletePeer(ctx context.Context, id string) (*models.Peer, error) {
	var out *models.Peer
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPeer(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete peer: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}
