package processor

import (
	"context"
	"fmt"

	"wg-tunneld/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PeerResult is a created peer plus the private key generated for it, which
// is handed out only here.
type PeerResult struct {
	Peer       *models.Peer
	PrivateKey models.Key
}

// AddPeer registers a peer on an interface. Without a public key a keypair is
// generated; without allowed IPs the next free host address is allocated.
// When the interface is running the new peer set is synced to the device.
func (p *Processor) AddPeer(ctx context.Context, req models.CreatePeerRequest) (*PeerResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var allowed []string
	if len(req.AllowedIPs) > 0 {
		var err error
		if allowed, err = models.PeerAllowedIPs(req.AllowedIPs); err != nil {
			return nil, err
		}
	}

	peer := &models.Peer{
		ID:                  uuid.NewString(),
		InterfaceID:         req.InterfaceID,
		Name:                req.Name,
		PublicKey:           req.PublicKey,
		PresharedKey:        req.PresharedKey,
		AllowedIPs:          allowed,
		Endpoint:            req.Endpoint,
		PersistentKeepalive: p.opts.DefaultKeepalive,
	}
	if req.PersistentKeepalive != nil {
		peer.PersistentKeepalive = *req.PersistentKeepalive
	}

	res := &PeerResult{Peer: peer}
	if len(peer.PublicKey) == 0 {
		priv, pub, err := models.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("peer keypair: %w", err)
		}
		peer.PublicKey = pub
		res.PrivateKey = priv
		if p.opts.RetainPrivateKeys {
			peer.PrivateKey = priv
		}
	}
	if req.GeneratePresharedKey {
		psk, err := models.NewPresharedKey()
		if err != nil {
			return nil, fmt.Errorf("preshared key: %w", err)
		}
		peer.PresharedKey = psk
	}

	unlock := p.locks.Lock(req.InterfaceID)
	defer unlock()
	ctx = detached(ctx)

	err := p.store.CreatePeer(ctx, peer, func(it *models.Interface, np *models.Peer, siblings []*models.Peer) error {
		if len(np.AllowedIPs) == 0 {
			addr, err := nextFreeAddress(it, siblings)
			if err != nil {
				return err
			}
			np.AllowedIPs = []string{addr.String()}
			return nil
		}
		return checkOverlap(np.AllowedIPs, siblings)
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"peer":        peer.ID,
		"interface":   peer.InterfaceID,
		"allowed_ips": peer.AllowedIPs,
		"generated":   len(res.PrivateKey) > 0,
	}).Info("peer added")

	if err := p.syncPeers(ctx, peer.InterfaceID); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) GetPeer(ctx context.Context, id string) (*models.Peer, error) {
	return p.store.GetPeer(ctx, id)
}

// ListPeers lists the peers of one interface, or all peers for an empty id.
func (p *Processor) ListPeers(ctx context.Context, interfaceID string) ([]*models.Peer, error) {
	if interfaceID != "" {
		if _, err := p.store.GetInterface(ctx, interfaceID); err != nil {
			return nil, err
		}
	}
	return p.store.ListPeers(ctx, interfaceID)
}

// UpdatePeer changes the mutable fields of a peer. Public key and interface
// are fixed for the life of a peer.
func (p *Processor) UpdatePeer(ctx context.Context, id string, req models.UpdatePeerRequest) (*models.Peer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var allowed []string
	if req.AllowedIPs != nil {
		var err error
		if allowed, err = models.PeerAllowedIPs(*req.AllowedIPs); err != nil {
			return nil, err
		}
	}

	current, err := p.store.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(current.InterfaceID)
	defer unlock()
	ctx = detached(ctx)

	updated, err := p.store.UpdatePeer(ctx, id, func(_ *models.Interface, peer *models.Peer, siblings []*models.Peer) error {
		if allowed != nil {
			if err := checkOverlap(allowed, siblings); err != nil {
				return err
			}
			peer.AllowedIPs = allowed
		}
		if req.Name != nil {
			peer.Name = *req.Name
		}
		if req.Endpoint != nil {
			peer.Endpoint = *req.Endpoint
		}
		if req.PersistentKeepalive != nil {
			peer.PersistentKeepalive = *req.PersistentKeepalive
		}
		if req.PresharedKey != nil {
			peer.PresharedKey = *req.PresharedKey
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"peer": id, "interface": updated.InterfaceID}).Info("peer updated")

	if err := p.syncPeers(ctx, updated.InterfaceID); err != nil {
		return nil, err
	}
	return updated, nil
}

// RemovePeer deletes a peer; a running interface drops it without disturbing
// the sessions of other peers.
func (p *Processor) RemovePeer(ctx context.Context, id string) error {
	current, err := p.store.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	unlock := p.locks.Lock(current.InterfaceID)
	defer unlock()
	ctx = detached(ctx)

	removed, err := p.store.DeletePeer(ctx, id)
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"peer": id, "interface": removed.InterfaceID}).Info("peer removed")
	return p.syncPeers(ctx, removed.InterfaceID)
}

// GetPeerStatus reads the latest cached statistics of a peer. It never
// queries the driver.
func (p *Processor) GetPeerStatus(ctx context.Context, id string) (models.PeerStats, error) {
	peer, err := p.store.GetPeer(ctx, id)
	if err != nil {
		return models.PeerStats{}, err
	}
	if p.status != nil {
		if st, ok := p.status.PeerStats(id); ok {
			return st, nil
		}
	}
	return models.PeerStats{PeerID: id, InterfaceID: peer.InterfaceID, Status: models.PeerUnknown}, nil
}

// RenderClientConfig returns the configuration the peer imports on its own
// device. It fails with KeyUnavailableError when the service never held the
// peer's private key.
func (p *Processor) RenderClientConfig(ctx context.Context, id string) (string, error) {
	peer, err := p.store.GetPeer(ctx, id)
	if err != nil {
		return "", err
	}
	it, err := p.store.GetInterface(ctx, peer.InterfaceID)
	if err != nil {
		return "", err
	}
	host := it.Endpoint
	if host == "" {
		host = p.opts.PublicHost
	}
	conf, err := models.ClientConf(it, peer, host, p.opts.ClientAllowedIPs)
	if err != nil {
		return "", err
	}
	text, err := conf.MarshalText()
	if err != nil {
		return "", err
	}
	return string(text), nil
}
