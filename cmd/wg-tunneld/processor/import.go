package processor

import (
	"context"
	"fmt"

	"wg-tunneld/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImportInterface creates a stopped interface and its peers from wg-quick
// text. Imported peers have no private key, so their client configs cannot
// be rendered. If any peer is rejected the interface is removed again.
func (p *Processor) ImportInterface(ctx context.Context, req models.ImportInterfaceRequest) (*models.Interface, []*models.Peer, error) {
	conf, err := models.Parse(req.Config)
	if err != nil {
		return nil, nil, err
	}
	ci := conf.Interface
	if len(ci.PrivateKey) == 0 {
		return nil, nil, models.Invalid("config", "[Interface] has no PrivateKey")
	}
	if len(ci.Address) != 1 {
		return nil, nil, models.Invalid("config", "[Interface] needs exactly one Address, got %d", len(ci.Address))
	}

	it, err := p.CreateInterface(ctx, models.CreateInterfaceRequest{
		Name:       req.Name,
		ListenPort: ci.ListenPort,
		Address:    ci.Address[0],
		DNS:        ci.DNS,
		MTU:        ci.MTU,
		Endpoint:   req.Endpoint,
		PrivateKey: ci.PrivateKey,
	})
	if err != nil {
		return nil, nil, err
	}

	peers, err := p.importPeers(ctx, it, conf.Peers)
	if err != nil {
		if derr := p.DeleteInterface(ctx, it.ID); derr != nil {
			p.log.WithError(derr).WithField("interface", it.Name).Error("rolling back import")
		}
		return nil, nil, err
	}
	p.log.WithFields(logrus.Fields{"interface": it.Name, "peers": len(peers)}).Info("interface imported")
	return it, peers, nil
}

func (p *Processor) importPeers(ctx context.Context, it *models.Interface, confPeers []models.ConfPeer) ([]*models.Peer, error) {
	unlock := p.locks.Lock(it.ID)
	defer unlock()

	out := make([]*models.Peer, 0, len(confPeers))
	for i, cp := range confPeers {
		field := fmt.Sprintf("peer %d", i+1)
		if len(cp.PublicKey) == 0 {
			return nil, models.Invalid(field, "has no PublicKey")
		}
		allowed, err := models.PeerAllowedIPs(cp.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if err := models.ValidateEndpoint("endpoint", cp.Endpoint); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if err := models.ValidateKeepalive(cp.PersistentKeepalive); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		peer := &models.Peer{
			ID:                  uuid.NewString(),
			InterfaceID:         it.ID,
			Name:                fmt.Sprintf("%s-peer-%d", it.Name, i+1),
			PublicKey:           cp.PublicKey,
			PresharedKey:        cp.PresharedKey,
			AllowedIPs:          allowed,
			Endpoint:            cp.Endpoint,
			PersistentKeepalive: cp.PersistentKeepalive,
		}
		err = p.store.CreatePeer(ctx, peer, func(_ *models.Interface, np *models.Peer, siblings []*models.Peer) error {
			return checkOverlap(np.AllowedIPs, siblings)
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, peer)
	}
	return out, nil
}
