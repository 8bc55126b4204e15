package processor

import (
	"context"
	"fmt"
	"slices"

	"wg-tunneld/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (p *Processor) CreateInterface(ctx context.Context, req models.CreateInterfaceRequest) (*models.Interface, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	it := &models.Interface{
		ID:         uuid.NewString(),
		Name:       req.Name,
		ListenPort: req.ListenPort,
		Address:    req.Address,
		DNS:        req.DNS,
		MTU:        req.MTU,
		Endpoint:   req.Endpoint,
		Status:     models.StatusStopped,
	}
	if it.MTU == 0 {
		it.MTU = models.DefaultMTU
	}
	var err error
	if len(req.PrivateKey) > 0 {
		it.PrivateKey = req.PrivateKey
		it.PublicKey, err = req.PrivateKey.PublicKey()
	} else {
		it.PrivateKey, it.PublicKey, err = models.GenerateKeyPair()
	}
	if err != nil {
		return nil, fmt.Errorf("interface keypair: %w", err)
	}
	if err := p.store.CreateInterface(ctx, it); err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"interface": it.Name, "id": it.ID, "port": it.ListenPort}).Info("interface created")
	return it, nil
}

func (p *Processor) GetInterface(ctx context.Context, id string) (*models.Interface, error) {
	return p.store.GetInterface(ctx, id)
}

func (p *Processor) ListInterfaces(ctx context.Context) ([]*models.Interface, error) {
	return p.store.ListInterfaces(ctx)
}

// StartInterface brings a stopped or failed interface up. Starting a running
// interface returns it unchanged.
func (p *Processor) StartInterface(ctx context.Context, id string) (*models.Interface, error) {
	unlock := p.locks.Lock(id)
	defer unlock()
	ctx = detached(ctx)

	it, err := p.store.GetInterface(ctx, id)
	if err != nil {
		return nil, err
	}
	switch it.Status {
	case models.StatusRunning:
		return it, nil
	case models.StatusStopped, models.StatusError:
		return p.bringUp(ctx, it, "start")
	default:
		return nil, &models.PreconditionError{Op: "start", State: it.Status}
	}
}

// StopInterface tears the device down. Stopping a stopped interface is a
// no-op; a failed one is cleaned up and marked stopped.
func (p *Processor) StopInterface(ctx context.Context, id string) (*models.Interface, error) {
	unlock := p.locks.Lock(id)
	defer unlock()
	ctx = detached(ctx)

	it, err := p.store.GetInterface(ctx, id)
	if err != nil {
		return nil, err
	}
	switch it.Status {
	case models.StatusStopped:
		return it, nil
	case models.StatusRunning, models.StatusError:
		if err := p.tearDown(ctx, it, "stop"); err != nil {
			return nil, err
		}
		return p.store.GetInterface(ctx, id)
	default:
		return nil, &models.PreconditionError{Op: "stop", State: it.Status}
	}
}

// RestartInterface takes a running interface down and up again, or starts a
// stopped one.
func (p *Processor) RestartInterface(ctx context.Context, id string) (*models.Interface, error) {
	unlock := p.locks.Lock(id)
	defer unlock()
	ctx = detached(ctx)

	it, err := p.store.GetInterface(ctx, id)
	if err != nil {
		return nil, err
	}
	switch it.Status {
	case models.StatusRunning:
		if err := p.tearDown(ctx, it, "restart"); err != nil {
			return nil, err
		}
	case models.StatusStopped, models.StatusError:
	default:
		return nil, &models.PreconditionError{Op: "restart", State: it.Status}
	}
	return p.bringUp(ctx, it, "restart")
}

// UpdateInterface changes descriptor fields. A running interface is brought
// down and up around the change; its listen port can only change while
// stopped.
func (p *Processor) UpdateInterface(ctx context.Context, id string, req models.UpdateInterfaceRequest) (*models.Interface, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(id)
	defer unlock()
	ctx = detached(ctx)

	var descriptorChanged bool
	updated, err := p.store.UpdateInterface(ctx, id, func(it *models.Interface) error {
		switch it.Status {
		case models.StatusStarting, models.StatusStopping:
			return &models.PreconditionError{Op: "update", State: it.Status}
		}
		if req.ListenPort != nil && *req.ListenPort != it.ListenPort {
			if it.Status == models.StatusRunning {
				return &models.PreconditionError{Op: "change listen_port of", State: it.Status}
			}
			it.ListenPort = *req.ListenPort
		}
		if req.Address != nil && *req.Address != it.Address {
			it.Address = *req.Address
			descriptorChanged = true
		}
		if req.DNS != nil && !slices.Equal(*req.DNS, it.DNS) {
			it.DNS = *req.DNS
			descriptorChanged = true
		}
		if req.MTU != nil {
			mtu := *req.MTU
			if mtu == 0 {
				mtu = models.DefaultMTU
			}
			if mtu != it.MTU {
				it.MTU = mtu
				descriptorChanged = true
			}
		}
		if req.Endpoint != nil {
			it.Endpoint = *req.Endpoint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"interface": updated.Name, "restart": descriptorChanged && updated.Status == models.StatusRunning}).Info("interface updated")

	if !descriptorChanged || updated.Status != models.StatusRunning {
		return updated, nil
	}
	if err := p.tearDown(ctx, updated, "update"); err != nil {
		return nil, err
	}
	return p.bringUp(ctx, updated, "update")
}

// DeleteInterface removes a stopped interface together with its peers.
func (p *Processor) DeleteInterface(ctx context.Context, id string) error {
	unlock := p.locks.Lock(id)
	defer unlock()

	var name string
	err := p.store.DeleteInterface(ctx, id, func(it *models.Interface) error {
		if it.Status != models.StatusStopped {
			return &models.PreconditionError{Op: "delete", State: it.Status}
		}
		name = it.Name
		return nil
	})
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"interface": name, "id": id}).Info("interface deleted")
	return nil
}

// RenderInterfaceConfig returns the device side configuration text.
func (p *Processor) RenderInterfaceConfig(ctx context.Context, id string) (string, error) {
	it, err := p.store.GetInterface(ctx, id)
	if err != nil {
		return "", err
	}
	peers, err := p.store.ListPeers(ctx, id)
	if err != nil {
		return "", err
	}
	return models.Render(it, peers)
}
