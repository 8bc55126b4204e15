// Package processor owns interface lifecycle and the peer registry. All
// mutations of one interface, its peers included, are serialized on a
// per-interface lock that is held across the driver call.
package processor

import (
	"context"
	"errors"

	"wg-tunneld/cmd/wg-tunneld/driver"
	"wg-tunneld/cmd/wg-tunneld/store"
	"wg-tunneld/models"

	"github.com/sirupsen/logrus"
)

// StatusSource serves cached live peer statistics.
type StatusSource interface {
	PeerStats(peerID string) (models.PeerStats, bool)
}

type Options struct {
	// RetainPrivateKeys stores generated peer private keys so client configs
	// can be rendered later.
	RetainPrivateKeys bool
	DefaultKeepalive  int
	ClientAllowedIPs  []string
	// PublicHost is used in client configs of interfaces without an endpoint.
	PublicHost string
}

type Processor struct {
	store  *store.Store
	driver driver.Driver
	status StatusSource
	locks  *keyedMutex
	opts   Options
	log    *logrus.Entry
}

func New(st *store.Store, drv driver.Driver, status StatusSource, opts Options, logger *logrus.Logger) *Processor {
	return &Processor{
		store:  st,
		driver: drv,
		status: status,
		locks:  newKeyedMutex(),
		opts:   opts,
		log:    logger.WithField("component", "processor"),
	}
}

// detached is used once a mutation holds the interface lock: from there on it
// runs to completion even if the caller goes away. Driver calls stay bounded
// by the driver timeout.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// fail records a driver failure on the interface and returns it as a
// DriverError.
func (p *Processor) fail(ctx context.Context, it *models.Interface, op string, err error) error {
	derr := &models.DriverError{Op: op, Interface: it.Name, Err: err}
	entry := p.log.WithFields(logrus.Fields{"interface": it.Name, "op": op}).WithError(err)
	if serr := p.store.SetInterfaceStatus(ctx, it.ID, models.StatusError, derr.Error()); serr != nil {
		entry.WithField("status_error", serr).Error("driver failure could not be recorded")
	} else {
		entry.Error("driver failure")
	}
	return derr
}

func (p *Processor) setStatus(ctx context.Context, it *models.Interface, status models.InterfaceStatus) error {
	if err := p.store.SetInterfaceStatus(ctx, it.ID, status, ""); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"interface": it.Name, "from": it.Status, "to": status}).Info("interface state changed")
	it.Status = status
	it.ErrorMessage = ""
	return nil
}

// bringUp renders the current state of it and applies it through the driver.
// The caller holds the interface lock.
func (p *Processor) bringUp(ctx context.Context, it *models.Interface, op string) (*models.Interface, error) {
	peers, err := p.store.ListPeers(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	cfg, err := driver.NewInterfaceConfig(it, peers)
	if err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, it, models.StatusStarting); err != nil {
		return nil, err
	}
	if err := p.driver.Up(ctx, cfg); err != nil {
		return nil, p.fail(ctx, it, op, err)
	}
	if err := p.setStatus(ctx, it, models.StatusRunning); err != nil {
		return nil, err
	}
	return p.store.GetInterface(ctx, it.ID)
}

// tearDown removes the device. The caller holds the interface lock.
func (p *Processor) tearDown(ctx context.Context, it *models.Interface, op string) error {
	if err := p.setStatus(ctx, it, models.StatusStopping); err != nil {
		return err
	}
	if err := p.driver.Down(ctx, it.Name); err != nil {
		return p.fail(ctx, it, op, err)
	}
	return p.setStatus(ctx, it, models.StatusStopped)
}

// syncPeers pushes the stored peer set of a running interface to the driver.
// Any failure fails the whole operation and moves the interface to error.
func (p *Processor) syncPeers(ctx context.Context, interfaceID string) error {
	it, err := p.store.GetInterface(ctx, interfaceID)
	if err != nil {
		return err
	}
	if it.Status != models.StatusRunning {
		return nil
	}
	peers, err := p.store.ListPeers(ctx, interfaceID)
	if err != nil {
		return err
	}
	if err := p.driver.SyncPeers(ctx, it.Name, driver.PeerConfigs(peers)); err != nil {
		return p.fail(ctx, it, "sync peers", err)
	}
	p.log.WithFields(logrus.Fields{"interface": it.Name, "peers": len(peers)}).Info("peers synced")
	return nil
}

// Recover reconciles persisted state with the driver after a restart.
// Running interfaces are applied again and interrupted transitions become
// errors. Failures are recorded on the interfaces, not returned.
func (p *Processor) Recover(ctx context.Context) error {
	list, err := p.store.ListInterfaces(ctx)
	if err != nil {
		return err
	}
	ctx = detached(ctx)
	for _, it := range list {
		unlock := p.locks.Lock(it.ID)
		switch it.Status {
		case models.StatusRunning:
			if _, err := p.bringUp(ctx, it, "recover"); err != nil && !isDriverError(err) {
				unlock()
				return err
			}
		case models.StatusStarting, models.StatusStopping:
			msg := "interrupted while " + string(it.Status)
			if err := p.store.SetInterfaceStatus(ctx, it.ID, models.StatusError, msg); err != nil {
				unlock()
				return err
			}
			p.log.WithField("interface", it.Name).Warn(msg)
		}
		unlock()
	}
	return nil
}

func isDriverError(err error) bool {
	var derr *models.DriverError
	return errors.As(err, &derr)
}
