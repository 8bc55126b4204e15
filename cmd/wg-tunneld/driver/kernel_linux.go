//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// linkManager is the slice of netlink used for device lifecycle, mocked in tests.
type linkManager interface {
	// Add creates a wireguard link and reports whether it was created now.
	Add(name string, mtu int) (bool, error)
	Configure(name string, mtu int, address string) error
	SetUp(name string) error
	Delete(name string) error
}

type netlinkManager struct{}

func (netlinkManager) Add(name string, mtu int) (bool, error) {
	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu}}
	err := netlink.LinkAdd(link)
	// ignore existing link as it may be left over or managed by a userspace process
	if err != nil && errors.Is(err, unix.EEXIST) {
		return false, nil
	}
	if err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			return false, fmt.Errorf("WireGuard not supported by the Linux kernel (netlink: %w), make sure the WireGuard kernel module is loaded", err)
		}
		return false, err
	}
	return true, nil
}

func (netlinkManager) Configure(name string, mtu int, address string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	if mtu > 0 && link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	addr, err := netlink.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign address: %w", err)
	}
	return nil
}

func (netlinkManager) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (netlinkManager) Delete(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

// Kernel drives in-kernel WireGuard devices over rtnetlink and the
// WireGuard generic netlink family.
type Kernel struct {
	links linkManager
	wg    wgctrlClient
	log   *logrus.Entry
}

func NewKernel(logger *logrus.Logger) (*Kernel, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl: %w", err)
	}
	return &Kernel{
		links: netlinkManager{},
		wg:    wg,
		log:   logger.WithField("component", "driver"),
	}, nil
}

// Up stops between steps once ctx is done, so a call abandoned by the
// timeout wrapper does not bring the link up after failure was reported.
func (k *Kernel) Up(ctx context.Context, cfg InterfaceConfig) error {
	wgCfg, err := deviceConfig(cfg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	created, err := k.links.Add(cfg.Name, cfg.MTU)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		if created {
			if derr := k.links.Delete(cfg.Name); derr != nil {
				k.log.WithError(derr).WithField("interface", cfg.Name).Warn("removing half configured link")
			}
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := k.links.Configure(cfg.Name, cfg.MTU, cfg.Address); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := k.wg.ConfigureDevice(cfg.Name, wgCfg); err != nil {
		return fail(fmt.Errorf("configure device: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := k.links.SetUp(cfg.Name); err != nil {
		return fail(fmt.Errorf("set link up: %w", err))
	}
	k.log.WithFields(logrus.Fields{"interface": cfg.Name, "peers": len(cfg.Peers), "created": created}).Info("link up")
	return nil
}

func (k *Kernel) Down(_ context.Context, name string) error {
	if err := k.links.Delete(name); err != nil {
		return err
	}
	k.log.WithField("interface", name).Info("link removed")
	return nil
}

func (k *Kernel) SyncPeers(ctx context.Context, name string, peers []PeerConfig) error {
	return syncPeers(ctx, k.wg, name, peers)
}

func (k *Kernel) Stats(_ context.Context, name string) (Stats, error) {
	return deviceStats(k.wg, name)
}

func (k *Kernel) Close() error {
	return k.wg.Close()
}
