// Package driver is the boundary between the processor and the operating
// system's WireGuard implementation.
package driver

import (
	"context"
	"fmt"
	"time"

	"wg-tunneld/models"

	"github.com/sirupsen/logrus"
)

const (
	KindNetlink   = "netlink"
	KindWgQuick   = "wg-quick"
	KindSimulated = "simulated"
)

type PeerConfig struct {
	PublicKey           models.Key
	PresharedKey        models.Key
	AllowedIPs          []string
	Endpoint            string
	PersistentKeepalive int
}

// InterfaceConfig is everything needed to bring a device up. Text is the
// rendered wg-quick form of the same data.
type InterfaceConfig struct {
	Name       string
	PrivateKey models.Key
	Address    string
	ListenPort int
	MTU        int
	DNS        []string
	Peers      []PeerConfig
	Text       string
}

type PeerStats struct {
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
	Endpoint      string
}

// Stats maps a base64 peer public key to its live counters.
type Stats map[string]PeerStats

// Driver must be safe for concurrent use on distinct interface names.
type Driver interface {
	Up(ctx context.Context, cfg InterfaceConfig) error
	Down(ctx context.Context, name string) error
	// SyncPeers makes the live peer set equal to peers without touching
	// sessions of peers that stay.
	SyncPeers(ctx context.Context, name string, peers []PeerConfig) error
	Stats(ctx context.Context, name string) (Stats, error)
	Close() error
}

func PeerConfigs(peers []*models.Peer) []PeerConfig {
	out := make([]PeerConfig, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerConfig{
			PublicKey:           p.PublicKey,
			PresharedKey:        p.PresharedKey,
			AllowedIPs:          p.AllowedIPs,
			Endpoint:            p.Endpoint,
			PersistentKeepalive: p.PersistentKeepalive,
		})
	}
	return out
}

// NewInterfaceConfig renders iface and peers into a driver config.
func NewInterfaceConfig(iface *models.Interface, peers []*models.Peer) (InterfaceConfig, error) {
	text, err := models.Render(iface, peers)
	if err != nil {
		return InterfaceConfig{}, fmt.Errorf("rendering %s: %w", iface.Name, err)
	}
	return InterfaceConfig{
		Name:       iface.Name,
		PrivateKey: iface.PrivateKey,
		Address:    iface.Address,
		ListenPort: iface.ListenPort,
		MTU:        iface.MTU,
		DNS:        iface.DNS,
		Peers:      PeerConfigs(peers),
		Text:       text,
	}, nil
}

type Options struct {
	Kind      string
	Timeout   time.Duration
	ConfigDir string
	Dbus      bool
}

// New builds the driver named by opts.Kind, bounded by opts.Timeout.
func New(opts Options, units unitManager, logger *logrus.Logger) (Driver, error) {
	var (
		d   Driver
		err error
	)
	switch opts.Kind {
	case KindNetlink:
		d, err = NewKernel(logger)
	case KindWgQuick:
		d, err = NewWgQuick(opts.ConfigDir, units, opts.Dbus, logger)
	case KindSimulated:
		d = NewSimulated(logger)
	default:
		return nil, fmt.Errorf("unknown driver kind %q", opts.Kind)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(d, opts.Timeout), nil
}
