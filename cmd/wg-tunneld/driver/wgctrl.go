package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"wg-tunneld/models"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var zeroKey = wgtypes.Key{}

// wgctrlClient is an interface to mock wgctrl.Client
type wgctrlClient interface {
	io.Closer
	Devices() ([]*wgtypes.Device, error)
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, config wgtypes.Config) error
}

func toWgKey(k models.Key) (wgtypes.Key, error) {
	return wgtypes.NewKey(k)
}

func toWgPeer(p PeerConfig) (wgtypes.PeerConfig, error) {
	pub, err := toWgKey(p.PublicKey)
	if err != nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("peer public key: %w", err)
	}
	// the zero key clears a previously set preshared key
	psk := zeroKey
	if len(p.PresharedKey) > 0 {
		if psk, err = toWgKey(p.PresharedKey); err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("peer %s preshared key: %w", pub, err)
		}
	}

	allowed := make([]net.IPNet, 0, len(p.AllowedIPs))
	for _, cidr := range p.AllowedIPs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("peer %s allowed ip: %w", pub, err)
		}
		allowed = append(allowed, *ipnet)
	}

	var endpoint *net.UDPAddr
	if p.Endpoint != "" {
		if endpoint, err = net.ResolveUDPAddr("udp", p.Endpoint); err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("peer %s endpoint: %w", pub, err)
		}
	}

	keepalive := time.Duration(p.PersistentKeepalive) * time.Second
	return wgtypes.PeerConfig{
		PublicKey:                   pub,
		PresharedKey:                &psk,
		Endpoint:                    endpoint,
		PersistentKeepaliveInterval: &keepalive,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  allowed,
	}, nil
}

// deviceConfig builds the full configuration applied when a device comes up.
func deviceConfig(cfg InterfaceConfig) (wgtypes.Config, error) {
	priv, err := toWgKey(cfg.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("interface private key: %w", err)
	}
	peers := make([]wgtypes.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		wp, err := toWgPeer(p)
		if err != nil {
			return wgtypes.Config{}, err
		}
		peers = append(peers, wp)
	}
	port := cfg.ListenPort
	return wgtypes.Config{
		PrivateKey:   &priv,
		ListenPort:   &port,
		ReplacePeers: true,
		Peers:        peers,
	}, nil
}

// syncPeers diffs the desired peers against the live device and applies only
// the difference, so sessions of unchanged peers survive.
func syncPeers(ctx context.Context, wg wgctrlClient, name string, peers []PeerConfig) error {
	dev, err := wg.Device(name)
	if err != nil {
		return err
	}
	wanted := make(map[wgtypes.Key]struct{}, len(peers))
	changes := make([]wgtypes.PeerConfig, 0, len(peers)+len(dev.Peers))
	for _, p := range peers {
		wp, err := toWgPeer(p)
		if err != nil {
			return err
		}
		wanted[wp.PublicKey] = struct{}{}
		changes = append(changes, wp)
	}
	for _, live := range dev.Peers {
		if _, ok := wanted[live.PublicKey]; !ok {
			changes = append(changes, wgtypes.PeerConfig{PublicKey: live.PublicKey, Remove: true})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	// the device read may have outlived the caller
	if err := ctx.Err(); err != nil {
		return err
	}
	return wg.ConfigureDevice(name, wgtypes.Config{ReplacePeers: false, Peers: changes})
}

func deviceStats(wg wgctrlClient, name string) (Stats, error) {
	dev, err := wg.Device(name)
	if err != nil {
		return nil, err
	}
	out := make(Stats, len(dev.Peers))
	for _, p := range dev.Peers {
		st := PeerStats{
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			st.Endpoint = p.Endpoint.String()
		}
		out[p.PublicKey.String()] = st
	}
	return out, nil
}
