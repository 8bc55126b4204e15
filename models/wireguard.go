package models

import (
	"net"
	"strconv"
)

// ConfInterface is the [Interface] section. Field order is the render order.
type ConfInterface struct {
	PrivateKey Key      `conf:"PrivateKey"`
	Address    []string `conf:"Address" singleline:"true"`
	ListenPort int      `conf:"ListenPort"`
	DNS        []string `conf:"DNS" singleline:"true"`
	MTU        int      `conf:"MTU"`
}

// ConfPeer is one [Peer] section.
type ConfPeer struct {
	PublicKey           Key      `conf:"PublicKey"`
	PresharedKey        Key      `conf:"PresharedKey"`
	AllowedIPs          []string `conf:"AllowedIPs" singleline:"true"`
	Endpoint            string   `conf:"Endpoint"`
	PersistentKeepalive int      `conf:"PersistentKeepalive"`
}

// Conf is a whole wg-quick style configuration file.
type Conf struct {
	Interface ConfInterface `conf:"Interface"`
	Peers     []ConfPeer    `conf:"Peer"`
}

func PeerConf(p *Peer) ConfPeer {
	return ConfPeer{
		PublicKey:           p.PublicKey,
		PresharedKey:        p.PresharedKey,
		AllowedIPs:          p.AllowedIPs,
		Endpoint:            p.Endpoint,
		PersistentKeepalive: p.PersistentKeepalive,
	}
}

// ServerConf builds the device side configuration of an interface.
func ServerConf(iface *Interface, peers []*Peer) Conf {
	c := Conf{
		Interface: ConfInterface{
			PrivateKey: iface.PrivateKey,
			ListenPort: iface.ListenPort,
			DNS:        iface.DNS,
			MTU:        iface.MTU,
		},
	}
	if iface.Address != "" {
		c.Interface.Address = []string{iface.Address}
	}
	for _, p := range peers {
		c.Peers = append(c.Peers, PeerConf(p))
	}
	return c
}

// ClientConf builds the configuration a peer imports on its own device.
// endpointHost is the public host of the server; the interface listen port is
// appended when the host carries no port.
func ClientConf(iface *Interface, peer *Peer, endpointHost string, allowedIPs []string) (Conf, error) {
	if len(peer.PrivateKey) == 0 {
		return Conf{}, &KeyUnavailableError{PeerID: peer.ID}
	}
	endpoint := ""
	if endpointHost != "" {
		if _, _, err := net.SplitHostPort(endpointHost); err == nil {
			endpoint = endpointHost
		} else {
			endpoint = net.JoinHostPort(endpointHost, strconv.Itoa(iface.ListenPort))
		}
	}
	return Conf{
		Interface: ConfInterface{
			PrivateKey: peer.PrivateKey,
			Address:    peer.AllowedIPs,
			DNS:        iface.DNS,
			MTU:        iface.MTU,
		},
		Peers: []ConfPeer{
			{
				PublicKey:           iface.PublicKey,
				PresharedKey:        peer.PresharedKey,
				AllowedIPs:          allowedIPs,
				Endpoint:            endpoint,
				PersistentKeepalive: peer.PersistentKeepalive,
			},
		},
	}, nil
}

// Render returns the canonical text of an interface and its peers.
func Render(iface *Interface, peers []*Peer) (string, error) {
	buf, err := ServerConf(iface, peers).MarshalText()
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Parse reads a wg-quick style configuration.
func Parse(text string) (*Conf, error) {
	var c Conf
	if err := c.UnmarshalText([]byte(text)); err != nil {
		return nil, err
	}
	return &c, nil
}
