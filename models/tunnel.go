package models

import (
	"time"
)

const DefaultMTU = 1420

type InterfaceStatus string

const (
	StatusStopped  InterfaceStatus = "stopped"
	StatusStarting InterfaceStatus = "starting"
	StatusRunning  InterfaceStatus = "running"
	StatusStopping InterfaceStatus = "stopping"
	StatusError    InterfaceStatus = "error"
)

type PeerStatus string

const (
	PeerConnected    PeerStatus = "connected"
	PeerDisconnected PeerStatus = "disconnected"
	PeerUnknown      PeerStatus = "unknown"
)

// Interface is a managed WireGuard device. PublicKey is always derived from
// PrivateKey.
type Interface struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ListenPort   int             `json:"listen_port"`
	Address      string          `json:"address"`
	DNS          []string        `json:"dns,omitempty"`
	MTU          int             `json:"mtu"`
	Endpoint     string          `json:"endpoint,omitempty"`
	PrivateKey   Key             `json:"-"`
	PublicKey    Key             `json:"public_key"`
	Status       InterfaceStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Peer belongs to exactly one Interface. PrivateKey is only set when the
// service generated the keypair and retains it.
type Peer struct {
	ID                  string    `json:"id"`
	InterfaceID         string    `json:"interface_id"`
	Name                string    `json:"name"`
	PublicKey           Key       `json:"public_key"`
	PrivateKey          Key       `json:"-"`
	PresharedKey        Key       `json:"-"`
	AllowedIPs          []string  `json:"allowed_ips"`
	Endpoint            string    `json:"endpoint,omitempty"`
	PersistentKeepalive int       `json:"persistent_keepalive"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasPresharedKey is reported instead of the key itself.
func (p *Peer) HasPresharedKey() bool {
	return len(p.PresharedKey) > 0
}

// PeerStats is the live, derived part of a peer as last seen by the status
// poller.
type PeerStats struct {
	PeerID        string     `json:"peer_id"`
	InterfaceID   string     `json:"interface_id"`
	Status        PeerStatus `json:"status"`
	LastHandshake *time.Time `json:"last_handshake,omitempty"`
	BytesReceived int64      `json:"bytes_received"`
	BytesSent     int64      `json:"bytes_sent"`
	Endpoint      string     `json:"endpoint,omitempty"`
	AsOf          time.Time  `json:"as_of"`
}

// DeriveStatus maps a handshake time to a peer status relative to the poll
// time.
func DeriveStatus(lastHandshake time.Time, polledAt time.Time, freshness time.Duration) PeerStatus {
	if lastHandshake.IsZero() {
		return PeerUnknown
	}
	if polledAt.Sub(lastHandshake) <= freshness {
		return PeerConnected
	}
	return PeerDisconnected
}
