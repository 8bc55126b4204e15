package models

import (
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxInterfaceName = 15
	maxKeepalive     = 65535
	minMTU           = 576
	maxMTU           = 65535
)

var (
	interfaceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_=+.-]{1,15}$`)
	// RFC 1123 labels, optional trailing dot
	hostnameRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.?$`)
)

const maxHostname = 253

// Request bodies accepted by the API and the import command. Binding tags are
// enforced at the HTTP boundary; Validate is enforced by the processor.

type CreateInterfaceRequest struct {
	Name       string   `json:"name" binding:"required"`
	ListenPort int      `json:"listen_port" binding:"required"`
	Address    string   `json:"address" binding:"required"`
	DNS        []string `json:"dns"`
	MTU        int      `json:"mtu"`
	Endpoint   string   `json:"endpoint"`
	PrivateKey Key      `json:"private_key"`
}

type UpdateInterfaceRequest struct {
	Address    *string   `json:"address"`
	DNS        *[]string `json:"dns"`
	MTU        *int      `json:"mtu"`
	ListenPort *int      `json:"listen_port"`
	Endpoint   *string   `json:"endpoint"`
}

type ImportInterfaceRequest struct {
	Name     string `json:"name" binding:"required"`
	Config   string `json:"config" binding:"required"`
	Endpoint string `json:"endpoint"`
}

type CreatePeerRequest struct {
	InterfaceID          string   `json:"interface_id" binding:"required"`
	Name                 string   `json:"name" binding:"required"`
	PublicKey            Key      `json:"public_key"`
	PresharedKey         Key      `json:"preshared_key"`
	GeneratePresharedKey bool     `json:"generate_preshared_key"`
	AllowedIPs           []string `json:"allowed_ips"`
	Endpoint             string   `json:"endpoint"`
	PersistentKeepalive  *int     `json:"persistent_keepalive"`
}

type UpdatePeerRequest struct {
	Name                *string   `json:"name"`
	AllowedIPs          *[]string `json:"allowed_ips"`
	Endpoint            *string   `json:"endpoint"`
	PersistentKeepalive *int      `json:"persistent_keepalive"`
	PresharedKey        *Key      `json:"preshared_key"`
}

func ValidateInterfaceName(name string) error {
	if !interfaceNameRe.MatchString(name) {
		return Invalid("name", "must be 1-%d characters of [a-zA-Z0-9_=+.-]", maxInterfaceName)
	}
	return nil
}

func ValidateListenPort(port int) error {
	if port < 1 || port > 65535 {
		return Invalid("listen_port", "must be between 1 and 65535")
	}
	return nil
}

// ValidateAddress accepts a host address with prefix, e.g. 10.0.0.1/24.
func ValidateAddress(addr string) error {
	if _, err := netip.ParsePrefix(addr); err != nil {
		return Invalid("address", "%q is not a CIDR", addr)
	}
	return nil
}

func ValidateMTU(mtu int) error {
	if mtu != 0 && (mtu < minMTU || mtu > maxMTU) {
		return Invalid("mtu", "must be between %d and %d", minMTU, maxMTU)
	}
	return nil
}

// isHost reports whether s is an IP address or a DNS name. Everything written
// into a rendered config goes through here or a stricter parser.
func isHost(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	return len(s) <= maxHostname && hostnameRe.MatchString(s)
}

// ValidateDNS accepts resolver addresses and search domains.
func ValidateDNS(dns []string) error {
	for _, d := range dns {
		if !isHost(d) {
			return Invalid("dns", "%q is not a resolver address or search domain", d)
		}
	}
	return nil
}

// ValidateEndpoint accepts host:port, with IPv6 hosts in brackets.
func ValidateEndpoint(field, endpoint string) error {
	if endpoint == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil || !isHost(host) {
		return Invalid(field, "%q is not host:port", endpoint)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Invalid(field, "%q has an invalid port", endpoint)
	}
	return nil
}

// ValidatePublicHost accepts the host clients dial, with or without a port.
func ValidatePublicHost(field, endpoint string) error {
	if endpoint == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return ValidateEndpoint(field, endpoint)
	}
	if !isHost(strings.TrimSuffix(strings.TrimPrefix(endpoint, "["), "]")) {
		return Invalid(field, "%q is not a host or host:port", endpoint)
	}
	return nil
}

func ValidateKeepalive(seconds int) error {
	if seconds < 0 || seconds > maxKeepalive {
		return Invalid("persistent_keepalive", "must be between 0 and %d", maxKeepalive)
	}
	return nil
}

func validateKey(field string, k Key) error {
	if len(k) != 0 && len(k) != KeyLen {
		return Invalid(field, "must be %d bytes", KeyLen)
	}
	return nil
}

// CanonicalAllowedIPs validates and masks each prefix, e.g. 10.0.0.5/24
// becomes 10.0.0.0/24. Duplicates are rejected.
func CanonicalAllowedIPs(ips []string) ([]string, error) {
	if len(ips) == 0 {
		return nil, Invalid("allowed_ips", "at least one CIDR is required")
	}
	out := make([]string, 0, len(ips))
	seen := make(map[netip.Prefix]bool, len(ips))
	for _, s := range ips {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, Invalid("allowed_ips", "%q is not a CIDR", s)
		}
		p = p.Masked()
		if seen[p] {
			return nil, Invalid("allowed_ips", "%s listed twice", p)
		}
		seen[p] = true
		out = append(out, p.String())
	}
	return out, nil
}

// PeerAllowedIPs is CanonicalAllowedIPs for the server side of a peer, where
// a zero-length prefix would route all of the host's traffic into the tunnel.
func PeerAllowedIPs(ips []string) ([]string, error) {
	out, err := CanonicalAllowedIPs(ips)
	if err != nil {
		return nil, err
	}
	for _, s := range out {
		if netip.MustParsePrefix(s).Bits() == 0 {
			return nil, Invalid("allowed_ips", "%s would route all traffic to one peer", s)
		}
	}
	return out, nil
}

func (r *CreateInterfaceRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Address = strings.TrimSpace(r.Address)
	if err := ValidateInterfaceName(r.Name); err != nil {
		return err
	}
	if err := ValidateListenPort(r.ListenPort); err != nil {
		return err
	}
	if err := ValidateAddress(r.Address); err != nil {
		return err
	}
	if err := ValidateDNS(r.DNS); err != nil {
		return err
	}
	if err := ValidateMTU(r.MTU); err != nil {
		return err
	}
	if err := ValidatePublicHost("endpoint", r.Endpoint); err != nil {
		return err
	}
	return validateKey("private_key", r.PrivateKey)
}

func (r *UpdateInterfaceRequest) Validate() error {
	if r.Address != nil {
		if err := ValidateAddress(*r.Address); err != nil {
			return err
		}
	}
	if r.DNS != nil {
		if err := ValidateDNS(*r.DNS); err != nil {
			return err
		}
	}
	if r.MTU != nil {
		if err := ValidateMTU(*r.MTU); err != nil {
			return err
		}
	}
	if r.ListenPort != nil {
		if err := ValidateListenPort(*r.ListenPort); err != nil {
			return err
		}
	}
	if r.Endpoint != nil {
		return ValidatePublicHost("endpoint", *r.Endpoint)
	}
	return nil
}

// Validate checks everything but AllowedIPs, which may be empty to request
// allocation.
func (r *CreatePeerRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return Invalid("name", "is required")
	}
	if r.InterfaceID == "" {
		return Invalid("interface_id", "is required")
	}
	if err := validateKey("public_key", r.PublicKey); err != nil {
		return err
	}
	if err := validateKey("preshared_key", r.PresharedKey); err != nil {
		return err
	}
	if r.GeneratePresharedKey && len(r.PresharedKey) != 0 {
		return Invalid("preshared_key", "cannot be combined with generate_preshared_key")
	}
	if err := ValidateEndpoint("endpoint", r.Endpoint); err != nil {
		return err
	}
	if r.PersistentKeepalive != nil {
		return ValidateKeepalive(*r.PersistentKeepalive)
	}
	return nil
}

func (r *UpdatePeerRequest) Validate() error {
	if r.Name != nil {
		*r.Name = strings.TrimSpace(*r.Name)
		if *r.Name == "" {
			return Invalid("name", "must not be empty")
		}
	}
	if r.Endpoint != nil {
		if err := ValidateEndpoint("endpoint", *r.Endpoint); err != nil {
			return err
		}
	}
	if r.PersistentKeepalive != nil {
		if err := ValidateKeepalive(*r.PersistentKeepalive); err != nil {
			return err
		}
	}
	if r.PresharedKey != nil {
		return validateKey("preshared_key", *r.PresharedKey)
	}
	return nil
}
