package processor

import (
	"fmt"
	"net/netip"

	"wg-tunneld/models"

	"go4.org/netipx"
)

const (
	ipv6PeerMask = 128
	ipv4PeerMask = 32
	// bounds the scan of very large (mostly IPv6) subnets
	maxCandidates = 1 << 16
)

// claimed returns the addresses already routed to peers of an interface.
func claimed(peers []*models.Peer) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range peers {
		for _, s := range p.AllowedIPs {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("stored allowed ip of peer %s: %w", p.ID, err)
			}
			b.AddPrefix(pfx.Masked())
		}
	}
	return b.IPSet()
}

// checkOverlap rejects allowed when any prefix overlaps a sibling's.
func checkOverlap(allowed []string, siblings []*models.Peer) error {
	taken, err := claimed(siblings)
	if err != nil {
		return err
	}
	for _, s := range allowed {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return models.Invalid("allowed_ips", "%q is not a CIDR", s)
		}
		if taken.OverlapsPrefix(pfx) {
			return &models.ConflictError{Resource: "allowed ip", Value: s}
		}
	}
	return nil
}

// nextFreeAddress returns the first host address of the interface subnet that
// is neither the interface's own address nor claimed by a peer, as a
// single-host prefix. Network and broadcast addresses are skipped for IPv4.
func nextFreeAddress(it *models.Interface, siblings []*models.Peer) (netip.Prefix, error) {
	own, err := netip.ParsePrefix(it.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("interface address: %w", err)
	}
	taken, err := claimed(siblings)
	if err != nil {
		return netip.Prefix{}, err
	}
	subnet := own.Masked()
	bits := ipv6PeerMask
	if own.Addr().Is4() {
		bits = ipv4PeerMask
	}

	last := netipx.PrefixLastIP(subnet)
	addr := subnet.Addr().Next()
	for i := 0; i < maxCandidates && addr.IsValid() && subnet.Contains(addr); i++ {
		if addr.Is4() && addr == last && subnet.Bits() < 31 {
			break
		}
		if addr != own.Addr() && !taken.Contains(addr) {
			return netip.PrefixFrom(addr, bits), nil
		}
		addr = addr.Next()
	}
	return netip.Prefix{}, &models.ConflictError{Resource: "address pool", Value: subnet.String()}
}
