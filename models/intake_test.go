package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInterfaceName(t *testing.T) {
	for _, ok := range []string{"wg0", "wg-home.1", "a", "exactly15chars_"} {
		assert.NoError(t, ValidateInterfaceName(ok), ok)
	}
	for _, bad := range []string{"", "wg 0", "sixteen-chars-xx", "wg/0", "wg\t0"} {
		assert.Error(t, ValidateInterfaceName(bad), bad)
	}
}

func TestCreateInterfaceRequestValidate(t *testing.T) {
	base := func() CreateInterfaceRequest {
		return CreateInterfaceRequest{Name: "wg0", ListenPort: 51820, Address: "10.0.0.1/24"}
	}

	r := base()
	require.NoError(t, r.Validate())

	r = base()
	r.ListenPort = 0
	assert.Error(t, r.Validate())

	r = base()
	r.ListenPort = 65536
	assert.Error(t, r.Validate())

	r = base()
	r.Address = "10.0.0.1"
	assert.Error(t, r.Validate())

	r = base()
	r.MTU = 100
	assert.Error(t, r.Validate())

	r = base()
	r.DNS = []string{"1.1.1.1, 8.8.8.8"}
	assert.Error(t, r.Validate())

	r = base()
	r.PrivateKey = Key{1, 2, 3}
	assert.Error(t, r.Validate())

	r = base()
	r.DNS = []string{"1.1.1.1", "fd00::53", "corp.example.com", "lan."}
	r.Endpoint = "vpn.example.com"
	require.NoError(t, r.Validate())

	for _, ep := range []string{"203.0.113.7:51820", "[2001:db8::1]:51820", "2001:db8::1", "[2001:db8::1]"} {
		r = base()
		r.Endpoint = ep
		assert.NoError(t, r.Validate(), ep)
	}
}

func TestInterfaceRequestsRejectConfigInjection(t *testing.T) {
	for _, dns := range []string{
		"1.1.1.1\nPostUp = /tmp/evil.sh",
		"1.1.1.1\rPostUp = /tmp/evil.sh",
		"example.com#x",
		"a=b",
		"-leading.example.com",
	} {
		r := CreateInterfaceRequest{Name: "wg0", ListenPort: 51820, Address: "10.0.0.1/24", DNS: []string{dns}}
		var verr *ValidationError
		assert.ErrorAs(t, r.Validate(), &verr, dns)

		u := UpdateInterfaceRequest{DNS: &[]string{dns}}
		assert.Error(t, u.Validate(), dns)
	}
	for _, ep := range []string{
		"vpn.example.com\nPostUp = /tmp/evil.sh",
		"vpn.example.com:51820\nPostDown=x",
		"vpn example.com",
		"vpn.example.com:0",
	} {
		r := CreateInterfaceRequest{Name: "wg0", ListenPort: 51820, Address: "10.0.0.1/24", Endpoint: ep}
		assert.Error(t, r.Validate(), ep)

		u := UpdateInterfaceRequest{Endpoint: &ep}
		assert.Error(t, u.Validate(), ep)
	}
}

func TestCanonicalAllowedIPs(t *testing.T) {
	out, err := CanonicalAllowedIPs([]string{"10.0.0.5/24", " fd00::2/128"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24", "fd00::2/128"}, out)

	_, err = CanonicalAllowedIPs(nil)
	assert.Error(t, err)
	_, err = CanonicalAllowedIPs([]string{"10.0.0.2"})
	assert.Error(t, err)
	_, err = CanonicalAllowedIPs([]string{"10.0.0.2/32", "10.0.0.2/32"})
	assert.Error(t, err)
}

func TestPeerAllowedIPs(t *testing.T) {
	out, err := PeerAllowedIPs([]string{"10.0.0.5/24", "fd00::2/128"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24", "fd00::2/128"}, out)

	for _, route := range [][]string{{"0.0.0.0/0"}, {"::/0"}, {"10.0.0.2/32", "1.2.3.4/0"}} {
		_, err := PeerAllowedIPs(route)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, route)
	}
	_, err = PeerAllowedIPs(nil)
	assert.Error(t, err)
}

func TestCreatePeerRequestValidate(t *testing.T) {
	keepalive := -1
	r := CreatePeerRequest{InterfaceID: "x", Name: "p1", PersistentKeepalive: &keepalive}
	assert.Error(t, r.Validate())

	r = CreatePeerRequest{InterfaceID: "x", Name: "p1", Endpoint: "host-without-port"}
	assert.Error(t, r.Validate())

	r = CreatePeerRequest{InterfaceID: "x", Name: " p1 ", Endpoint: "198.51.100.1:51820"}
	require.NoError(t, r.Validate())
	assert.Equal(t, "p1", r.Name)

	for _, ep := range []string{"evil\nPostDown=/tmp/evil.sh:51820", "peer.example.com:51820\n", "bad_host:51820"} {
		r = CreatePeerRequest{InterfaceID: "x", Name: "p1", Endpoint: ep}
		assert.Error(t, r.Validate(), ep)
	}
	r = CreatePeerRequest{InterfaceID: "x", Name: "p1", Endpoint: "[2001:db8::1]:51820"}
	assert.NoError(t, r.Validate())

	psk, err := NewPresharedKey()
	require.NoError(t, err)
	r = CreatePeerRequest{InterfaceID: "x", Name: "p1", PresharedKey: psk, GeneratePresharedKey: true}
	assert.Error(t, r.Validate())
}
