package models

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zeroKey = Key(make([]byte, KeyLen))

const testConfVal = `[Interface]
PrivateKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
Address = 10.0.0.1/24
ListenPort = 51820
DNS = 1.1.1.1, 9.9.9.9
MTU = 1420

[Peer]
PublicKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
PresharedKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
AllowedIPs = 10.0.0.2/32, fd00::2/128
Endpoint = peer.example.com:51820

[Peer]
PublicKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
AllowedIPs = 10.0.0.3/32
PersistentKeepalive = 25
`

func testConf() Conf {
	return Conf{
		Interface: ConfInterface{
			PrivateKey: zeroKey,
			Address:    []string{"10.0.0.1/24"},
			ListenPort: 51820,
			DNS:        []string{"1.1.1.1", "9.9.9.9"},
			MTU:        1420,
		},
		Peers: []ConfPeer{
			{
				PublicKey:    zeroKey,
				PresharedKey: zeroKey,
				AllowedIPs:   []string{"10.0.0.2/32", "fd00::2/128"},
				Endpoint:     "peer.example.com:51820",
			},
			{
				PublicKey:           zeroKey,
				AllowedIPs:          []string{"10.0.0.3/32"},
				PersistentKeepalive: 25,
			},
		},
	}
}

func TestBasicConfMarshalling(t *testing.T) {
	val, err := testConf().MarshalText()
	require.NoError(t, err)
	assert.Equal(t, testConfVal, string(val))
}

func TestConfMarshallingNoTrailingWhitespace(t *testing.T) {
	val, err := testConf().MarshalText()
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(val, []byte("25\n")))
	for i, line := range bytes.Split(val, []byte("\n")) {
		assert.Equal(t, string(bytes.TrimRight(line, " \t")), string(line), "line %d", i+1)
	}
}

func TestConfMarshallingOmitsEmptyFields(t *testing.T) {
	c := Conf{Interface: ConfInterface{PrivateKey: zeroKey}}
	val, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[Interface]\nPrivateKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\n", string(val))
}

func TestConfMarshallingRejectsMultilineValues(t *testing.T) {
	c := testConf()
	c.Interface.DNS = []string{"1.1.1.1\nPostUp = /tmp/evil.sh"}
	_, err := c.MarshalText()
	assert.ErrorContains(t, err, "spans lines")

	c = testConf()
	c.Peers[0].Endpoint = "peer.example.com:51820\r\nPostDown = /tmp/evil.sh"
	_, err = c.MarshalText()
	assert.ErrorContains(t, err, "spans lines")
}

func TestParseRoundTrip(t *testing.T) {
	c, err := Parse(testConfVal)
	require.NoError(t, err)
	assert.Equal(t, testConf(), *c)

	again, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, testConfVal, string(again))
}

func TestRenderParseRenderIsStable(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	_, peerPub, err := GenerateKeyPair()
	require.NoError(t, err)
	psk, err := NewPresharedKey()
	require.NoError(t, err)

	iface := &Interface{
		Name:       "wg0",
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    "10.0.0.1/24",
		ListenPort: 51820,
		MTU:        DefaultMTU,
	}
	peers := []*Peer{
		{PublicKey: peerPub, PresharedKey: psk, AllowedIPs: []string{"10.0.0.2/32"}, PersistentKeepalive: 25},
	}

	first, err := Render(iface, peers)
	require.NoError(t, err)
	parsed, err := Parse(first)
	require.NoError(t, err)
	second, err := parsed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, first, string(second))
}

func TestParseAcceptsForeignFormatting(t *testing.T) {
	text := `# exported by wg-quick
[interface]
privatekey=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
Address = 10.0.0.1/24
Address = fd00::1/64
PostUp = iptables -A FORWARD -i %i -j ACCEPT

[Peer]
PublicKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA= # laptop
AllowedIPs = 10.0.0.2/32,10.0.1.0/24
`
	c, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1/24", "fd00::1/64"}, c.Interface.Address)
	require.Len(t, c.Peers, 1)
	assert.Equal(t, []string{"10.0.0.2/32", "10.0.1.0/24"}, c.Peers[0].AllowedIPs)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing interface", "[Peer]\nPublicKey = AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\n"},
		{"key outside section", "ListenPort = 1\n[Interface]\n"},
		{"duplicate interface", "[Interface]\n[Interface]\n"},
		{"unknown section", "[Interface]\n[Server]\n"},
		{"bad number", "[Interface]\nListenPort = abc\n"},
		{"bad key", "[Interface]\nPrivateKey = short\n"},
		{"no separator", "[Interface]\nListenPort\n"},
		{"unterminated header", "[Interface\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestClientConf(t *testing.T) {
	serverPriv, serverPub, err := GenerateKeyPair()
	require.NoError(t, err)
	peerPriv, peerPub, err := GenerateKeyPair()
	require.NoError(t, err)

	iface := &Interface{PrivateKey: serverPriv, PublicKey: serverPub, ListenPort: 51820, DNS: []string{"10.0.0.1"}, MTU: 1420}
	peer := &Peer{ID: "p1", PublicKey: peerPub, PrivateKey: peerPriv, AllowedIPs: []string{"10.0.0.2/32"}, PersistentKeepalive: 25}

	c, err := ClientConf(iface, peer, "vpn.example.com", []string{"0.0.0.0/0", "::/0"})
	require.NoError(t, err)
	assert.Equal(t, peerPriv, c.Interface.PrivateKey)
	assert.Equal(t, []string{"10.0.0.2/32"}, c.Interface.Address)
	assert.Zero(t, c.Interface.ListenPort)
	require.Len(t, c.Peers, 1)
	assert.Equal(t, serverPub, c.Peers[0].PublicKey)
	assert.Equal(t, "vpn.example.com:51820", c.Peers[0].Endpoint)

	c, err = ClientConf(iface, peer, "vpn.example.com:443", nil)
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com:443", c.Peers[0].Endpoint)

	peer.PrivateKey = nil
	_, err = ClientConf(iface, peer, "vpn.example.com", nil)
	var kerr *KeyUnavailableError
	assert.ErrorAs(t, err, &kerr)
}
