package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wg-tunneld/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestGenkeyAndPubkey(t *testing.T) {
	priv, _, err := run(t, "", "genkey")
	require.NoError(t, err)
	key, err := models.ParseKey(strings.TrimSpace(priv))
	require.NoError(t, err)

	pub, _, err := run(t, priv, "pubkey")
	require.NoError(t, err)
	want, err := key.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, want.String(), strings.TrimSpace(pub))

	psk, _, err := run(t, "", "genkey", "--psk")
	require.NoError(t, err)
	_, err = models.ParseKey(strings.TrimSpace(psk))
	assert.NoError(t, err)

	_, _, err = run(t, "not a key\n", "pubkey")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	_, stderr, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, stderr, "WireGuard Tunnel Daemon")
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "wg-tunneld.toml")
	require.NoError(t, os.WriteFile(conf, []byte(`
[Storage]
Path = "`+filepath.Join(dir, "state.db")+`"

[Driver]
Kind = "simulated"

[Logging]
Level = "error"
`), 0o600))

	priv, _, err := models.GenerateKeyPair()
	require.NoError(t, err)
	_, peerPub, err := models.GenerateKeyPair()
	require.NoError(t, err)
	wgConf := filepath.Join(dir, "wg7.conf")
	require.NoError(t, os.WriteFile(wgConf, []byte("[Interface]\nPrivateKey = "+priv.String()+
		"\nAddress = 10.9.0.1/24\nListenPort = 51999\n\n[Peer]\nPublicKey = "+peerPub.String()+
		"\nAllowedIPs = 10.9.0.2/32\n"), 0o600))

	out, _, err := run(t, "", "--config", conf, "import", wgConf)
	require.NoError(t, err)
	assert.Contains(t, out, "imported wg7")
	assert.Contains(t, out, "with 1 peers")

	// same name and port again
	_, _, err = run(t, "", "--config", conf, "import", wgConf)
	var conflict *models.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMissingExplicitConfigFails(t *testing.T) {
	_, _, err := run(t, "", "--config", filepath.Join(t.TempDir(), "nope.toml"), "import", "x.conf")
	assert.Error(t, err)
}

func TestInterfaceNameFromPath(t *testing.T) {
	assert.Equal(t, "wg0", interfaceNameFromPath("/etc/wireguard/wg0.conf"))
	assert.Equal(t, "tun", interfaceNameFromPath("tun"))
}
