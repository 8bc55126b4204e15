package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wg-tunneld/cmd/wg-tunneld/driver"
	"wg-tunneld/cmd/wg-tunneld/processor"
	"wg-tunneld/cmd/wg-tunneld/status"
	"wg-tunneld/cmd/wg-tunneld/store"
	"wg-tunneld/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fixture struct {
	srv *Server
	sim *driver.Simulated
	agg *status.Aggregator
}

func newFixture(t *testing.T, retainKeys bool) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := store.New(filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sim := driver.NewSimulated(logger)
	reg := prometheus.NewRegistry()
	agg := status.New(st, sim, time.Hour, 180*time.Second, reg, logger)
	proc := processor.New(st, sim, agg, processor.Options{
		RetainPrivateKeys: retainKeys,
		DefaultKeepalive:  25,
		ClientAllowedIPs:  []string{"0.0.0.0/0"},
		PublicHost:        "vpn.example.com",
	}, logger)

	srv := New(Options{ListenAddress: "127.0.0.1:0", ShutdownTimeout: time.Second}, proc, agg, reg, logger)
	return &fixture{srv: srv, sim: sim, agg: agg}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	if data != nil && resp.Success {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

func (f *fixture) createInterface(t *testing.T) models.Interface {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/wireguard/interfaces", gin.H{
		"name": "wg0", "listen_port": 51820, "address": "10.0.0.1/24",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var it models.Interface
	decode(t, rec, &it)
	return it
}

func TestInterfaceLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, true)
	it := f.createInterface(t)
	assert.Equal(t, models.StatusStopped, it.Status)
	assert.Len(t, it.PublicKey, models.KeyLen)

	rec := f.do(t, http.MethodPost, "/wireguard/interfaces/"+it.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started models.Interface
	decode(t, rec, &started)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.True(t, f.sim.IsUp("wg0"))

	rec = f.do(t, http.MethodPost, "/wireguard/peers", gin.H{
		"interface_id": it.ID, "name": "p1", "allowed_ips": []string{"10.0.0.2/32"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added struct {
		Peer       models.Peer `json:"peer"`
		PrivateKey models.Key  `json:"private_key"`
	}
	decode(t, rec, &added)
	assert.Len(t, added.PrivateKey, models.KeyLen)
	assert.Equal(t, []string{"10.0.0.2/32"}, added.Peer.AllowedIPs)
	assert.NotContains(t, rec.Body.String(), "preshared")

	rec = f.do(t, http.MethodPost, "/wireguard/peers", gin.H{
		"interface_id": it.ID, "name": "p2", "allowed_ips": []string{"10.0.0.2/32"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec, nil)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	rec = f.do(t, http.MethodGet, "/wireguard/peers?interface_id="+it.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []models.Peer
	decode(t, rec, &peers)
	assert.Len(t, peers, 1)

	rec = f.do(t, http.MethodDelete, "/wireguard/peers/"+added.Peer.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.sim.Peers("wg0"))

	rec = f.do(t, http.MethodDelete, "/wireguard/interfaces/"+it.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/wireguard/interfaces/"+it.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/wireguard/interfaces/"+it.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/wireguard/interfaces/"+it.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectsMalformedBodies(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name    string
		body    any
		message string
	}{
		{"unknown field", `{"name":"wg0","listen_port":51820,"address":"10.0.0.1/24","colour":"red"}`, "unknown field"},
		{"missing name", gin.H{"listen_port": 51820, "address": "10.0.0.1/24"}, "invalid name: is required"},
		{"not json", `{"name":`, ""},
		{"bad key", gin.H{"name": "wg0", "listen_port": 51820, "address": "10.0.0.1/24", "private_key": "nope"}, "base64"},
		{"bad address", gin.H{"name": "wg0", "listen_port": 51820, "address": "10.0.0.1"}, "address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/wireguard/interfaces", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode(t, rec, nil)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.message)
		})
	}

	rec := f.do(t, http.MethodGet, "/wireguard/interfaces", nil)
	var list []models.Interface
	decode(t, rec, &list)
	assert.Empty(t, list)
}

func TestClientConfigFormats(t *testing.T) {
	f := newFixture(t, true)
	it := f.createInterface(t)

	rec := f.do(t, http.MethodPost, "/wireguard/peers", gin.H{"interface_id": it.ID, "name": "laptop"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added struct {
		Peer models.Peer `json:"peer"`
	}
	decode(t, rec, &added)
	assert.Equal(t, []string{"10.0.0.2/32"}, added.Peer.AllowedIPs)

	base := "/wireguard/peers/" + added.Peer.ID + "/config"

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg configResponse
	decode(t, rec, &cfg)
	assert.Contains(t, cfg.Config, "[Interface]")
	assert.Contains(t, cfg.Config, "Endpoint = vpn.example.com:51820")

	rec = f.do(t, http.MethodGet, base+"?format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cfg.Config, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="laptop.conf"`)

	rec = f.do(t, http.MethodGet, base+"?format=qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = f.do(t, http.MethodGet, base+"?format=yaml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/wireguard/interfaces/"+it.ID+"/config?format=qr", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/wireguard/interfaces/"+it.ID+"/config?format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ListenPort = 51820")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="wg0.conf"`)
}

func TestClientConfigWithoutRetainedKey(t *testing.T) {
	f := newFixture(t, false)
	it := f.createInterface(t)

	rec := f.do(t, http.MethodPost, "/wireguard/peers", gin.H{"interface_id": it.ID, "name": "phone"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var added struct {
		Peer       models.Peer `json:"peer"`
		PrivateKey models.Key  `json:"private_key"`
	}
	decode(t, rec, &added)
	assert.Len(t, added.PrivateKey, models.KeyLen)

	rec = f.do(t, http.MethodGet, "/wireguard/peers/"+added.Peer.ID+"/config", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDriverFailureMapsToBadGateway(t *testing.T) {
	f := newFixture(t, true)
	it := f.createInterface(t)
	f.sim.FailOn("up", errors.New("operation not permitted"))

	rec := f.do(t, http.MethodPost, "/wireguard/interfaces/"+it.ID+"/start", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode(t, rec, nil).Error, "operation not permitted")

	rec = f.do(t, http.MethodGet, "/wireguard/interfaces/"+it.ID, nil)
	var got models.Interface
	decode(t, rec, &got)
	assert.Equal(t, models.StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestImportInterface(t *testing.T) {
	f := newFixture(t, true)
	_, peerPub, err := models.GenerateKeyPair()
	require.NoError(t, err)
	priv, _, err := models.GenerateKeyPair()
	require.NoError(t, err)

	text := "[Interface]\nPrivateKey = " + priv.String() + "\nAddress = 10.8.0.1/24\nListenPort = 51900\n\n" +
		"[Peer]\nPublicKey = " + peerPub.String() + "\nAllowedIPs = 10.8.0.2/32\n"
	rec := f.do(t, http.MethodPost, "/wireguard/interfaces/import", gin.H{"name": "wg9", "config": text})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got importResponse
	decode(t, rec, &got)
	assert.Equal(t, "wg9", got.Interface.Name)
	assert.Equal(t, 51900, got.Interface.ListenPort)
	require.Len(t, got.Peers, 1)
	assert.Equal(t, []string{"10.8.0.2/32"}, got.Peers[0].AllowedIPs)
}

func TestStatusEndpoints(t *testing.T) {
	f := newFixture(t, true)
	it := f.createInterface(t)
	f.do(t, http.MethodPost, "/wireguard/interfaces/"+it.ID+"/start", nil)
	rec := f.do(t, http.MethodPost, "/wireguard/peers", gin.H{"interface_id": it.ID, "name": "p1"})
	var added struct {
		Peer models.Peer `json:"peer"`
	}
	decode(t, rec, &added)

	f.agg.Poll(context.Background())

	rec = f.do(t, http.MethodGet, "/wireguard/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap status.Snapshot
	decode(t, rec, &snap)
	require.Len(t, snap.Interfaces, 1)
	assert.Equal(t, "wg0", snap.Interfaces[0].Name)

	rec = f.do(t, http.MethodGet, "/wireguard/peers/"+added.Peer.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps models.PeerStats
	decode(t, rec, &ps)
	assert.Equal(t, models.PeerUnknown, ps.Status)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wg_tunneld_interface_up")

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPeersOfUnknownInterface(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/wireguard/peers?interface_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t, true)
	f.srv.engine.GET("/panic", func(*gin.Context) { panic("boom") })

	rec := f.do(t, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decode(t, rec, nil).Success)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, true)
	ln, err := f.srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.srv.Serve(ln)(ctx, cancel)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
