//go:build linux

package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinks struct {
	mu          sync.Mutex
	links       map[string]bool
	configured  map[string]string
	configErr   error
	configDelay time.Duration
	deleteCalls int
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: make(map[string]bool), configured: make(map[string]string)}
}

func (f *fakeLinks) Add(name string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[name]; ok {
		return false, nil
	}
	f.links[name] = false
	return true, nil
}

func (f *fakeLinks) Configure(name string, _ int, address string) error {
	time.Sleep(f.configDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.configured[name] = address
	return nil
}

func (f *fakeLinks) SetUp(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[name] = true
	return nil
}

func (f *fakeLinks) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	delete(f.links, name)
	return nil
}

func newTestKernel() (*Kernel, *fakeLinks, *fakeWireGuardClient) {
	links, wg := newFakeLinks(), newFakeWireGuardClient()
	return &Kernel{links: links, wg: wg, log: quietLogger().WithField("component", "driver")}, links, wg
}

func TestKernelUpDown(t *testing.T) {
	k, links, wg := newTestKernel()
	ctx := context.Background()
	cfg := testInterfaceConfig(t, "wg0", testPeer(t, "10.0.0.2/32"))

	require.NoError(t, k.Up(ctx, cfg))
	assert.True(t, links.links["wg0"])
	assert.Equal(t, "10.0.0.1/24", links.configured["wg0"])
	dev := wg.devices["wg0"]
	require.NotNil(t, dev)
	assert.Equal(t, 51820, dev.ListenPort)
	assert.Len(t, dev.Peers, 1)

	// a second Up on an existing link reconfigures it in place
	require.NoError(t, k.Up(ctx, cfg))
	assert.Zero(t, links.deleteCalls)

	require.NoError(t, k.Down(ctx, "wg0"))
	assert.NotContains(t, links.links, "wg0")
}

func TestKernelUpFailureRemovesCreatedLink(t *testing.T) {
	k, links, _ := newTestKernel()
	links.configErr = errors.New("address in use")

	err := k.Up(context.Background(), testInterfaceConfig(t, "wg0"))
	require.Error(t, err)
	assert.NotContains(t, links.links, "wg0")
	assert.Equal(t, 1, links.deleteCalls)
}

func TestKernelUpFailureKeepsExistingLink(t *testing.T) {
	k, links, wg := newTestKernel()
	links.links["wg0"] = true
	wg.err = errors.New("operation not permitted")

	err := k.Up(context.Background(), testInterfaceConfig(t, "wg0"))
	require.Error(t, err)
	assert.Contains(t, links.links, "wg0")
	assert.Zero(t, links.deleteCalls)
}

func (f *fakeLinks) state(name string) (up, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, exists = f.links[name]
	return up, exists
}

func TestKernelUpAbandonedByTimeoutLeavesNoLink(t *testing.T) {
	k, links, wg := newTestKernel()
	links.configDelay = 100 * time.Millisecond
	d := WithTimeout(k, 20*time.Millisecond)

	err := d.Up(context.Background(), testInterfaceConfig(t, "wg0"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned call finishes Configure, then notices the deadline
	require.Eventually(t, func() bool {
		_, exists := links.state("wg0")
		return !exists
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	up, exists := links.state("wg0")
	assert.False(t, up)
	assert.False(t, exists)
	assert.Empty(t, wg.applied)
}
