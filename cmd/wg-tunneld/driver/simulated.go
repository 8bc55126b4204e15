package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type simDevice struct {
	cfg   InterfaceConfig
	peers []PeerConfig
	stats Stats
}

// Simulated keeps devices in memory. It backs the "simulated" driver kind
// and the tests, which can inject failures, delays and handshakes.
type Simulated struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	calls   map[string]int
	fail    map[string]error
	delay   time.Duration
	log     *logrus.Entry
}

func NewSimulated(logger *logrus.Logger) *Simulated {
	return &Simulated{
		devices: make(map[string]*simDevice),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		log:     logger.WithField("component", "driver"),
	}
}

// FailOn makes every subsequent call of op ("up", "down", "sync", "stats")
// return err. A nil err clears the failure.
func (s *Simulated) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// SetDelay makes every call block for d or until its context ends.
func (s *Simulated) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Simulated) IsUp(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[name]
	return ok
}

// Peers returns the live peer set of a device.
func (s *Simulated) Peers(name string) []PeerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return nil
	}
	return append([]PeerConfig(nil), dev.peers...)
}

func (s *Simulated) Config(name string) (InterfaceConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return InterfaceConfig{}, false
	}
	return dev.cfg, true
}

// SetPeerStats records live counters for a peer of a running device.
func (s *Simulated) SetPeerStats(name, publicKey string, st PeerStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[name]; ok {
		dev.stats[publicKey] = st
	}
}

func (s *Simulated) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	delay, err := s.delay, s.fail[op]
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Simulated) Up(ctx context.Context, cfg InterfaceConfig) error {
	if err := s.enter(ctx, "up"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[cfg.Name] = &simDevice{cfg: cfg, peers: append([]PeerConfig(nil), cfg.Peers...), stats: make(Stats)}
	s.log.WithFields(logrus.Fields{"interface": cfg.Name, "peers": len(cfg.Peers)}).Info("simulating link up")
	return nil
}

func (s *Simulated) Down(ctx context.Context, name string) error {
	if err := s.enter(ctx, "down"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, name)
	s.log.WithField("interface", name).Info("simulating link down")
	return nil
}

func (s *Simulated) SyncPeers(ctx context.Context, name string, peers []PeerConfig) error {
	if err := s.enter(ctx, "sync"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return fmt.Errorf("device %s does not exist", name)
	}
	dev.peers = append([]PeerConfig(nil), peers...)
	keep := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		keep[p.PublicKey.String()] = struct{}{}
	}
	for k := range dev.stats {
		if _, ok := keep[k]; !ok {
			delete(dev.stats, k)
		}
	}
	return nil
}

func (s *Simulated) Stats(ctx context.Context, name string) (Stats, error) {
	if err := s.enter(ctx, "stats"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s does not exist", name)
	}
	out := make(Stats, len(dev.stats))
	for k, v := range dev.stats {
		out[k] = v
	}
	return out, nil
}

func (s *Simulated) Close() error {
	return nil
}
