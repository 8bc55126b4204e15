// Package status polls the driver for live peer statistics and publishes
// them as an immutable snapshot.
package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wg-tunneld/cmd/wg-tunneld/driver"
	"wg-tunneld/cmd/wg-tunneld/store"
	"wg-tunneld/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type InterfaceSnapshot struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Status       models.InterfaceStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	PollError    string                 `json:"poll_error,omitempty"`
	Peers        []models.PeerStats     `json:"peers"`
}

// Snapshot is never modified once published.
type Snapshot struct {
	AsOf       time.Time           `json:"as_of"`
	Interfaces []InterfaceSnapshot `json:"interfaces"`

	peers map[string]models.PeerStats
}

type Aggregator struct {
	store     *store.Store
	driver    driver.Driver
	interval  time.Duration
	freshness time.Duration
	snap      atomic.Pointer[Snapshot]
	metrics   *metrics
	log       *logrus.Entry
	now       func() time.Time
}

func New(st *store.Store, drv driver.Driver, interval, freshness time.Duration, reg prometheus.Registerer, logger *logrus.Logger) *Aggregator {
	a := &Aggregator{
		store:     st,
		driver:    drv,
		interval:  interval,
		freshness: freshness,
		metrics:   newMetrics(reg),
		log:       logger.WithField("component", "status"),
		now:       time.Now,
	}
	a.snap.Store(&Snapshot{peers: map[string]models.PeerStats{}})
	return a
}

// Snapshot returns the latest published snapshot without blocking.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.snap.Load()
}

func (a *Aggregator) PeerStats(peerID string) (models.PeerStats, bool) {
	st, ok := a.snap.Load().peers[peerID]
	return st, ok
}

// Run polls until ctx is done. It has the shape the terminator expects.
func (a *Aggregator) Run(ctx context.Context, _ context.CancelFunc) {
	tick := time.NewTicker(a.interval)
	defer tick.Stop()

	a.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("status polling stopped")
			return
		case <-tick.C:
			a.Poll(ctx)
		}
	}
}

// Poll runs one cycle. Interfaces are polled concurrently and a failure on
// one of them only affects its own peers.
func (a *Aggregator) Poll(ctx context.Context) {
	start := a.now()
	defer func() { a.metrics.pollDuration.Observe(time.Since(start).Seconds()) }()

	ifaces, err := a.store.ListInterfaces(ctx)
	if err != nil {
		a.log.WithError(err).Error("listing interfaces")
		return
	}
	peers, err := a.store.ListPeers(ctx, "")
	if err != nil {
		a.log.WithError(err).Error("listing peers")
		return
	}
	byInterface := make(map[string][]*models.Peer, len(ifaces))
	for _, p := range peers {
		byInterface[p.InterfaceID] = append(byInterface[p.InterfaceID], p)
	}

	results := make([]InterfaceSnapshot, len(ifaces))
	var wg sync.WaitGroup
	for i, it := range ifaces {
		wg.Add(1)
		go func(i int, it *models.Interface) {
			defer wg.Done()
			results[i] = a.pollInterface(ctx, it, byInterface[it.ID])
		}(i, it)
	}
	wg.Wait()

	snap := &Snapshot{AsOf: a.now(), Interfaces: results, peers: make(map[string]models.PeerStats, len(peers))}
	for _, is := range results {
		for _, ps := range is.Peers {
			snap.peers[ps.PeerID] = ps
		}
	}
	a.metrics.publish(results, snap.AsOf)
	a.snap.Store(snap)
}

func unknownPeers(it *models.Interface, peers []*models.Peer, asOf time.Time) []models.PeerStats {
	out := make([]models.PeerStats, 0, len(peers))
	for _, p := range peers {
		out = append(out, models.PeerStats{
			PeerID:      p.ID,
			InterfaceID: it.ID,
			Status:      models.PeerUnknown,
			Endpoint:    p.Endpoint,
			AsOf:        asOf,
		})
	}
	return out
}

func (a *Aggregator) pollInterface(ctx context.Context, it *models.Interface, peers []*models.Peer) InterfaceSnapshot {
	is := InterfaceSnapshot{
		ID:           it.ID,
		Name:         it.Name,
		Status:       it.Status,
		ErrorMessage: it.ErrorMessage,
	}
	if it.Status != models.StatusRunning {
		is.Peers = unknownPeers(it, peers, a.now())
		return is
	}

	stats, err := a.driver.Stats(ctx, it.Name)
	polledAt := a.now()
	if err != nil {
		a.metrics.pollFailures.WithLabelValues(it.Name).Inc()
		a.log.WithError(err).WithField("interface", it.Name).Warn("polling statistics")
		is.PollError = err.Error()
		is.Peers = unknownPeers(it, peers, polledAt)
		return is
	}

	is.Peers = make([]models.PeerStats, 0, len(peers))
	for _, p := range peers {
		ps := models.PeerStats{
			PeerID:      p.ID,
			InterfaceID: it.ID,
			Status:      models.PeerUnknown,
			Endpoint:    p.Endpoint,
			AsOf:        polledAt,
		}
		if live, ok := stats[p.PublicKey.String()]; ok {
			ps.Status = models.DeriveStatus(live.LastHandshake, polledAt, a.freshness)
			if !live.LastHandshake.IsZero() {
				hs := live.LastHandshake
				ps.LastHandshake = &hs
			}
			ps.BytesReceived = live.RxBytes
			ps.BytesSent = live.TxBytes
			if live.Endpoint != "" {
				ps.Endpoint = live.Endpoint
			}
		}
		is.Peers = append(is.Peers, ps)
	}
	return is
}
