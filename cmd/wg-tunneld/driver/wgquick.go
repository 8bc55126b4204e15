package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wg-tunneld/models"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl"
)

const (
	confFileMode = 0o600
	lockRetry    = 50 * time.Millisecond
)

type unitManager interface {
	RestartService(ctx context.Context, intrfc string) error
	StopService(ctx context.Context, intrfc string) error
}

// WgQuick keeps <dir>/<name>.conf in sync and lets systemd's wg-quick@ unit
// own the device. Live peer changes go through wgctrl when a device exists.
type WgQuick struct {
	dir   string
	units unitManager
	wg    wgctrlClient
	log   *logrus.Entry
}

// NewWgQuick opens wgctrl only when live is set; without it peer changes
// are written to disk and picked up on the next start.
func NewWgQuick(dir string, units unitManager, live bool, logger *logrus.Logger) (*WgQuick, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	d := &WgQuick{
		dir:   dir,
		units: units,
		log:   logger.WithField("component", "driver"),
	}
	if live {
		wg, err := wgctrl.New()
		if err != nil {
			return nil, fmt.Errorf("opening wgctrl: %w", err)
		}
		d.wg = wg
	}
	return d, nil
}

func (d *WgQuick) confPath(name string) string {
	return filepath.Join(d.dir, name+".conf")
}

// withFileLock serializes access to one interface's conf file, also against
// other processes editing it.
func (d *WgQuick) withFileLock(ctx context.Context, name string, fn func(path string) error) error {
	lock := flock.New(filepath.Join(d.dir, "."+name+".conf.lock"))
	ok, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("locking %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("config file for %s is locked", name)
	}
	defer lock.Unlock()
	return fn(d.confPath(name))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(confFileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (d *WgQuick) Up(ctx context.Context, cfg InterfaceConfig) error {
	err := d.withFileLock(ctx, cfg.Name, func(path string) error {
		return writeFileAtomic(path, []byte(cfg.Text))
	})
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	// restart so an already active unit picks up the new file
	if err := d.units.RestartService(ctx, cfg.Name); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"interface": cfg.Name, "peers": len(cfg.Peers)}).Info("unit started")
	return nil
}

func (d *WgQuick) Down(ctx context.Context, name string) error {
	if err := d.units.StopService(ctx, name); err != nil {
		return err
	}
	d.log.WithField("interface", name).Info("unit stopped")
	return nil
}

func (d *WgQuick) SyncPeers(ctx context.Context, name string, peers []PeerConfig) error {
	err := d.withFileLock(ctx, name, func(path string) error {
		text, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		conf, err := models.Parse(string(text))
		if err != nil {
			return err
		}
		conf.Peers = conf.Peers[:0]
		for _, p := range peers {
			conf.Peers = append(conf.Peers, models.PeerConf(&models.Peer{
				PublicKey:           p.PublicKey,
				PresharedKey:        p.PresharedKey,
				AllowedIPs:          p.AllowedIPs,
				Endpoint:            p.Endpoint,
				PersistentKeepalive: p.PersistentKeepalive,
			}))
		}
		out, err := conf.MarshalText()
		if err != nil {
			return err
		}
		return writeFileAtomic(path, out)
	})
	if err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	if d.wg == nil {
		return nil
	}
	return syncPeers(ctx, d.wg, name, peers)
}

func (d *WgQuick) Stats(_ context.Context, name string) (Stats, error) {
	if d.wg == nil {
		return Stats{}, nil
	}
	return deviceStats(d.wg, name)
}

func (d *WgQuick) Close() error {
	if d.wg == nil {
		return nil
	}
	return d.wg.Close()
}
