package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wg-tunneld/cmd/wg-tunneld/config"
	dbusclient "wg-tunneld/cmd/wg-tunneld/dbus_client"
	"wg-tunneld/cmd/wg-tunneld/driver"
	"wg-tunneld/cmd/wg-tunneld/processor"
	"wg-tunneld/cmd/wg-tunneld/server"
	"wg-tunneld/cmd/wg-tunneld/status"
	"wg-tunneld/cmd/wg-tunneld/store"
	"wg-tunneld/cmd/wg-tunneld/terminator"
	"wg-tunneld/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// daemon holds everything that shares the state database.
type daemon struct {
	cfg    config.Config
	log    *logrus.Logger
	store  *store.Store
	units  *dbusclient.SystemdManager
	driver driver.Driver
}

func loadConfig(c *cobra.Command, confFile string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(confFile, c.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, logger, nil
}

func openDaemon(cfg config.Config, logger *logrus.Logger) (*daemon, error) {
	st, err := store.New(cfg.Storage.Path, logger)
	if errors.Is(err, store.ErrLocked) {
		return nil, fmt.Errorf("%s: %w", cfg.Storage.Path, err)
	} else if err != nil {
		return nil, err
	}
	units := dbusclient.New(cfg.Driver.Dbus, logger)
	drv, err := driver.New(cfg.DriverOptions(), units, logger)
	if err != nil {
		_ = units.Close()
		_ = st.Close()
		return nil, fmt.Errorf("driver init failure: %w", err)
	}
	return &daemon{cfg: cfg, log: logger, store: st, units: units, driver: drv}, nil
}

func (d *daemon) processor(statusSource processor.StatusSource) *processor.Processor {
	return processor.New(d.store, d.driver, statusSource, processor.Options{
		RetainPrivateKeys: d.cfg.Peers.RetainPrivateKeys,
		DefaultKeepalive:  d.cfg.Peers.DefaultKeepalive,
		ClientAllowedIPs:  d.cfg.Peers.ClientAllowedIPs,
		PublicHost:        d.cfg.Peers.PublicHost,
	}, d.log)
}

func (d *daemon) close() {
	if err := d.driver.Close(); err != nil {
		d.log.WithError(err).Warn("closing driver")
	}
	if err := d.units.Close(); err != nil {
		d.log.WithError(err).Warn("closing system bus")
	}
	if err := d.store.Close(); err != nil {
		d.log.WithError(err).Warn("closing store")
	}
}

func newServeCmd(confFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(c, *confFile)
			if err != nil {
				return err
			}
			terminator.SetLogger(logger)
			return serve(c.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	d, err := openDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	agg := status.New(d.store, d.driver, cfg.Status.PollInterval, cfg.Status.HandshakeFreshness, reg, logger)
	proc := d.processor(agg)

	if err := proc.Recover(ctx); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	srv := server.New(server.Options{
		ListenAddress:   cfg.Server.ListenAddress,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, proc, agg, reg, logger)
	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("server init failure: %w", err)
	}

	if err := terminator.HookInto(agg.Run); err != nil {
		return err
	}
	if err := terminator.HookInto(srv.Serve(ln)); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"driver":  cfg.Driver.Kind,
		"address": ln.Addr().String(),
	}).Info("daemon started")

	terminator.StartTerminator(0)
	return nil
}

func newImportCmd(confFile *string) *cobra.Command {
	var name, endpoint string
	c := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a wg-quick config file as a stopped interface",
		Long: "Import a wg-quick config file as a stopped interface. The daemon must not be " +
			"running, since both need exclusive access to the state database.",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(c, *confFile)
			if err != nil {
				return err
			}
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = interfaceNameFromPath(args[0])
			}

			d, err := openDaemon(cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			it, peers, err := d.processor(nil).ImportInterface(c.Context(), models.ImportInterfaceRequest{
				Name:     name,
				Config:   string(text),
				Endpoint: endpoint,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "imported %s (%s) with %d peers\n", it.Name, it.ID, len(peers))
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "interface name (default: file name without .conf)")
	c.Flags().StringVar(&endpoint, "endpoint", "", "public host clients use to reach the interface")
	return c
}

// interfaceNameFromPath maps /etc/wireguard/wg0.conf to wg0.
func interfaceNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".conf")
}
