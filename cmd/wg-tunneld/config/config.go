// Package config loads the wg-tunneld TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"wg-tunneld/cmd/wg-tunneld/driver"
	"wg-tunneld/models"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const serviceName = "wg-tunneld"

type Server struct {
	ListenAddress   string        `toml:"ListenAddress"`
	ShutdownTimeout time.Duration `toml:"ShutdownTimeout"`
}

type Storage struct {
	Path string `toml:"Path"`
}

type Driver struct {
	Kind      string        `toml:"Kind"`
	Timeout   time.Duration `toml:"Timeout"`
	ConfigDir string        `toml:"ConfigDir"`
	Dbus      bool          `toml:"Dbus"`
}

type Status struct {
	PollInterval       time.Duration `toml:"PollInterval"`
	HandshakeFreshness time.Duration `toml:"HandshakeFreshness"`
}

type Peers struct {
	RetainPrivateKeys bool     `toml:"RetainPrivateKeys"`
	DefaultKeepalive  int      `toml:"DefaultKeepalive"`
	ClientAllowedIPs  []string `toml:"ClientAllowedIPs"`
	PublicHost        string   `toml:"PublicHost"`
}

type Logging struct {
	Level  string `toml:"Level"`
	Format string `toml:"Format"`
}

type Config struct {
	Server  Server  `toml:"Server"`
	Storage Storage `toml:"Storage"`
	Driver  Driver  `toml:"Driver"`
	Status  Status  `toml:"Status"`
	Peers   Peers   `toml:"Peers"`
	Logging Logging `toml:"Logging"`
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddress:   "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{Path: "/var/lib/wg-tunneld/state.db"},
		Driver: Driver{
			Kind:      driver.KindNetlink,
			Timeout:   10 * time.Second,
			ConfigDir: "/etc/wireguard",
		},
		Status: Status{
			PollInterval:       10 * time.Second,
			HandshakeFreshness: 180 * time.Second,
		},
		Peers: Peers{
			RetainPrivateKeys: true,
			DefaultKeepalive:  25,
			ClientAllowedIPs:  []string{"0.0.0.0/0", "::/0"},
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load decodes path over the defaults. A missing file yields the defaults
// unless mustExist is set. Unknown keys are rejected.
func Load(path string, mustExist bool) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) && !mustExist {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("invalid toml conf file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if _, err := netip.ParseAddrPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("Server.ListenAddress: %w", err)
	}
	if c.Storage.Path == "" {
		return errors.New("Storage.Path must be set")
	}
	switch c.Driver.Kind {
	case driver.KindNetlink, driver.KindWgQuick, driver.KindSimulated:
	default:
		return fmt.Errorf("Driver.Kind: unknown driver %q", c.Driver.Kind)
	}
	if c.Driver.Kind == driver.KindWgQuick && c.Driver.ConfigDir == "" {
		return errors.New("Driver.ConfigDir must be set for the wg-quick driver")
	}
	if c.Driver.Timeout <= 0 {
		return errors.New("Driver.Timeout must be positive")
	}
	if c.Status.PollInterval <= 0 {
		return errors.New("Status.PollInterval must be positive")
	}
	if c.Status.HandshakeFreshness <= 0 {
		return errors.New("Status.HandshakeFreshness must be positive")
	}
	if err := models.ValidateKeepalive(c.Peers.DefaultKeepalive); err != nil {
		return fmt.Errorf("Peers.DefaultKeepalive: %w", err)
	}
	if _, err := models.CanonicalAllowedIPs(c.Peers.ClientAllowedIPs); err != nil {
		return fmt.Errorf("Peers.ClientAllowedIPs: %w", err)
	}
	if err := models.ValidatePublicHost("Peers.PublicHost", c.Peers.PublicHost); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("Logging.Level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("Logging.Format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) DriverOptions() driver.Options {
	return driver.Options{
		Kind:      c.Driver.Kind,
		Timeout:   c.Driver.Timeout,
		ConfigDir: c.Driver.ConfigDir,
		Dbus:      c.Driver.Dbus,
	}
}

type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (serviceHook) Fire(e *logrus.Entry) error {
	e.Data["service"] = serviceName
	return nil
}

// NewLogger creates a logger honoring the [Logging] section. Every entry
// carries a service field.
func (l Logging) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.AddHook(serviceHook{})
	return logger, nil
}
