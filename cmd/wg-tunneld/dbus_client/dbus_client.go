// Package dbusclient starts and stops wg-quick@ units through the systemd
// manager on the system bus.
package dbusclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	wireguardServiceFormat = "wg-quick@%s.service"
	modeReplace            = "replace"

	systemdDest    = "org.freedesktop.systemd1"
	systemdPath    = "/org/freedesktop/systemd1"
	managerIface   = "org.freedesktop.systemd1.Manager"
	unitIface      = "org.freedesktop.systemd1.Unit"
	propertiesGet  = "org.freedesktop.DBus.Properties.Get"
	activeStateKey = "ActiveState"

	pollInterval = 200 * time.Millisecond
)

// refer: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.systemd1.html

/**
RestartUnit(in  s name,
            in  s mode,
            out o job);
*/

/**
LoadUnit(in  s name,
         out o unit);
*/

// SystemdManager talks to systemd when enableDbus is set and only logs the
// would-be calls otherwise.
type SystemdManager struct {
	m          sync.Mutex
	conn       *dbus.Conn
	enableDbus bool
	log        *logrus.Entry
}

func New(enableDbus bool, logger *logrus.Logger) *SystemdManager {
	return &SystemdManager{
		enableDbus: enableDbus,
		log:        logger.WithField("component", "systemd"),
	}
}

func ServiceName(intrfc string) string {
	return fmt.Sprintf(wireguardServiceFormat, intrfc)
}

func (d *SystemdManager) connection() (*dbus.Conn, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.conn != nil && d.conn.Connected() {
		return d.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}

func (d *SystemdManager) Close() error {
	d.m.Lock()
	defer d.m.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *SystemdManager) StopService(ctx context.Context, intrfc string) error {
	return d.runJob(ctx, "StopUnit", intrfc, "inactive")
}

func (d *SystemdManager) RestartService(ctx context.Context, intrfc string) error {
	return d.runJob(ctx, "RestartUnit", intrfc, "active")
}

// runJob dispatches a unit job and polls the unit until it settles in want,
// fails, or ctx expires.
func (d *SystemdManager) runJob(ctx context.Context, method, intrfc, want string) error {
	service := ServiceName(intrfc)
	entry := d.log.WithFields(logrus.Fields{"unit": service, "method": method})

	if !d.enableDbus {
		entry.Info("simulating unit job")
		return nil
	}

	conn, err := d.connection()
	if err != nil {
		return err
	}
	manager := conn.Object(systemdDest, systemdPath)

	var job dbus.ObjectPath
	if err := manager.CallWithContext(ctx, managerIface+"."+method, 0, service, modeReplace).Store(&job); err != nil {
		return fmt.Errorf("%s %s: %w", method, service, err)
	}
	entry.WithField("job", job).Debug("dispatched unit job")

	var unitPath dbus.ObjectPath
	if err := manager.CallWithContext(ctx, managerIface+".LoadUnit", 0, service).Store(&unitPath); err != nil {
		return fmt.Errorf("loading %s: %w", service, err)
	}
	unit := conn.Object(systemdDest, unitPath)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var state dbus.Variant
		if err := unit.CallWithContext(ctx, propertiesGet, 0, unitIface, activeStateKey).Store(&state); err != nil {
			return fmt.Errorf("reading state of %s: %w", service, err)
		}
		current, _ := state.Value().(string)
		switch current {
		case want:
			entry.WithField("state", current).Info("unit settled")
			return nil
		case "failed":
			if want == "inactive" {
				return nil
			}
			return fmt.Errorf("%s entered failed state", service)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to become %s (last %q): %w", service, want, current, ctx.Err())
		case <-ticker.C:
		}
	}
}
