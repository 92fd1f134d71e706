package cgroup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	securejoin "github.com/cyphar/filepath-securejoin"
	dbus "github.com/godbus/dbus/v5"
	"github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/opencontainers/runc/libcontainer/cgroups/fs2"
	"github.com/runbench/runbench/utils"
	"github.com/sirupsen/logrus"
)

// initSystemdRoot asks systemd for a delegated transient scope and prepares
// it so that per-run leaf groups can be created inside. The current process
// is parked in a main.scope leaf so the scope itself stays an inner node and
// its subtree controllers can be enabled.
func initSystemdRoot() (string, error) {
	dbus := newDbusConnManager()

	if err := checkSupportedControllers(); err != nil {
		return "", err
	}

	scopeName := fmt.Sprintf("runbench-%s.scope", utils.InstanceID)
	if err := initScope(scopeName, dbus); err != nil {
		return "", fmt.Errorf("Failed to create the systemd scope: %w", err)
	}

	scopePath, err := getPath(scopeName, dbus)
	if err != nil {
		return "", fmt.Errorf("Failed to find sub-cgroup path: %w", err)
	}

	mainScopePath := filepath.Join(scopePath, "main.scope")
	if err := os.Mkdir(mainScopePath, 0o775); err != nil {
		return "", fmt.Errorf("Failed to create main.scope: %w", err)
	}
	if err := cgroups.WriteCgroupProc(mainScopePath, os.Getpid()); err != nil {
		return "", fmt.Errorf("Failed to write proc into main.scope: %w", err)
	}
	if err := enableSubtreeControllers(scopePath); err != nil {
		return "", err
	}

	return scopePath, nil
}

func initScope(unitName string, dbus *dbusConnManager) error {
	properties := []systemdDbus.Property{
		newProp("Delegate", true),
		newProp("DefaultDependencies", false),
		systemdDbus.PropSlice("user.slice"),
		systemdDbus.PropPids(uint32(os.Getpid())),
		systemdDbus.PropDescription("runbench resource-accounted benchmark runs"),
	}

	if err := startUnit(dbus, unitName, properties); err != nil {
		return fmt.Errorf("Failed to start unit %q (properties %+v): %w", unitName, properties, err)
	}

	return nil
}

var mandatoryControllers = []string{"cpu", "cpuset", "memory"}

func checkSupportedControllers() error {
	content, err := cgroups.ReadFile(fs2.UnifiedMountpoint, "/cgroup.controllers")
	if err != nil {
		return fmt.Errorf("Error reading cgroup.controllers: %w", err)
	}

	available := strings.Fields(content)
	for _, controller := range mandatoryControllers {
		found := false
		for _, c := range available {
			if c == controller {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("Missing the %s cgroup controller, available controllers: %s", controller, content)
		}
	}

	return nil
}

func enableSubtreeControllers(path string) error {
	for _, controller := range mandatoryControllers {
		if err := cgroups.WriteFile(path, "cgroup.subtree_control", "+"+controller); err != nil {
			return fmt.Errorf("Failed to enable %s controller via cgroup.subtree_control: %w", controller, err)
		}
	}

	return nil
}

// Following codes are modified based on github.com/opencontainers/runc under Apache License V2.0.
// Copyright 2014 Docker, Inc.

func newProp(name string, units interface{}) systemdDbus.Property {
	return systemdDbus.Property{
		Name:  name,
		Value: dbus.MakeVariant(units),
	}
}

func getPath(unitName string, cm *dbusConnManager) (string, error) {
	sliceFull, err := getSliceFull(cm)
	if err != nil {
		return "", err
	}
	path := filepath.Join(sliceFull, unitName)
	path, err = securejoin.SecureJoin(fs2.UnifiedMountpoint, path)
	if err != nil {
		return "", err
	}
	return path, err
}

func getSliceFull(cm *dbusConnManager) (string, error) {
	managerCG, err := getManagerProperty(cm, "ControlGroup")
	if err != nil {
		return "", err
	}
	return filepath.Join(managerCG, "user.slice"), nil
}

func getManagerProperty(cm *dbusConnManager, name string) (string, error) {
	str := ""
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		var err error
		str, err = c.GetManagerProperty(name)
		return err
	})
	if err != nil {
		return "", err
	}
	return strconv.Unquote(str)
}

func startUnit(cm *dbusConnManager, unitName string, properties []systemdDbus.Property) error {
	statusChan := make(chan string, 1)
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		_, err := c.StartTransientUnitContext(context.TODO(), unitName, "replace", properties, statusChan)
		return err
	})
	if err == nil {
		timeout := time.NewTimer(30 * time.Second)
		defer timeout.Stop()

		select {
		case s := <-statusChan:
			close(statusChan)
			// Please refer to https://pkg.go.dev/github.com/coreos/go-systemd/v22/dbus#Conn.StartUnit
			if s != "done" {
				resetFailedUnit(cm, unitName)
				return fmt.Errorf("Error creating systemd unit `%s`: got `%s`", unitName, s)
			}
		case <-timeout.C:
			resetFailedUnit(cm, unitName)
			return errors.New("Timeout waiting for systemd to create " + unitName)
		}
	} else if !isUnitExists(err) {
		return err
	}

	return nil
}

func resetFailedUnit(cm *dbusConnManager, name string) {
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		return c.ResetFailedUnitContext(context.TODO(), name)
	})
	if err != nil {
		logrus.WithError(err).Warn("Failed to reset failed unit")
	}
}

// isUnitExists returns true if the error is that a systemd unit already exists.
func isUnitExists(err error) bool {
	return isDbusError(err, "org.freedesktop.systemd1.UnitExists")
}
