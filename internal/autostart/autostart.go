// Package autostart registers calmute to start with the user session.
package autostart

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-autostart"

	appLog "calmute/internal/log"
)

// app describes the login entry for the running executable, started with
// the given config path.
func app(configPath string) (*autostart.App, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return nil, err
	}
	exec := []string{execPath}
	if configPath != "" {
		exec = append(exec, "--config", configPath)
	}
	return &autostart.App{
		Name:        "calmute",
		DisplayName: "calmute calendar ringer watcher",
		Exec:        exec,
	}, nil
}

// Apply handles the --autostart flag value: "enable" or "disable".
func Apply(action, configPath string) error {
	a, err := app(configPath)
	if err != nil {
		return err
	}

	switch action {
	case "enable":
		if a.IsEnabled() {
			appLog.Info("autostart already enabled")
			return nil
		}
		if err := a.Enable(); err != nil {
			return fmt.Errorf("enable autostart: %w", err)
		}
		appLog.Info("autostart enabled")
	case "disable":
		if !a.IsEnabled() {
			appLog.Info("autostart already disabled")
			return nil
		}
		if err := a.Disable(); err != nil {
			return fmt.Errorf("disable autostart: %w", err)
		}
		appLog.Info("autostart disabled")
	default:
		return fmt.Errorf("autostart: unknown action %q (want enable or disable)", action)
	}
	return nil
}
