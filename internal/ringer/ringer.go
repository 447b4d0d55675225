// Package ringer reads and writes the device ringer mode.
//
// The watcher only needs get/set of an enumerated mode; how that maps onto
// the host is a backend concern. Memory keeps the mode in-process (dry
// runs, tests) and Command shells out to user-configured commands such as
// pactl or a phone bridge.
package ringer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"calmute/internal/config"
	"calmute/internal/model"
)

// ErrNoCommand is returned when the command backend has no command for a
// requested mode.
var ErrNoCommand = errors.New("no command configured for mode")

// Controller is the ringer-mode subsystem.
type Controller interface {
	Mode(ctx context.Context) (model.Mode, error)
	SetMode(ctx context.Context, m model.Mode) error
}

// New builds the backend selected in cfg.
func New(cfg config.RingerConfig) (Controller, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemory(model.ModeNormal), nil
	case config.BackendCommand:
		return NewCommand(cfg.Get, cfg.Set)
	default:
		return nil, fmt.Errorf("unknown ringer backend %q", cfg.Backend)
	}
}

// Memory is an in-process Controller. It also records every write, which
// makes it the natural test double.
type Memory struct {
	mu     sync.Mutex
	mode   model.Mode
	writes []model.Mode
}

func NewMemory(initial model.Mode) *Memory {
	return &Memory{mode: initial}
}

func (m *Memory) Mode(_ context.Context) (model.Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

func (m *Memory) SetMode(_ context.Context, mode model.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	m.writes = append(m.writes, mode)
	return nil
}

// Writes returns a copy of every mode written so far, oldest first.
func (m *Memory) Writes() []model.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Mode, len(m.writes))
	copy(out, m.writes)
	return out
}
