package ringer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	appLog "calmute/internal/log"
	"calmute/internal/model"
)

const commandTimeout = 10 * time.Second

// runFunc runs a shell command line and returns its stdout.
type runFunc func(ctx context.Context, line string) ([]byte, error)

// Command drives the ringer through shell commands. Without a get command
// the last successfully written mode is reported, starting at normal.
type Command struct {
	get string
	set map[model.Mode]string
	run runFunc

	mu   sync.Mutex
	last model.Mode
}

// NewCommand validates the mode names in set and returns a Command
// backend.
func NewCommand(get string, set map[string]string) (*Command, error) {
	byMode := make(map[model.Mode]string, len(set))
	for name, line := range set {
		m, err := model.ParseMode(name)
		if err != nil {
			return nil, err
		}
		byMode[m] = line
	}
	return &Command{get: get, set: byMode, run: runShell, last: model.ModeNormal}, nil
}

func (c *Command) Mode(ctx context.Context) (model.Mode, error) {
	if c.get == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last, nil
	}
	out, err := c.run(ctx, c.get)
	if err != nil {
		return 0, fmt.Errorf("ringer get: %w", err)
	}
	return model.ParseMode(string(bytes.TrimSpace(out)))
}

func (c *Command) SetMode(ctx context.Context, m model.Mode) error {
	line, ok := c.set[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCommand, m)
	}
	if _, err := c.run(ctx, line); err != nil {
		return fmt.Errorf("ringer set %s: %w", m, err)
	}
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
	appLog.Debug("ringer mode written", "mode", m.String())
	return nil
}

func runShell(ctx context.Context, line string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}
