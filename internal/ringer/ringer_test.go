package ringer

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"calmute/internal/config"
	"calmute/internal/model"
)

func TestNew_SelectsBackend(t *testing.T) {
	if c, err := New(config.RingerConfig{}); err != nil {
		t.Errorf("default backend: %v", err)
	} else if _, ok := c.(*Memory); !ok {
		t.Errorf("default backend = %T, want *Memory", c)
	}

	c, err := New(config.RingerConfig{Backend: config.BackendCommand, Set: map[string]string{"silent": "true"}})
	if err != nil {
		t.Fatalf("command backend: %v", err)
	}
	if _, ok := c.(*Command); !ok {
		t.Errorf("backend = %T, want *Command", c)
	}

	if _, err := New(config.RingerConfig{Backend: "adb"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(model.ModeVibrate)

	if got, _ := m.Mode(ctx); got != model.ModeVibrate {
		t.Fatalf("initial mode = %s", got)
	}
	_ = m.SetMode(ctx, model.ModeSilent)
	_ = m.SetMode(ctx, model.ModeNormal)

	if got, _ := m.Mode(ctx); got != model.ModeNormal {
		t.Errorf("mode = %s, want normal", got)
	}
	want := []model.Mode{model.ModeSilent, model.ModeNormal}
	if got := m.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

// stubRun records command lines and answers from a table.
type stubRun struct {
	lines  []string
	output map[string]string
	fail   map[string]bool
}

func (s *stubRun) run(_ context.Context, line string) ([]byte, error) {
	s.lines = append(s.lines, line)
	if s.fail[line] {
		return nil, errors.New("exit status 1")
	}
	return []byte(s.output[line]), nil
}

func TestCommand_SetAndGet(t *testing.T) {
	ctx := context.Background()
	c, err := NewCommand("ringer-get", map[string]string{
		"normal": "ringer-set normal",
		"Silent": "ringer-set silent",
	})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	stub := &stubRun{output: map[string]string{"ringer-get": " vibrate\n"}}
	c.run = stub.run

	if err := c.SetMode(ctx, model.ModeSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	got, err := c.Mode(ctx)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if got != model.ModeVibrate {
		t.Errorf("mode = %s, want the get command's answer vibrate", got)
	}
	want := []string{"ringer-set silent", "ringer-get"}
	if !reflect.DeepEqual(stub.lines, want) {
		t.Errorf("commands = %v, want %v", stub.lines, want)
	}
}

func TestCommand_WithoutGetReportsLastWrite(t *testing.T) {
	ctx := context.Background()
	c, err := NewCommand("", map[string]string{"silent": "mute", "normal": "unmute"})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	stub := &stubRun{fail: map[string]bool{"unmute": true}}
	c.run = stub.run

	if got, _ := c.Mode(ctx); got != model.ModeNormal {
		t.Errorf("initial mode = %s, want normal", got)
	}
	if err := c.SetMode(ctx, model.ModeSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.SetMode(ctx, model.ModeNormal); err == nil {
		t.Error("expected failing command to surface an error")
	}
	if got, _ := c.Mode(ctx); got != model.ModeSilent {
		t.Errorf("mode = %s, want silent since the last write failed", got)
	}
	if err := c.SetMode(ctx, model.ModeVibrate); !errors.Is(err, ErrNoCommand) {
		t.Errorf("expected ErrNoCommand, got %v", err)
	}
}

func TestCommand_BadOutputAndNames(t *testing.T) {
	if _, err := NewCommand("", map[string]string{"loud": "x"}); !errors.Is(err, model.ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode for a bad mode name, got %v", err)
	}

	c, err := NewCommand("ringer-get", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.run = (&stubRun{output: map[string]string{"ringer-get": "airplane"}}).run
	if _, err := c.Mode(context.Background()); !errors.Is(err, model.ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}
