package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLevelsAndError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelInfo)
	Debug("hidden")
	Info("shown", "calendar", "work")
	Error("failed", errors.New("boom"), "title", "Meeting")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level:\n%s", out)
	}
	for _, want := range []string{"msg=shown calendar=work", "level=ERROR", "err=boom title=Meeting"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("debug record missing at debug level:\n%s", buf.String())
	}
}
