package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatAlertLine(t *testing.T) {
	t.Parallel()
	line := formatAlertLine([]byte(`{"level":"warn","message":"job failed","job":"j1","attempt":2,"time":"x"}` + "\n"))
	want := "[WARN] job failed attempt=2 job=j1"
	if line != want {
		t.Fatalf("formatAlertLine = %q, want %q", line, want)
	}
}

func TestFormatAlertLineNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlertLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestAlertSinkFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: false}, Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}})
	svc.SetAlertWriter(&buf)

	log.Warn("not mirrored")
	log.Error("mirrored", String("job", "abc"))

	out := buf.String()
	if strings.Contains(out, "not mirrored") {
		t.Fatalf("warn line leaked into alert sink: %q", out)
	}
	if !strings.Contains(out, "[ERROR] mirrored") || !strings.Contains(out, "job=abc") {
		t.Fatalf("alert sink missing error line: %q", out)
	}
}

func TestTraceFollowsLevel(t *testing.T) {
	t.Parallel()
	var debug, trace bytes.Buffer
	NewWriter(&debug, "debug").Trace("heartbeat", Job("j1"))
	NewWriter(&trace, "trace").Trace("heartbeat", Job("j1"), Int("progress", 40))

	if debug.Len() != 0 {
		t.Fatalf("trace line written at debug level: %q", debug.String())
	}
	out := trace.String()
	if !strings.Contains(out, `"level":"trace"`) || !strings.Contains(out, `"job":"j1"`) || !strings.Contains(out, `"progress":40`) {
		t.Fatalf("unexpected trace output %q", out)
	}
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
