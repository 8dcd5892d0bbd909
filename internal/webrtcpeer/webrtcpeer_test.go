package webrtcpeer

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAPI_ValidatesPortRange(t *testing.T) {
	if _, err := NewAPI(Options{UDPPortMin: 50000, UDPPortMax: 50100}); err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	for _, opts := range []Options{
		{UDPPortMin: 0, UDPPortMax: 50100},
		{UDPPortMin: 50100, UDPPortMax: 50000},
	} {
		if _, err := NewAPI(opts); err == nil {
			t.Fatalf("NewAPI(%+v) succeeded, want error", opts)
		}
	}
}

func TestLoggerFactory_RoutesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Infof("gathered %d candidates", 3)
	l.Warn("connection checking")
	l.Trace("below threshold")
	l.Tracef("below %s", "threshold")

	out := buf.String()
	for _, want := range []string{
		`msg="gathered 3 candidates"`,
		`msg="connection checking"`,
		"component=pion",
		"scope=ice",
		"level=WARN",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "below") {
		t.Fatalf("trace output leaked at debug level:\n%s", out)
	}
}

func TestNewLoggerFactory_NilUsesDefault(t *testing.T) {
	if f := NewLoggerFactory(nil); f.logger == nil {
		t.Fatalf("expected default logger")
	}
}
