package logger

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		log := New(tc.level, "text")
		if !log.Enabled(context.Background(), tc.want) {
			t.Errorf("level %q: expected %s enabled", tc.level, tc.want)
		}
		if tc.want > slog.LevelDebug && log.Enabled(context.Background(), tc.want-1) {
			t.Errorf("level %q: expected below %s disabled", tc.level, tc.want)
		}
	}
}

func TestNewWriterFormats(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info", "json").Info("hello", slog.String("k", "v"))
	if !strings.Contains(buf.String(), `"msg":"hello"`) || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("unexpected json output %s", buf.String())
	}

	buf.Reset()
	NewWriter(&buf, "debug", "text").Debug("hello")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "source=") {
		t.Errorf("debug text output should carry the source: %s", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	h := RequestLogger(log, "/hls/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/status", nil))
	out := buf.String()
	for _, want := range []string{"method=GET", "path=/stream/status", "status=418", "size=15"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/hls/stream.m3u8", nil))
	if buf.Len() != 0 {
		t.Errorf("playlist polling should log at debug: %s", buf.String())
	}
}
