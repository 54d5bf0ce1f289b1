package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"Warn", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	return m
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := New(&buf, "json")

	l.Info("reserve", "bytes", 4096, "admitted", true)

	m := decodeLine(t, &buf)
	if m["message"] != "reserve" {
		t.Errorf("message = %v", m["message"])
	}
	if m["bytes"] != float64(4096) {
		t.Errorf("bytes = %v", m["bytes"])
	}
	if m["admitted"] != true {
		t.Errorf("admitted = %v", m["admitted"])
	}
}

func TestWithCarriesFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := New(&buf, "json").With("component", "ledger")

	l.Warn("refresh failed", "err", errors.New("device lost"))

	m := decodeLine(t, &buf)
	if m["component"] != "ledger" {
		t.Errorf("component = %v", m["component"])
	}
	if m["err"] != "device lost" {
		t.Errorf("err = %v", m["err"])
	}
}

func TestOddArgsAndNonStringKeys(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := New(&buf, "json")

	l.Debug("odd", 7, "seven", "orphan")

	m := decodeLine(t, &buf)
	if m["7"] != "seven" {
		t.Errorf("non-string key not converted: %v", m)
	}
	if _, ok := m["orphan"]; ok {
		t.Errorf("orphan key should be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("filtered")
	l.Debug("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected filtered output, got %q", buf.String())
	}
	l.Error("kept")
	if buf.Len() == 0 {
		t.Error("expected error line")
	}
}
