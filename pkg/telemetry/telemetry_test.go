package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level string
		msg   string
	}{
		{in: "INFO 'i-1' (inst_state none): reverting", level: "INFO", msg: "'i-1' (inst_state none): reverting"},
		{in: "WARN replaced user data", level: "WARN", msg: "replaced user data"},
		{in: "[error] boom", level: "ERROR", msg: "boom"},
		{in: "error: boom", level: "ERROR", msg: "boom"},
		{in: "plain message", level: "INFO", msg: "plain message"},
		{in: "   ", level: "INFO", msg: ""},
	}
	for _, tt := range tests {
		level, msg := ParseLevel(tt.in)
		if level != tt.level || msg != tt.msg {
			t.Fatalf("ParseLevel(%q) = %q, %q; want %q, %q", tt.in, level, msg, tt.level, tt.msg)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("marionetted", &buf)
	logger.Printf("ERROR 'i-1' (inst_state pending_reset): load_original failed")

	var entry map[string]string
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not json: %q", buf.String())
	}
	if entry["level"] != "ERROR" || entry["service"] != "marionetted" {
		t.Fatalf("entry = %v", entry)
	}
	if !strings.HasPrefix(entry["msg"], "'i-1'") {
		t.Fatalf("msg = %q", entry["msg"])
	}
}
