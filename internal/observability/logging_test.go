package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "processor", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("reference_id", "deposit:stripe:pi_1").Msg("applied")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line below info filtered out, got %d: %s", len(lines), buf.String())
	}

	var got map[string]any
	if err := json.Unmarshal(lines[0], &got); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if got["component"] != "processor" {
		t.Errorf("component = %v, want processor", got["component"])
	}
	if got["reference_id"] != "deposit:stripe:pi_1" {
		t.Errorf("reference_id = %v", got["reference_id"])
	}
	if _, ok := got["time"]; !ok {
		t.Error("missing time field")
	}
}
