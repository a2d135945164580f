package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfigureInvalidLevel(t *testing.T) {
	log := GetLogger()
	if err := log.Configure("nope", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	log := GetLogger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestWithComponentField(t *testing.T) {
	log := GetLogger()
	if err := log.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("window_manager").Info("bucket sealed")

	out := buf.String()
	if !strings.Contains(out, `"component":"window_manager"`) {
		t.Errorf("missing component field: %s", out)
	}
	if !strings.Contains(out, "bucket sealed") {
		t.Errorf("missing message: %s", out)
	}
}
