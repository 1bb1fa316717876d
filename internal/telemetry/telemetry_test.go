package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSetupStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(ExporterStdout, &buf)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "restore")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), `"restore"`) {
		t.Errorf("exported spans missing span name: %s", buf.String())
	}
	Setup(ExporterNone, nil)
}

func TestSetupUnknown(t *testing.T) {
	if _, err := Setup("jaeger", nil); err == nil {
		t.Error("Setup of unknown exporter: want error")
	}
}
