package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer(), "disabled provider still hands out a usable tracer")

	// Spans on the no-op tracer cost nothing and never panic.
	_, span := p.Tracer().Start(context.Background(), "orchestrator.create_workflow")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported exporter")
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestFileExporter_WritesSpans(t *testing.T) {
	tmpDir := t.TempDir()
	tracePath := filepath.Join(tmpDir, "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:     true,
		Exporter:    "file",
		FilePath:    tracePath,
		ServiceName: "tendril-test",
	})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "orchestrator.create_workflow")
	span.SetAttributes(attribute.String(AttrProjectID, "project-a"))
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(tracePath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "trace file should contain at least one span")

	var record SpanRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	require.Equal(t, "orchestrator.create_workflow", record.Name)
	require.Equal(t, "project-a", record.Attributes[AttrProjectID])
	require.NotEmpty(t, record.TraceID)
}
