package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLoggerWritesBothSinks(t *testing.T) {
	t.Setenv("TP_LOG_FORMAT", "JSON")

	var console bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "outputs", "log", "sampletown_analysis.txt")

	logger, err := NewRunLogger(logFile, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info().Str("stage", "urban_centre").Msg("Detecting urban centre")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	contents, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	for name, output := range map[string]string{"console": console.String(), "file": string(contents)} {
		if !strings.Contains(output, "Detecting urban centre") || !strings.Contains(output, `"stage":"urban_centre"`) {
			t.Errorf("%s output is missing the log line: %q", name, output)
		}
	}
}
