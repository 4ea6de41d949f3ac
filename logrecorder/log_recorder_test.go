package logrecorder

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCreatesDatedLogFile(t *testing.T) {
	root := t.TempDir()
	closer, err := Init(root, "conUDS")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	log.Printf("[test] hello")
	closer.Close()
	log.SetOutput(os.Stderr)

	matches, err := filepath.Glob(filepath.Join(root, "*", "conUDS*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files: %v (err %v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[test] hello") {
		t.Errorf("log file content %q", data)
	}
}

func TestDebugfHonoursVerbose(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	SetVerbose(false)
	Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("debug line written while quiet: %q", buf.String())
	}

	SetVerbose(true)
	defer SetVerbose(false)
	Debugf("shown %d", 2)
	Errorf("failed %d", 3)
	out := buf.String()
	if !strings.Contains(out, "DEBUG: shown 2") || !strings.Contains(out, "ERROR: failed 3") {
		t.Errorf("output %q", out)
	}
}
