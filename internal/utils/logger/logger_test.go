package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerNopBeforeInit(t *testing.T) {
	if Logger() == nil {
		t.Fatal("Logger() must never return nil")
	}
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "WARNING", "error"} {
		if _, err := parseLevel(lvl); err != nil {
			t.Errorf("parseLevel(%q) unexpected error: %v", lvl, err)
		}
	}
	if _, err := parseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestStringListReportWriteToFile(t *testing.T) {
	dir := t.TempDir()
	r := NewStringListReport("Fetched Files")
	r.Add("https://repo.example.com/packages/a-1.pkg")
	r.Add("https://repo.example.com/packages/b-2.pkg")

	path, err := r.WriteToFile(dir)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if filepath.Base(path) != "fetchurl-Fetched_Files.txt" {
		t.Errorf("unexpected report name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), "b-2.pkg") {
		t.Errorf("report missing item: %q", data)
	}
	if len(r.Items()) != 0 {
		t.Errorf("report should be cleared after write")
	}
}

func TestStringListReportEmptyWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := NewStringListReport("x").WriteToFile(dir)
	if err != nil || path != "" {
		t.Fatalf("expected no-op, got %q, %v", path, err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("report directory should not be created for an empty report")
	}
}
