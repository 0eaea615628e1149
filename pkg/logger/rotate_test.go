package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewAuditFileWriterRequiresPath(t *testing.T) {
	if _, err := newAuditFileWriter("", 0, 0, 0); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestAuditFileWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer := &auditFileWriter{
		path:   path,
		limit:  32,
		keep:   2,
		retain: 24 * time.Hour,
	}
	defer writer.Close()

	first := []byte("first audit record\n")
	if _, err := writer.Write(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := []byte("second audit record\n")
	if _, err := writer.Write(second); err != nil {
		t.Fatalf("write: %v", err)
	}

	rotated, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("rotated segment missing: %v", err)
	}
	if string(rotated) != string(first) {
		t.Fatalf("rotated segment holds %q", rotated)
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file missing: %v", err)
	}
	if string(active) != string(second) {
		t.Fatalf("active file holds %q", active)
	}
}
