package deviceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestGetOrCreateAtPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DeviceIDFile)

	first, err := GetOrCreateAt(path)
	if err != nil {
		t.Fatalf("GetOrCreateAt failed: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("Device ID is not a UUID: %q", first)
	}

	second, err := GetOrCreateAt(path)
	if err != nil {
		t.Fatalf("second GetOrCreateAt failed: %v", err)
	}
	if first != second {
		t.Fatalf("Device ID changed: %s -> %s", first, second)
	}
}

func TestGetOrCreateAtReplacesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DeviceIDFile)
	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id, err := GetOrCreateAt(path)
	if err != nil {
		t.Fatalf("GetOrCreateAt failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a generated ID")
	}
}
