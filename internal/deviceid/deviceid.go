// Package deviceid provides the persistent identity a device agent announces to the hub
package deviceid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/robohub/robohub/internal/config"
)

// DeviceIDFile is the filename for the device ID
const DeviceIDFile = "device_id"

// GetOrCreate returns the device ID stored in ~/.robohub/device_id,
// creating one if it doesn't exist
func GetOrCreate() (string, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return "", err
	}
	return GetOrCreateAt(filepath.Join(paths.ConfigDir, DeviceIDFile))
}

// GetOrCreateAt returns the device ID stored at path, creating one if the
// file is missing or empty
func GetOrCreateAt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.New().String()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create device id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}

	return id, nil
}
