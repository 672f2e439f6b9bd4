package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// A stable ID keeps the MQTT client identifier the same across restarts
// so a broker that enforces unique client IDs replaces the stale session
// instead of running two.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID derives the MQTT client identifier from prefix and the
// instance ID. Only the random tail of the UUID is used; the leading
// timestamp bits are shared by every install made the same day.
func ClientID(prefix, instanceID string) string {
	hex := strings.ReplaceAll(instanceID, "-", "")
	if len(hex) > 12 {
		hex = hex[len(hex)-12:]
	}
	if prefix == "" {
		return hex
	}
	return prefix + "-" + hex
}
