package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
)

// WritePasswordFile writes the username:password artifact read by the
// broker's auth backend and returns its path. The file is rewritten on
// every startup.
func WritePasswordFile(dir, username, password string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, "passwd")
	line := fmt.Sprintf("%s:%s\n", username, password)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("write password file: %w", err)
	}
	return path, nil
}
