package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from files in one directory, as mounted by
// Docker and Kubernetes secrets.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a provider rooted at baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

// Name returns the provider name.
func (f *FileProvider) Name() string { return "file" }

// Get reads the file named by key. Keys may not leave the base directory.
func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	name := keyToFilename(key)
	if name == "" {
		return "", fmt.Errorf("invalid secret key %q", key)
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, name))
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	// Trim trailing newline (common in Docker/K8s secrets)
	return strings.TrimRight(string(data), "\n\r"), nil
}

// keyToFilename flattens a key to a single lower-case path element.
//   - "redis/password" -> "redis_password"
//   - "../etc/passwd" -> "" (rejected)
func keyToFilename(key string) string {
	if strings.Contains(key, "..") {
		return ""
	}
	name := strings.NewReplacer("/", "_", "\\", "_", ".", "_", "-", "_").Replace(key)
	return strings.ToLower(name)
}
