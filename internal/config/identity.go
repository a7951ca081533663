package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"unimanager/internal/secret"
)

const identityEnv = envPrefix + "SECRET_IDENTITY"

// LoadOrGenerateIdentity returns the age identity used to seal server
// credentials. The environment wins over the file; a missing file is
// created with a fresh identity, readable only by the owner.
func LoadOrGenerateIdentity(path string) (string, error) {
	if id := strings.TrimSpace(os.Getenv(identityEnv)); id != "" {
		return id, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("identity file %s is empty", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id, err := secret.GenerateIdentity()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing identity: %w", err)
	}
	return id, nil
}
