package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

// secretsFile reads secrets from a JSON object of the form
// {"<service>": {"<account>": "<value>"}}. The file should be mode 0600.
type secretsFile struct {
	path string
}

func defaultSecretsFile() secretsFile {
	return secretsFile{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (f secretsFile) Get(service, account string) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}
