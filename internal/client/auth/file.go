//go:build linux || freebsd

package auth

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	configDir  = ".config/raepkg"
	configFile = "credentials.yaml"
)

// credentialsFile is the on-disk layout: one entry per repository host.
type credentialsFile struct {
	Hosts map[string]hostCredentials `yaml:"hosts"`
}

type hostCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// getConfigPath returns the path to the credentials file
func getConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

func loadFile() (*credentialsFile, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &credentialsFile{Hosts: map[string]hostCredentials{}}, nil
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds credentialsFile
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if creds.Hosts == nil {
		creds.Hosts = map[string]hostCredentials{}
	}
	return &creds, nil
}

func saveFile(creds *credentialsFile) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// 0600: read/write for owner only
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// LoadCredentials loads the stored credentials for host
func LoadCredentials(host string) (username, password string, err error) {
	creds, err := loadFile()
	if err != nil {
		return "", "", err
	}

	entry, ok := creds.Hosts[host]
	if !ok || entry.Username == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	return entry.Username, entry.Password, nil
}

// SaveCredentials stores credentials for host
func SaveCredentials(host, username, password string) error {
	creds, err := loadFile()
	if err != nil {
		return err
	}

	creds.Hosts[host] = hostCredentials{Username: username, Password: password}
	return saveFile(creds)
}

// DeleteCredentials removes the stored credentials for host
func DeleteCredentials(host string) error {
	creds, err := loadFile()
	if err != nil {
		return err
	}

	if _, ok := creds.Hosts[host]; !ok {
		return nil
	}
	delete(creds.Hosts, host)
	return saveFile(creds)
}
