package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromPaths reads Rego policies from files and directories. Directories
// are scanned non-recursively for *.rego files. Loaded policies default to
// error severity and enabled.
func LoadFromPaths(paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy directory %s: %w", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
				continue
			}
			p, err := loadFile(filepath.Join(path, entry.Name()))
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
		}
	}

	return policies, nil
}

// loadFile reads one policy file. The policy name is the filename without
// its extension.
func loadFile(path string) (Policy, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Policy{
		Name:     name,
		Rego:     string(source),
		Severity: SeverityError,
		Enabled:  true,
	}, nil
}
