// Package scaffold creates a starter warren project: warren.yml, an example
// agent and a .env template.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo is a file written by Initialize.
type FileInfo struct {
	Path        string
	Template    string
	Permissions os.FileMode
}

// Files lists what Initialize creates, relative to the project directory.
var Files = []FileInfo{
	{Path: config.DefaultPath, Template: "templates/warren.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("agents", "echo", "agent.sh"), Template: "templates/agent.sh.tmpl", Permissions: 0755},
	{Path: ".env.example", Template: "templates/env.tmpl", Permissions: 0644},
}

// CheckExisting returns an error naming the project files already present in dir.
func CheckExisting(dir string) error {
	var existing []string
	for _, f := range Files {
		if _, err := os.Stat(filepath.Join(dir, f.Path)); err == nil {
			existing = append(existing, f.Path)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	msg := "project already initialized\n\nFound existing"
	if len(existing) == 1 {
		msg += fmt.Sprintf(": %s", existing[0])
	} else {
		msg += " files:\n"
		for _, f := range existing {
			msg += fmt.Sprintf("  - %s\n", f)
		}
	}
	msg += "\nUse 'warren init --force' to overwrite them"
	return fmt.Errorf("%s", msg)
}

// Initialize writes the project files into dir. Without force it refuses to
// overwrite existing files. It returns the paths written.
func Initialize(dir string, force bool) ([]string, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	written := make([]string, 0, len(Files))
	for _, f := range Files {
		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", f.Path, err)
		}
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(path, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to chmod %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}

	if err := validateCreated(dir); err != nil {
		return nil, err
	}
	return written, nil
}

func validateCreated(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, config.DefaultPath))
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", config.DefaultPath, err)
	}
	if _, err := config.Parse(data); err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultPath, err)
	}
	return nil
}
