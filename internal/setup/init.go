// Package setup initializes the .macroplan/ data directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/yamlutil"
	"github.com/rfujimoto/macroplan/templates"
)

// DirName is the data directory created inside a project.
const DirName = ".macroplan"

// DataDir resolves the data directory for a project directory.
func DataDir(projectDir string) (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return filepath.Join(abs, DirName), nil
}

// Run creates the .macroplan/ directory structure in projectDir. projectName
// overrides the auto-detected name (directory basename when empty). Fails if
// the directory already exists.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"blueprints",
		"locks",
		"logs",
		"quarantine",
		"instructions",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile(filepath.Join("instructions", "agent.md"), filepath.Join(base, "instructions", "agent.md")); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Empty pending-task queue so the daemon's first load needs no recovery.
	queueContent := "schema_version: 1\nfile_type: \"pending_tasks\"\ntasks: []\n"
	if err := yamlutil.AtomicWriteRaw(filepath.Join(base, "pending_tasks.yaml"), []byte(queueContent)); err != nil {
		return fmt.Errorf("write pending_tasks.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// LoadConfig reads <dataDir>/config.yaml and applies operational defaults. A
// missing file yields the pure defaults so a hand-created data dir still
// works.
func LoadConfig(dataDir string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.ApplyDefaults(cfg), nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return model.ApplyDefaults(cfg), nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, filepath.ToSlash(name))
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return cfg, nil
}
