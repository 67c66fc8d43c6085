// Package setup handles orbit state directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/msageha/orbit/internal/model"
	atomicyaml "github.com/msageha/orbit/internal/yaml"
	"github.com/msageha/orbit/templates"
)

// DirName is the state directory created inside the project directory.
const DirName = ".orbit"

// Options override template values. Zero fields keep the template's.
type Options struct {
	CPUs   int
	Policy string
}

type configFile struct {
	atomicyaml.Header `yaml:",inline"`
	model.Config      `yaml:",inline"`
}

// Run initializes the .orbit/ directory structure in projectDir and returns its path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return "", model.Errorf(model.KindAlreadyExists, "setup", base, "state directory already exists")
	}

	// Generate config.yaml first so a bad override leaves nothing behind
	cfg, err := generateConfig(opts)
	if err != nil {
		return "", err
	}

	// Create directory structure
	dirs := []string{
		"units",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.Write(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	// Copy example units
	units, err := fs.ReadDir(templates.FS, "units")
	if err != nil {
		return "", fmt.Errorf("list unit templates: %w", err)
	}
	for _, u := range units {
		if err := copyTemplateFile(path.Join("units", u.Name()), filepath.Join(base, "units", u.Name())); err != nil {
			return "", err
		}
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.WriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(opts Options) (*configFile, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg configFile
	if err := atomicyaml.Decode(data, atomicyaml.FileTypeConfig, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.CPUs != 0 {
		cfg.Scheduler.CPUs = opts.CPUs
	}
	if opts.Policy != "" {
		cfg.Scheduler.Policy = opts.Policy
	}
	if err := cfg.Config.WithDefaults().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
