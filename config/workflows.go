package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// WorkflowsFile is the document format of a workflow definitions file.
type WorkflowsFile struct {
	Workflows []*workflow.WorkflowDefinition `yaml:"workflows"`
}

// WorkflowSource reads workflow definitions from a YAML file or from every
// *.yaml / *.yml file of a directory.
type WorkflowSource struct {
	path string
}

// NewWorkflowSource creates a source reading from path.
func NewWorkflowSource(path string) *WorkflowSource {
	return &WorkflowSource{path: path}
}

// LoadWorkflows loads and validates the definitions at path.
func LoadWorkflows(path string) ([]*workflow.WorkflowDefinition, error) {
	return NewWorkflowSource(path).Load(context.Background())
}

// Load parses every file, validates each definition and rejects duplicate
// workflow ids across files.
func (s *WorkflowSource) Load(_ context.Context) ([]*workflow.WorkflowDefinition, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	var (
		defs []*workflow.WorkflowDefinition
		errs []error
		seen = make(map[string]string)
	)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("workflow source: read %s: %w", f, err)
		}
		var doc WorkflowsFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("workflow source: parse %s: %w", f, err)
		}
		for _, def := range doc.Workflows {
			if def == nil {
				continue
			}
			if err := def.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", f, err))
				continue
			}
			if prev, dup := seen[def.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: workflow %s already defined in %s", f, def.ID, prev))
				continue
			}
			seen[def.ID] = f
			defs = append(defs, def)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return defs, nil
}

// Hash returns the SHA256 hex digest over the names and bytes of every
// source file.
func (s *WorkflowSource) Hash(_ context.Context) (string, error) {
	files, err := s.files()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("workflow source: read %s: %w", f, err)
		}
		h.Write([]byte(filepath.Base(f)))
		h.Write([]byte{0})
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Name returns a human-readable identifier for this source.
func (s *WorkflowSource) Name() string {
	return "file:" + s.path
}

// Path returns the filesystem path this source reads from.
func (s *WorkflowSource) Path() string { return s.path }

// IsDir reports whether the source is a directory.
func (s *WorkflowSource) IsDir() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.IsDir()
}

func (s *WorkflowSource) files() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("workflow source: %w", err)
	}
	if !info.IsDir() {
		return []string{s.path}, nil
	}
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("workflow source: read dir %s: %w", s.path, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(s.path, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
