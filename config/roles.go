package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
)

// RolesFile is the document format of a role assignments file.
type RolesFile struct {
	Assignments []rbac.UserRoles `yaml:"assignments"`
}

// LoadRoleAssignments reads persisted role assignments. A missing file
// yields no assignments.
func LoadRoleAssignments(path string) ([]rbac.UserRoles, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}
	var doc RolesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse roles file: %w", err)
	}
	return doc.Assignments, nil
}

// SaveRoleAssignments writes assignments to path, replacing the file
// atomically.
func SaveRoleAssignments(path string, assignments []rbac.UserRoles) error {
	data, err := yaml.Marshal(RolesFile{Assignments: assignments})
	if err != nil {
		return fmt.Errorf("marshal role assignments: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".roles-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp roles file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write roles file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close roles file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace roles file: %w", err)
	}
	return nil
}
