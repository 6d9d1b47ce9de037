package workspace

import (
	"errors"
	"fmt"
)

// ErrNoMatchingProjects is returned when a project filter selects nothing
var ErrNoMatchingProjects = errors.New("no projects matched the filter")

// DuplicateProjectNameError is returned when two resolved projects share a name
type DuplicateProjectNameError struct {
	Name string
}

func (e *DuplicateProjectNameError) Error() string {
	return fmt.Sprintf("project name %q is not unique. All projects in a workspace should have unique names", e.Name)
}

// ConfigError wraps a failure to read or decode a config file
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
