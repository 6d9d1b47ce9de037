package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

var (
	// DefaultConfigPrefixes lists the recognised project config names. The first
	// prefix wins when a directory holds more than one config.
	DefaultConfigPrefixes = []string{"rerun.config", "project.config"}

	// ConfigExtensions are the supported config encodings
	ConfigExtensions = []string{".yaml", ".yml", ".toml"}

	// WorkspaceFileNames are searched in the root when no workspace file is given
	WorkspaceFileNames = []string{"rerun.workspace.yaml", "rerun.workspace.yml", "rerun.workspace.toml"}

	DefaultInclude = []string{"**/*_test.go"}
	DefaultExclude = []string{"**/vendor/**", "**/testdata/**", "**/.git/**"}
)

// workspaceFile is the decoded form of a workspace definition. Entries in
// Projects are either glob strings or inline project tables.
type workspaceFile struct {
	Globs    []string         `yaml:"globs" toml:"globs"`
	Projects []workspaceEntry `yaml:"projects" toml:"projects"`
}

type workspaceEntry struct {
	Glob   string
	Inline *types.ProjectConfig
}

func (e *workspaceEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.Glob)
	}
	var cfg types.ProjectConfig
	if err := node.Decode(&cfg); err != nil {
		return err
	}
	e.Inline = &cfg
	return nil
}

func (e *workspaceEntry) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		e.Glob = v
		return nil
	case map[string]any:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return err
		}
		var cfg types.ProjectConfig
		if _, err := toml.Decode(buf.String(), &cfg); err != nil {
			return err
		}
		e.Inline = &cfg
		return nil
	default:
		return fmt.Errorf("unsupported workspace entry of type %T", data)
	}
}

// loadWorkspaceFile reads and decodes a workspace definition
func loadWorkspaceFile(path string) (*workspaceFile, error) {
	var ws workspaceFile
	if err := decodeFile(path, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// LoadProjectConfig reads a project config file. Relative roots are resolved
// against the directory of the file, which is also the default root.
func LoadProjectConfig(path string) (types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	dir := filepath.Dir(path)
	switch {
	case cfg.Root == "":
		cfg.Root = dir
	case !filepath.IsAbs(cfg.Root):
		cfg.Root = filepath.Join(dir, cfg.Root)
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(content), out); err != nil {
			return &ConfigError{Path: path, Err: fmt.Errorf("failed to parse toml: %w", err)}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, out); err != nil {
			return &ConfigError{Path: path, Err: fmt.Errorf("failed to parse yaml: %w", err)}
		}
	default:
		return &ConfigError{Path: path, Err: fmt.Errorf("unsupported config extension %q", filepath.Ext(path))}
	}
	return nil
}

// isConfigName reports whether base is a project config file name
func isConfigName(base string, prefixes []string) bool {
	if !hasConfigExtension(base) {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

func hasConfigExtension(base string) bool {
	ext := filepath.Ext(base)
	for _, e := range ConfigExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// findConfigFile returns the preferred config file directly inside dir
func findConfigFile(dir string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		for _, ext := range ConfigExtensions {
			candidate := filepath.Join(dir, prefix+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, true
			}
		}
	}
	return "", false
}

// findWorkspaceFile returns the workspace definition in root, if any
func findWorkspaceFile(root string) (string, bool) {
	for _, name := range WorkspaceFileNames {
		candidate := filepath.Join(root, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// expandConfig substitutes ${ROOT}, ${MODE} and ${COMMAND} and falls back to
// the process environment.
func expandConfig(cfg types.ProjectConfig, env types.ConfigEnv) types.ProjectConfig {
	mapping := func(key string) string {
		switch key {
		case "ROOT":
			return env.Root
		case "MODE":
			return env.Mode
		case "COMMAND":
			return env.Command
		default:
			return os.Getenv(key)
		}
	}
	cfg.Name = os.Expand(cfg.Name, mapping)
	cfg.Root = os.Expand(cfg.Root, mapping)
	for i := range cfg.Include {
		cfg.Include[i] = os.Expand(cfg.Include[i], mapping)
	}
	for i := range cfg.Exclude {
		cfg.Exclude[i] = os.Expand(cfg.Exclude[i], mapping)
	}
	return cfg
}
