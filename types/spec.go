package types

import "time"

// ProjectConfig describes a single project, either loaded from a config file
// or declared inline in the workspace file.
type ProjectConfig struct {
	Name            string            `yaml:"name,omitempty" toml:"name"`
	Root            string            `yaml:"root,omitempty" toml:"root"`
	Include         []string          `yaml:"include,omitempty" toml:"include"`
	Exclude         []string          `yaml:"exclude,omitempty" toml:"exclude"`
	Concurrency     int               `yaml:"concurrency,omitempty" toml:"concurrency"`
	Timeout         time.Duration     `yaml:"timeout,omitempty" toml:"timeout"`
	GlobalSetup     []string          `yaml:"global_setup,omitempty" toml:"global_setup"`
	GlobalTeardown  []string          `yaml:"global_teardown,omitempty" toml:"global_teardown"`
	Env             map[string]string `yaml:"env,omitempty" toml:"env"`
	BuildFlags      []string          `yaml:"build_flags,omitempty" toml:"build_flags"`
	TestNamePattern string            `yaml:"test_name_pattern,omitempty" toml:"test_name_pattern"`
	Bail            int               `yaml:"bail,omitempty" toml:"bail"`
	PassWithNoTests bool              `yaml:"pass_with_no_tests,omitempty" toml:"pass_with_no_tests"`
}

// ProjectOverrides are command line settings applied on top of every project
// in the workspace. Zero values leave the project setting untouched.
type ProjectOverrides struct {
	Concurrency     int
	Timeout         time.Duration
	TestNamePattern string
	Bail            int
	PassWithNoTests bool
	BuildFlags      []string
}

// Apply merges the overrides into the config
func (o ProjectOverrides) Apply(cfg ProjectConfig) ProjectConfig {
	if o.Concurrency > 0 {
		cfg.Concurrency = o.Concurrency
	}
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	if o.TestNamePattern != "" {
		cfg.TestNamePattern = o.TestNamePattern
	}
	if o.Bail > 0 {
		cfg.Bail = o.Bail
	}
	if o.PassWithNoTests {
		cfg.PassWithNoTests = true
	}
	if len(o.BuildFlags) > 0 {
		cfg.BuildFlags = append([]string(nil), o.BuildFlags...)
	}
	return cfg
}

// ConfigEnv is handed to inline project factories
type ConfigEnv struct {
	Command string // "run" or "watch"
	Mode    string // "test"
	Root    string
}

// ProjectFactory builds an inline project config from the environment
type ProjectFactory func(env ConfigEnv) (ProjectConfig, error)

// SerializableSpec is the wire form of a (project, file) pair
type SerializableSpec struct {
	ProjectName string `json:"projectName"`
	Filepath    string `json:"filepath"`
}
