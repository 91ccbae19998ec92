// Package options holds the resolved build options and the captured
// environment a build runs against.
package options

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectConfig is the shape of a loom.yaml project file.
type ProjectConfig struct {
	// Entries are doublestar globs naming the build roots.
	Entries []string `yaml:"entries"`
	// Mode selects the build mode ("development" or "production").
	Mode string `yaml:"mode"`
	// Extensions is the resolution priority order for extensionless
	// imports.
	Extensions []string `yaml:"extensions"`
}

// ParseConfig parses a loom.yaml document.
func ParseConfig(data []byte) (*ProjectConfig, error) {
	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing project config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no loom.yaml is
// found.
func DefaultConfig() *ProjectConfig {
	return &ProjectConfig{
		Entries:    []string{"src/**/*"},
		Mode:       "development",
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".json"},
	}
}

// Options carries the build-wide settings plus an environment snapshot.
// Request bodies read it through the run API; it is never mutated
// during a build.
type Options struct {
	// ProjectRoot is the absolute directory the build is rooted at.
	ProjectRoot string
	// Env is the environment snapshot taken at startup.
	Env map[string]string
	// Workers bounds the farm's concurrency.
	Workers int

	values map[string]interface{}
}

// FromEnv creates Options for a project root, reading LOOM_* variables
// for defaults and snapshotting the whole environment.
func FromEnv(projectRoot string) *Options {
	o := &Options{
		ProjectRoot: projectRoot,
		Env:         environMap(os.Environ()),
		Workers:     getEnvInt("LOOM_WORKERS", 0),
		values:      make(map[string]interface{}),
	}
	o.Set("mode", getEnv("LOOM_MODE", "development"))
	return o
}

// Get returns a named option value, or nil.
func (o *Options) Get(name string) interface{} {
	return o.values[name]
}

// Set stores a named option value.
func (o *Options) Set(name string, value interface{}) {
	o.values[name] = value
}

// Values returns the full option map for bulk re-checks.
func (o *Options) Values() map[string]interface{} {
	return o.values
}

// EnvValue returns the captured value of an environment variable.
func (o *Options) EnvValue(name string) string {
	return o.Env[name]
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
