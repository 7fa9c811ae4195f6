// Package config handles loading and validation of the release
// configuration file, plus resolution of the credentials the pipeline
// needs from the environment.
//
// Two on-disk formats are supported: release.yaml (YAML) and
// release.jsonc (JSON with comments). JSONC is handled by stripping
// comments with github.com/tidwall/jsonc before parsing with the
// standard encoding/json library, so hand-maintained configs can carry
// commentary without a custom parser.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Default values applied when the config file omits a field or does not
// exist at all. With no file present, the defaults describe "publish the
// whole workspace to crates.io when a release-labeled PR merges to
// master or main", which matches the common case exactly.
const (
	// DefaultRegistryName is the cargo-side registry identifier.
	DefaultRegistryName = "crates-io"

	// DefaultRegistryAPI is the registry API base URL used for
	// published-version checks.
	DefaultRegistryAPI = "https://crates.io"

	// DefaultTokenEnv is the environment variable cargo reads the
	// registry token from.
	DefaultTokenEnv = "CARGO_REGISTRY_TOKEN"

	// DefaultTriggerLabel is the PR label that marks a release PR.
	DefaultTriggerLabel = "release"

	// DefaultTagTemplate is the workspace release tag template.
	DefaultTagTemplate = "v{version}"

	// DefaultRemote is the git remote release tags are pushed to.
	DefaultRemote = "origin"
)

// DefaultBranches are the base branches a release PR may merge into.
func DefaultBranches() []string {
	return []string{"master", "main"}
}

// Registry configures which package registry the workspace publishes to
// and how it is queried.
type Registry struct {
	// Name is the registry identifier passed to cargo. Only
	// "crates-io"-compatible registries are supported.
	Name string `yaml:"name" json:"name"`

	// API is the base URL of the registry's HTTP API.
	API string `yaml:"api" json:"api"`

	// TokenEnv names the environment variable holding the publish token.
	// The token itself never appears in the config file.
	TokenEnv string `yaml:"token_env" json:"tokenEnv"`
}

// Trigger configures which merged pull requests count as release PRs.
type Trigger struct {
	// Label is the PR label that marks a release PR.
	Label string `yaml:"label" json:"label"`

	// Branches lists the base branches a release PR may target.
	Branches []string `yaml:"branches" json:"branches"`
}

// PackageEntry configures one workspace member explicitly. Members not
// listed are published with default settings in dependency order.
type PackageEntry struct {
	// Name is the crate name.
	Name string `yaml:"name" json:"name"`

	// Optional marks the package as continue-on-error for both publish
	// and tag steps.
	Optional bool `yaml:"optional" json:"optional"`

	// TagTemplate, when set, gives this package its own release tag in
	// addition to the workspace tag (e.g. "tools-v{version}").
	TagTemplate string `yaml:"tag_template" json:"tagTemplate"`
}

// Tag configures release tag creation.
type Tag struct {
	// Template is the workspace release tag template. The only
	// placeholder is {version}.
	Template string `yaml:"template" json:"template"`

	// Sign enables signed tags (git tag -s). Signing runs through git's
	// own configuration; stevedore only verifies an SSH agent is
	// reachable when this is set.
	Sign bool `yaml:"sign" json:"sign"`

	// Remote is the git remote tags are pushed to.
	Remote string `yaml:"remote" json:"remote"`
}

// Hooks configures shell commands run around the publish phase.
type Hooks struct {
	// PrePublish runs once before the first publish. A failure aborts
	// the pipeline.
	PrePublish string `yaml:"pre_publish" json:"prePublish"`

	// PostRelease runs once after tags are pushed. A failure is logged
	// but never fails the release — by that point the release has
	// already happened.
	PostRelease string `yaml:"post_release" json:"postRelease"`
}

// Sandbox configures the hermetic publish mode, where the publish phase
// runs inside a Docker container instead of the host.
type Sandbox struct {
	// Enabled turns sandbox mode on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Image is the container image used for the publish phase. Required
	// when Enabled is true.
	Image string `yaml:"image" json:"image"`
}

// Config is the full release configuration.
type Config struct {
	Registry Registry       `yaml:"registry" json:"registry"`
	Trigger  Trigger        `yaml:"trigger" json:"trigger"`
	Packages []PackageEntry `yaml:"packages" json:"packages"`
	Tag      Tag            `yaml:"tag" json:"tag"`
	Hooks    Hooks          `yaml:"hooks" json:"hooks"`
	Sandbox  Sandbox        `yaml:"sandbox" json:"sandbox"`
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		Registry: Registry{
			Name:     DefaultRegistryName,
			API:      DefaultRegistryAPI,
			TokenEnv: DefaultTokenEnv,
		},
		Trigger: Trigger{
			Label:    DefaultTriggerLabel,
			Branches: DefaultBranches(),
		},
		Tag: Tag{
			Template: DefaultTagTemplate,
			Remote:   DefaultRemote,
		},
	}
}

// candidateNames are the config file names probed, in order, when no
// explicit --config path is given.
var candidateNames = []string{"release.yaml", "release.yml", "release.jsonc", "release.json"}

// Find locates the release config file under dir. It returns the first
// candidate that exists, or the empty string if none do (in which case
// built-in defaults apply).
func Find(dir string) string {
	for _, name := range candidateNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load reads, parses, validates, and default-fills the config file at
// path. The format is chosen by extension: .yaml/.yml parse as YAML,
// anything else as JSONC.
//
// Returns a CLIError with ExitConfigError if the file is missing,
// unparseable, or fails validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitConfigError,
				fmt.Sprintf("release config not found: %s", path),
				err,
			)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read release config %s", path), err)
	}

	cfg := &Config{}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse %s", path), err)
		}
	default:
		// Strip JSONC comments and trailing commas before parsing.
		// Plain JSON passes through jsonc.ToJSON unchanged, so .json
		// and .jsonc share this branch.
		clean := jsonc.ToJSON(data)
		if err := json.Unmarshal(clean, cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse %s", path), err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config found under dir, or returns the default
// config when no file exists. An existing-but-invalid file is still an
// error — defaults only cover absence, never breakage.
func LoadOrDefault(dir string) (*Config, error) {
	path := Find(dir)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// applyDefaults fills zero-valued fields with their defaults. Explicit
// values always win; only genuinely omitted fields are touched.
func (c *Config) applyDefaults() {
	if c.Registry.Name == "" {
		c.Registry.Name = DefaultRegistryName
	}
	if c.Registry.API == "" {
		c.Registry.API = DefaultRegistryAPI
	}
	if c.Registry.TokenEnv == "" {
		c.Registry.TokenEnv = DefaultTokenEnv
	}
	if c.Trigger.Label == "" {
		c.Trigger.Label = DefaultTriggerLabel
	}
	if len(c.Trigger.Branches) == 0 {
		c.Trigger.Branches = DefaultBranches()
	}
	if c.Tag.Template == "" {
		c.Tag.Template = DefaultTagTemplate
	}
	if c.Tag.Remote == "" {
		c.Tag.Remote = DefaultRemote
	}
}

// PackageEntryFor returns the explicit config entry for a crate name,
// or nil if the package is not listed.
func (c *Config) PackageEntryFor(name string) *PackageEntry {
	for i := range c.Packages {
		if c.Packages[i].Name == name {
			return &c.Packages[i]
		}
	}
	return nil
}
