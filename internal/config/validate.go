// validate.go performs upfront validation of the release configuration.
//
// A release pipeline that fails halfway through is much more expensive
// than one that refuses to start: a partially published workspace has to
// be recovered by hand. Every constraint that can be checked before the
// first mutating step is checked here.
package config

import (
	"fmt"
	"strings"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Validate checks the fully default-filled config for constraint
// violations. Returns a CLIError with ExitConfigError describing the
// first problem found.
func (c *Config) Validate() error {
	// Registry API must be an absolute http(s) URL. cargo itself would
	// reject other schemes much later, mid-publish.
	if !strings.HasPrefix(c.Registry.API, "http://") && !strings.HasPrefix(c.Registry.API, "https://") {
		return model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("registry.api %q: must be an http(s) URL", c.Registry.API))
	}

	if c.Trigger.Label == "" {
		return model.NewCLIError(model.ExitConfigError, "trigger.label must not be empty")
	}
	for _, b := range c.Trigger.Branches {
		if strings.TrimSpace(b) == "" {
			return model.NewCLIError(model.ExitConfigError, "trigger.branches must not contain empty entries")
		}
	}

	if err := validateTagTemplate(c.Tag.Template, "tag.template"); err != nil {
		return err
	}
	if c.Tag.Remote == "" {
		return model.NewCLIError(model.ExitConfigError, "tag.remote must not be empty")
	}

	seen := make(map[string]bool, len(c.Packages))
	for i, p := range c.Packages {
		if err := model.ValidateCrateName(p.Name); err != nil {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("packages[%d]", i), err)
		}
		if seen[p.Name] {
			return model.NewCLIError(model.ExitConfigError,
				fmt.Sprintf("packages[%d]: duplicate entry for %q", i, p.Name))
		}
		seen[p.Name] = true

		if p.TagTemplate != "" {
			if err := validateTagTemplate(p.TagTemplate, fmt.Sprintf("packages[%d].tag_template", i)); err != nil {
				return err
			}
		}
	}

	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return model.NewCLIError(model.ExitConfigError,
			"sandbox.image is required when sandbox.enabled is true")
	}

	return nil
}

// validateTagTemplate checks that a tag template is non-empty and
// actually contains the {version} placeholder. A template without the
// placeholder would produce the same tag for every release, and the
// second release would then fail on a tag collision.
func validateTagTemplate(template, field string) error {
	if template == "" {
		return model.NewCLIError(model.ExitConfigError, field+" must not be empty")
	}
	if !strings.Contains(template, "{version}") {
		return model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("%s %q: must contain the {version} placeholder", field, template))
	}
	return nil
}
