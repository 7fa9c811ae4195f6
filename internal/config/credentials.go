// credentials.go resolves the secrets the pipeline needs from the
// environment. Secrets never appear in the config file or on any command
// line; they are read from the environment at execution time and passed
// to child processes through their environment, matching how CI systems
// inject them.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// sshProbeTimeout bounds the SSH agent socket probe. The agent is local,
// so anything slower than this means it is not usable.
const sshProbeTimeout = 2 * time.Second

// Credentials holds the resolved secrets for one release run.
type Credentials struct {
	// Token is the registry publish token, read from the configured
	// token env var.
	Token string

	// TokenEnv is the variable name the token came from, kept so the
	// publisher can re-export it into child process environments without
	// this struct leaking the value into logs.
	TokenEnv string
}

// ResolveCredentials reads and verifies the secrets required by the
// config. When signing is enabled, the SSH agent socket is probed with an
// actual connection — an SSH_AUTH_SOCK pointing at a dead socket is the
// most common way tag signing fails in CI.
//
// Returns a CLIError with ExitCredentialError on any missing or unusable
// credential.
func ResolveCredentials(cfg *Config) (*Credentials, error) {
	token := os.Getenv(cfg.Registry.TokenEnv)
	if token == "" {
		return nil, model.NewCLIError(model.ExitCredentialError,
			fmt.Sprintf("registry token not set: export %s before publishing", cfg.Registry.TokenEnv))
	}

	if cfg.Tag.Sign {
		if err := CheckSigningAgent(); err != nil {
			return nil, err
		}
	}

	return &Credentials{Token: token, TokenEnv: cfg.Registry.TokenEnv}, nil
}

// CheckSigningAgent verifies a usable SSH agent is reachable. Called on
// its own by pipelines that create signed tags without needing the
// registry token, so a dead agent is a credential error up front rather
// than a git failure mid-pipeline.
func CheckSigningAgent() error {
	if err := probeSSHAgent(); err != nil {
		return model.WrapCLIError(model.ExitCredentialError,
			"tag signing is enabled but no usable SSH agent was found", err)
	}
	return nil
}

// probeSSHAgent verifies SSH_AUTH_SOCK is set and connectable.
func probeSSHAgent() error {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return fmt.Errorf("SSH_AUTH_SOCK is not set")
	}

	conn, err := net.DialTimeout("unix", sock, sshProbeTimeout)
	if err != nil {
		return fmt.Errorf("SSH_AUTH_SOCK %q is not connectable: %w", sock, err)
	}
	_ = conn.Close()
	return nil
}
