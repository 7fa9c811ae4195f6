// Package gitx provides the Git operations the release pipeline needs:
// inspecting HEAD, creating annotated (optionally signed) release tags,
// and pushing them to the remote.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go Git library because
//     tag signing and credential helpers require full Git CLI
//     compatibility (gpg.format=ssh, ssh-agent, credential managers),
//     none of which pure-Go implementations cover.
//   - The Manager struct is currently stateless but exists as a receiver
//     to allow future extension (e.g., custom git binary path).
//   - All errors from Git commands are wrapped in model.CLIError with
//     ExitGitError to enable proper CLI exit code handling.
package gitx
