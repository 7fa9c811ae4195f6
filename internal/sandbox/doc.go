// Package sandbox runs the publish phase inside a Docker container
// instead of on the host, giving releases a hermetic toolchain: the
// image pins the exact cargo version, and the host's environment cannot
// leak into the published crates. The workspace is mounted read-only so
// a publish cannot modify the checkout; only the cargo target dir is
// writable inside the container.
//
// Containers created here carry "stevedore.*" labels identifying the
// release run, so containers left behind by a crashed run can be
// discovered and removed by the next run. Container launch goes through
// the docker CLI (the SDK's ContainerCreate requires assembling large
// Config/HostConfig structs for what is a single `docker run`);
// discovery and removal use the Docker SDK, which is the right tool for
// label-filtered queries.
package sandbox
