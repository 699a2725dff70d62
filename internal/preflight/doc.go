// Package preflight provides readiness checks for the workspace paths,
// kernel interfaces, and external binaries that mounts and builds depend
// on.
//
// The CLI doctor command runs RunAll plus CheckSystemDeps and renders one
// line per result, so an operator sees every broken precondition in a
// single pass instead of discovering them one failed mount at a time.
//
// Checks that touch the network are gated on the corresponding backend
// being configured -- a localfs-only install never waits on a proxy probe.
package preflight
