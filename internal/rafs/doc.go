// Package rafs assembles the runtime configuration documents the daemon
// consumes.
//
// Conf builds the device config: storage backend, blobcache overlay,
// prefetch policy, and scalar flags merged into one JSON document with a
// fixed field order so repeated serialization is byte-identical. The v6
// metadata format requires a blobcache; Bytes enforces that by enabling the
// default disk cache with a warning instead of failing. Once dumped for an
// in-flight mount a Conf seals itself so the file on disk stays authoritative.
//
// BlobEntryConf builds the alternate per-entry document used for kernel-cache
// (fscache) and shared-domain mounts, where backend and cache settings nest
// under a config object keyed by filesystem id.
package rafs
