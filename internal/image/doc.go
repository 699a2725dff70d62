// Package image orchestrates builds of filesystem images and owns the
// resulting artifacts.
//
// Builder invokes the external image builder, verifies the bootstrap it
// produced, takes the last blob descriptor from the builder's output as the
// authoritative blob id, and persists the blob according to the active
// storage backend: object-store blobs upload through the ossutil helper,
// proxied blobs copy into the proxy's blob directory, localfs blobs land in
// the backend directory keyed by id, registry blobs wait for a separate push
// step. Every produced path registers with a teardown registry so partial
// builds never leave orphaned files.
//
// Image is the immutable record of one build. Cleanup removes its local
// files and, when the image owns the remote lifetime, the uploaded object;
// it tolerates paths a prior pass already removed and a second call is a
// strict no-op.
package image
