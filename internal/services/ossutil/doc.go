// Package ossutil wraps the external object-store helper binary.
//
// Client shells out to ossutil for uploads, removals, and existence checks
// against one bucket, joining the configured key prefix onto every object id.
// Removal and stat recognize the tool's missing-object output so cleanup
// passes stay idempotent. Command execution goes through the Executor seam
// so tests can script transfer outcomes without the binary.
package ossutil
