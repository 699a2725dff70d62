// Package services defines shared utilities consumed by the lifecycle
// components and external tool integrations.
//
// Key responsibilities:
//   - Context helpers that stamp session IDs, image IDs, and stage names for
//     logging and tracing.
//   - Structured error markers plus the Wrap helper that keep failure
//     classification (fatal vs retryable) consistent across components.
//
// Use these helpers when wiring new lifecycle logic so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
