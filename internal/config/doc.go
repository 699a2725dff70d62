// Package config loads, normalizes, and validates rafsctl configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OSS_ACCESS_KEY_ID and PREFERRED_MODE. The Config type centralizes every knob
// the lifecycle commands need, allowing workspace directories, tool binaries,
// and backend credentials to be discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical daemon modes, and clear validation errors.
package config
