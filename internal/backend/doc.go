// Package backend models the storage variants blob data can be served from.
//
// A Spec is a tagged union over localfs directories, single backing blob
// files, object-store buckets, container registries, and blob proxies. Each
// constructor validates the fields its variant requires and returns an
// immutable value; MarshalJSON emits the daemon's backend document with
// exactly the active variant's fields. Proxied stores are normalized to
// registry specs at construction so nothing downstream special-cases them,
// while Kind still reports backend_proxy for build-time blob placement.
package backend
