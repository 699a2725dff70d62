package main

import (
	"fmt"
	"strconv"
	"strings"

	"rafsctl/internal/backend"
	"rafsctl/internal/config"
	"rafsctl/internal/manifest"
)

// backendOverrides carries per-invocation backend fields that take
// precedence over the harness configuration. A manifest's backend section
// maps onto it directly.
type backendOverrides struct {
	dir      string
	blobFile string

	endpoint        string
	bucket          string
	accessKeyID     string
	accessKeySecret string
	objectPrefix    string

	scheme    string
	host      string
	namespace string
	repo      string
	auth      string

	proxyURL string
}

func overridesFromManifest(m *manifest.Manifest) backendOverrides {
	if m == nil {
		return backendOverrides{}
	}
	b := m.Backend
	return backendOverrides{
		dir:             b.Dir,
		blobFile:        b.BlobFile,
		endpoint:        b.Endpoint,
		bucket:          b.Bucket,
		accessKeyID:     b.AccessKeyID,
		accessKeySecret: b.AccessKeySecret,
		objectPrefix:    b.ObjectPrefix,
		scheme:          b.Scheme,
		host:            b.Host,
		namespace:       b.Namespace,
		repo:            b.Repo,
		auth:            b.Auth,
		proxyURL:        b.ProxyURL,
	}
}

// resolveBackendSpec builds the backend spec for a kind, preferring
// override fields over configuration defaults. An empty kind selects
// localfs.
func resolveBackendSpec(cfg *config.Config, kindValue string, ov backendOverrides) (backend.Spec, error) {
	kind, err := backend.ParseKind(firstNonEmpty(kindValue, string(backend.KindLocalfs)))
	if err != nil {
		return backend.Spec{}, err
	}

	switch kind {
	case backend.KindLocalfs:
		if ov.blobFile != "" {
			return backend.LocalfsBlob(ov.blobFile)
		}
		return backend.Localfs(firstNonEmpty(ov.dir, cfg.Paths.BlobDir))
	case backend.KindOSS:
		var opts []backend.OSSOption
		if prefix := firstNonEmpty(ov.objectPrefix, cfg.OSS.ObjectPrefix); prefix != "" {
			opts = append(opts, backend.WithObjectPrefix(prefix))
		}
		return backend.OSS(
			firstNonEmpty(ov.endpoint, cfg.OSS.Endpoint),
			firstNonEmpty(ov.accessKeyID, cfg.OSS.AccessKeyID),
			firstNonEmpty(ov.accessKeySecret, cfg.OSS.AccessKeySecret),
			firstNonEmpty(ov.bucket, cfg.OSS.Bucket),
			opts...,
		)
	case backend.KindRegistry:
		var opts []backend.RegistryOption
		if ov.repo != "" {
			opts = append(opts, backend.WithRepo(ov.repo))
		}
		if auth := firstNonEmpty(ov.auth, cfg.Registry.Auth); auth != "" {
			opts = append(opts, backend.WithAuth(auth))
		}
		return backend.Registry(
			firstNonEmpty(ov.scheme, cfg.Registry.Scheme),
			firstNonEmpty(ov.host, cfg.Registry.Host),
			firstNonEmpty(ov.namespace, cfg.Registry.Namespace),
			opts...,
		)
	case backend.KindProxy:
		return backend.Proxy(firstNonEmpty(ov.proxyURL, cfg.Proxy.URL))
	}
	return backend.Spec{}, fmt.Errorf("unsupported backend kind %q", kind)
}

// parseChunkSize accepts decimal or 0x-prefixed hexadecimal sizes, the two
// forms the builder's --chunk-size flag understands.
func parseChunkSize(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 0, 64)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid chunk size %q", value)
	}
	return int(parsed), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
