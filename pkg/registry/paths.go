// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"net/url"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// BasePath returns the base path for registry URLs.
func BasePath() string {
	return "/v2"
}

// ManifestPath returns the path for a manifest.
func ManifestPath(repo, reference string) string {
	return path.Join(BasePath(), repo, "manifests", reference)
}

// BlobPath returns the path for a blob.
func BlobPath(repo string, dgst digest.Digest) string {
	return path.Join(BasePath(), repo, "blobs", dgst.String())
}

// UploadPath returns the path that starts a blob upload. The trailing slash
// is part of the route.
func UploadPath(repo string) string {
	return path.Join(BasePath(), repo, "blobs", "uploads") + "/"
}

// MountPath returns the upload path asking the registry to mount dgst from
// the repository from instead of starting an upload.
func MountPath(repo string, dgst digest.Digest, from string) string {
	q := url.Values{}
	q.Set("mount", dgst.String())
	q.Set("from", from)
	return UploadPath(repo) + "?" + q.Encode()
}

// Hostname strips an optional http:// or https:// prefix and any trailing
// path from a registry reference, leaving host[:port].
func Hostname(registry string) string {
	if strings.HasPrefix(registry, "http://") || strings.HasPrefix(registry, "https://") {
		if u, err := url.Parse(registry); err == nil {
			return u.Host
		}
	}
	host, _, _ := strings.Cut(registry, "/")
	return host
}

// hasScheme reports whether registry names its scheme explicitly.
func hasScheme(registry string) bool {
	return strings.HasPrefix(registry, "http://") || strings.HasPrefix(registry, "https://")
}
