// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifest holds the manifest values passed between copy endpoints
// and the little JSON parsing the copier needs.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Recognized manifest media types.
const (
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest    = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex       = ocispec.MediaTypeImageIndex
)

// MediaTypes lists every recognized media type, suitable for an Accept
// header.
var MediaTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerList,
	MediaTypeOCIManifest,
	MediaTypeOCIIndex,
}

// AnnotationSynthesized marks the descriptor of an index that only exists
// to make a single-platform manifest addressable in an image layout.
const AnnotationSynthesized = "dev.regcopy.synthesized"

// DefaultOS is the OS recorded in a synthesized index.
const DefaultOS = "linux"

// Info is a manifest as read from an endpoint. Digest and Size are trusted
// as reported by the source.
type Info struct {
	Contents  []byte
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// Reference is a blob referenced by an image manifest.
type Reference struct {
	Digest digest.Digest
	Size   int64
}

// IsImage reports whether mediaType is a single-platform image manifest.
func IsImage(mediaType string) bool {
	return mediaType == MediaTypeDockerManifest || mediaType == MediaTypeOCIManifest
}

// IsIndex reports whether mediaType is a manifest list or image index.
func IsIndex(mediaType string) bool {
	return mediaType == MediaTypeDockerList || mediaType == MediaTypeOCIIndex
}

// Unsupported returns the error for a media type outside the recognized
// four.
func Unsupported(mediaType string) error {
	return fmt.Errorf("%w: unhandled manifest media type %q", errdefs.ErrNotImplemented, mediaType)
}

// References returns the config blob followed by the layers of an image
// manifest, in manifest order.
func References(info *Info) ([]Reference, error) {
	if !IsImage(info.MediaType) {
		return nil, Unsupported(info.MediaType)
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(info.Contents, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest %s: %v", errdefs.ErrInvalidArgument, info.Digest, err)
	}
	if err := m.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: manifest %s config: %v", errdefs.ErrInvalidArgument, info.Digest, err)
	}
	refs := make([]Reference, 0, 1+len(m.Layers))
	refs = append(refs, Reference{Digest: m.Config.Digest, Size: m.Config.Size})
	for i, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: manifest %s layer %d: %v", errdefs.ErrInvalidArgument, info.Digest, i, err)
		}
		refs = append(refs, Reference{Digest: l.Digest, Size: l.Size})
	}
	return refs, nil
}

// ParseIndex parses a manifest list or image index.
func ParseIndex(info *Info) (*ocispec.Index, error) {
	if !IsIndex(info.MediaType) {
		return nil, Unsupported(info.MediaType)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(info.Contents, &idx); err != nil {
		return nil, fmt.Errorf("%w: parsing index %s: %v", errdefs.ErrInvalidArgument, info.Digest, err)
	}
	for i, m := range idx.Manifests {
		if err := m.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: index %s entry %d: %v", errdefs.ErrInvalidArgument, info.Digest, i, err)
		}
	}
	return &idx, nil
}

// FindPlatform returns the first index entry built for arch. Entries
// without a platform never match.
func FindPlatform(idx *ocispec.Index, arch string) (ocispec.Descriptor, bool) {
	for _, m := range idx.Manifests {
		if m.Platform != nil && m.Platform.Architecture == arch {
			return m, true
		}
	}
	return ocispec.Descriptor{}, false
}

// IndexTypeFor returns the index media type matching an image manifest
// media type: Docker lists wrap Docker manifests, OCI indexes wrap OCI ones.
func IndexTypeFor(mediaType string) (string, error) {
	switch mediaType {
	case MediaTypeDockerManifest:
		return MediaTypeDockerList, nil
	case MediaTypeOCIManifest:
		return MediaTypeOCIIndex, nil
	}
	return "", Unsupported(mediaType)
}

// Synthesize builds a single-entry index wrapping the image manifest info
// for the given architecture.
func Synthesize(info *Info, arch string) (*Info, error) {
	indexType, err := IndexTypeFor(info.MediaType)
	if err != nil {
		return nil, err
	}
	idx := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: indexType,
		Manifests: []ocispec.Descriptor{{
			MediaType: info.MediaType,
			Digest:    info.Digest,
			Size:      info.Size,
			Platform: &ocispec.Platform{
				Architecture: arch,
				OS:           DefaultOS,
			},
			Annotations: map[string]string{AnnotationSynthesized: "true"},
		}},
	}
	data, err := json.MarshalIndent(idx, "", "    ")
	if err != nil {
		return nil, err
	}
	return &Info{
		Contents:  data,
		Digest:    digest.FromBytes(data),
		MediaType: indexType,
		Size:      int64(len(data)),
	}, nil
}

// Synthesized returns the wrapped descriptor if idx is an index made by
// Synthesize.
func Synthesized(idx *ocispec.Index) (ocispec.Descriptor, bool) {
	if len(idx.Manifests) != 1 {
		return ocispec.Descriptor{}, false
	}
	d := idx.Manifests[0]
	return d, d.Annotations[AnnotationSynthesized] == "true"
}

// SniffMediaType returns the mediaType field of a manifest document, or ""
// if it has none.
func SniffMediaType(contents []byte) (string, error) {
	var v struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(contents, &v); err != nil {
		return "", fmt.Errorf("%w: parsing manifest: %v", errdefs.ErrInvalidArgument, err)
	}
	return v.MediaType, nil
}

// ContentType strips parameters from a Content-Type header value.
func ContentType(v string) string {
	t, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(t)
}
