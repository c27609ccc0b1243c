// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifesttest builds small images and indexes for tests.
package manifesttest

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/regcopy/pkg/manifest"
)

// Image is a single-platform image: its manifest plus every blob it
// references.
type Image struct {
	Arch     string
	Manifest *manifest.Info
	Config   []byte
	Layers   [][]byte
}

// Blobs returns the config followed by the layers, keyed in manifest order.
func (img *Image) Blobs() [][]byte {
	return append([][]byte{img.Config}, img.Layers...)
}

// Digests returns the digests of Blobs.
func (img *Image) Digests() []digest.Digest {
	var ds []digest.Digest
	for _, b := range img.Blobs() {
		ds = append(ds, digest.FromBytes(b))
	}
	return ds
}

// NewImage returns an image for arch with nLayers distinct layers. mediaType
// is an image manifest type; the layer media types follow it.
func NewImage(t testing.TB, mediaType, arch string, nLayers int) *Image {
	t.Helper()
	config, err := json.Marshal(ocispec.Image{
		Platform: ocispec.Platform{Architecture: arch, OS: manifest.DefaultOS},
		RootFS:   ocispec.RootFS{Type: "layers"},
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	img := &Image{Arch: arch, Config: config}

	configType, layerType := ocispec.MediaTypeImageConfig, ocispec.MediaTypeImageLayerGzip
	if mediaType == manifest.MediaTypeDockerManifest {
		configType = "application/vnd.docker.container.image.v1+json"
		layerType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	}
	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType,
		Config: ocispec.Descriptor{
			MediaType: configType,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
	}
	for i := range nLayers {
		layer := fmt.Appendf(nil, "layer %d of %s image", i, arch)
		img.Layers = append(img.Layers, layer)
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: layerType,
			Digest:    digest.FromBytes(layer),
			Size:      int64(len(layer)),
		})
	}
	img.Manifest = Encode(t, mediaType, m)
	return img
}

// NewIndex returns an index of mediaType listing images in order.
func NewIndex(t testing.TB, mediaType string, images ...*Image) *manifest.Info {
	t.Helper()
	idx := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType,
	}
	for _, img := range images {
		idx.Manifests = append(idx.Manifests, ocispec.Descriptor{
			MediaType: img.Manifest.MediaType,
			Digest:    img.Manifest.Digest,
			Size:      img.Manifest.Size,
			Platform:  &ocispec.Platform{Architecture: img.Arch, OS: manifest.DefaultOS},
		})
	}
	return Encode(t, mediaType, idx)
}

// Encode marshals v into a manifest value of mediaType.
func Encode(t testing.TB, mediaType string, v any) *manifest.Info {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return &manifest.Info{
		Contents:  data,
		Digest:    digest.FromBytes(data),
		MediaType: mediaType,
		Size:      int64(len(data)),
	}
}
