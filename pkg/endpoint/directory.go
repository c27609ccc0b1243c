// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/manifest"
)

// Directory is an OCI image layout: an oci-layout marker, index.json as the
// top-level manifest, and blobs under blobs/<algorithm>/<hex>.
type Directory struct {
	dir     string
	owned   bool // Start must create dir
	created bool // Start created dir, so Cleanup removes it
	log     logrus.FieldLogger
}

var _ Endpoint = (*Directory)(nil)

// NewDirectory returns a Directory that creates dir on Start. Start fails if
// dir already exists, and Cleanup removes it again.
func NewDirectory(dir string, opts ...Option) *Directory {
	return newDirectory(dir, true, opts)
}

// OpenDirectory returns a Directory over dir, which may already exist.
// Cleanup leaves it alone.
func OpenDirectory(dir string, opts ...Option) *Directory {
	return newDirectory(dir, false, opts)
}

func newDirectory(dir string, owned bool, opts []Option) *Directory {
	o := newOptions(opts)
	return &Directory{
		dir:   dir,
		owned: owned,
		log:   o.log.WithField("path", dir),
	}
}

// Path returns the layout root.
func (d *Directory) Path() string { return d.dir }

func (d *Directory) String() string { return "dir:" + d.dir }

// Start creates the layout root if this Directory owns it, then writes the
// oci-layout marker.
func (d *Directory) Start(ctx context.Context) error {
	if d.owned {
		if _, err := os.Lstat(d.dir); err == nil {
			return fmt.Errorf("%w: %s already exists", errdefs.ErrAlreadyExists, d.dir)
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			return err
		}
		d.created = true
	} else if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return err
	}
	return d.writeFile(filepath.Join(d.dir, ocispec.ImageLayoutFile), append(layout, '\n'))
}

// Cleanup removes the layout root if Start created it.
func (d *Directory) Cleanup() error {
	if !d.created {
		return nil
	}
	d.log.Debug("removing directory")
	d.created = false
	return os.RemoveAll(d.dir)
}

// BlobPath returns where dgst is stored.
func (d *Directory) BlobPath(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, err)
	}
	return filepath.Join(d.dir, ocispec.ImageBlobsDir, dgst.Algorithm().String(), dgst.Encoded()), nil
}

// HasBlob reports whether the blob file exists.
func (d *Directory) HasBlob(ctx context.Context, dgst digest.Digest) (bool, error) {
	p, err := d.BlobPath(dgst)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadBlob returns the content of a blob.
func (d *Directory) ReadBlob(dgst digest.Digest) ([]byte, error) {
	p, err := d.BlobPath(dgst)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s in %s", errdefs.ErrNotFound, dgst, d.dir)
	}
	return data, err
}

// WriteBlob stores data as dgst. The digest is trusted, not recomputed.
func (d *Directory) WriteBlob(dgst digest.Digest, data []byte) error {
	p, err := d.BlobPath(dgst)
	if err != nil {
		return err
	}
	return d.writeFile(p, data)
}

func (d *Directory) writeFile(path string, data []byte) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// GetManifest reads index.json when dgst is empty, else the blob dgst. A
// top-level index synthesized by WriteManifest is unwrapped, so the image
// manifest it stands in for is returned.
func (d *Directory) GetManifest(ctx context.Context, dgst digest.Digest, mediaType string) (*manifest.Info, error) {
	if dgst != "" {
		contents, err := d.ReadBlob(dgst)
		if err != nil {
			return nil, err
		}
		if mediaType == "" {
			if mediaType, err = manifest.SniffMediaType(contents); err != nil {
				return nil, err
			}
		}
		return &manifest.Info{
			Contents:  contents,
			Digest:    dgst,
			MediaType: mediaType,
			Size:      int64(len(contents)),
		}, nil
	}

	contents, err := os.ReadFile(filepath.Join(d.dir, ocispec.ImageIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s has no %s", errdefs.ErrNotFound, d.dir, ocispec.ImageIndexFile)
		}
		return nil, err
	}
	mt, err := manifest.SniffMediaType(contents)
	if err != nil {
		return nil, err
	}
	if mt == "" {
		mt = manifest.MediaTypeOCIIndex
	}
	info := &manifest.Info{
		Contents:  contents,
		Digest:    digest.FromBytes(contents),
		MediaType: mt,
		Size:      int64(len(contents)),
	}
	if !manifest.IsIndex(mt) {
		return info, nil
	}
	idx, err := manifest.ParseIndex(info)
	if err != nil {
		return nil, err
	}
	if desc, ok := manifest.Synthesized(idx); ok {
		d.log.WithField("digest", desc.Digest).Debug("unwrapping synthesized index")
		return d.GetManifest(ctx, desc.Digest, desc.MediaType)
	}
	return info, nil
}

// WriteManifest stores info. A top-level index becomes index.json as is. A
// top-level image manifest goes into the blob store and gets a synthesized
// single-entry index.json, since the layout can only point at an index;
// its architecture is read from the image config, which must already be
// present.
func (d *Directory) WriteManifest(ctx context.Context, info *manifest.Info, toplevel bool) error {
	log := d.log.WithFields(logrus.Fields{"digest": info.Digest, "media_type": info.MediaType})
	switch {
	case toplevel && manifest.IsIndex(info.MediaType):
		log.Info("writing index")
		return d.writeFile(filepath.Join(d.dir, ocispec.ImageIndexFile), info.Contents)
	case !manifest.IsImage(info.MediaType) && !manifest.IsIndex(info.MediaType):
		return manifest.Unsupported(info.MediaType)
	}

	log.Info("writing manifest")
	if err := d.WriteBlob(info.Digest, info.Contents); err != nil {
		return err
	}
	if !toplevel {
		return nil
	}

	arch, err := d.architecture(info)
	if err != nil {
		return err
	}
	idx, err := manifest.Synthesize(info, arch)
	if err != nil {
		return err
	}
	log.WithField("arch", arch).Debug("writing synthesized index")
	return d.writeFile(filepath.Join(d.dir, ocispec.ImageIndexFile), idx.Contents)
}

func (d *Directory) architecture(info *manifest.Info) (string, error) {
	refs, err := manifest.References(info)
	if err != nil {
		return "", err
	}
	config, err := d.ReadBlob(refs[0].Digest)
	if err != nil {
		return "", fmt.Errorf("reading config of %s: %w", info.Digest, err)
	}
	var img ocispec.Image
	if err := json.Unmarshal(config, &img); err != nil {
		return "", fmt.Errorf("%w: parsing config of %s: %v", errdefs.ErrInvalidArgument, info.Digest, err)
	}
	if img.Architecture == "" {
		return "", fmt.Errorf("%w: config of %s has no architecture", errdefs.ErrNotFound, info.Digest)
	}
	return img.Architecture, nil
}
