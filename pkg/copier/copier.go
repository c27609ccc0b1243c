// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package copier copies one tagged image, or one multi-platform index,
// between endpoints.
//
// A copy fetches the source's top-level manifest and walks at most two
// levels below it: an index fans out to image manifests, and an image
// manifest references its config and layer blobs. Blobs the destination
// already has are skipped. Content is always written before anything that
// references it, so the top-level manifest, written last, is what makes the
// image appear at the destination.
package copier

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/davecgh/go-spew/spew"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/endpoint"
	"github.com/yeetrun/regcopy/pkg/manifest"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCrossRegistry is returned for registry to registry copies between
	// different hosts; Copy stages those through a directory.
	ErrCrossRegistry = fmt.Errorf("%w: direct copying between registries on different hosts", errdefs.ErrNotImplemented)
	// ErrBothDirectories is returned when source and destination are both
	// directories.
	ErrBothDirectories = fmt.Errorf("%w: source and destination can't both be directories", errdefs.ErrNotImplemented)
)

// DefaultJobs is the default number of concurrent blob transfers.
const DefaultJobs = 4

// Copier copies from Source to Dest.
type Copier struct {
	Source endpoint.Endpoint
	Dest   endpoint.Endpoint
	// Arch, if set, copies only that architecture out of an index, and the
	// result at Dest is a single-platform image.
	Arch string
	// Jobs bounds concurrent blob transfers per manifest. Zero means
	// DefaultJobs.
	Jobs   int
	Logger logrus.FieldLogger
}

type blobFunc func(ctx context.Context, ref manifest.Reference) error

// Copy runs the copy. On any failure Dest.Cleanup is called before the
// error is returned.
func (c *Copier) Copy(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	transfer, err := c.route()
	if err != nil {
		return err
	}
	c.Logger.WithFields(logrus.Fields{"src": c.Source, "dest": c.Dest}).Debug("copying")

	if err := c.Dest.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("starting %s: %w", c.Dest, err))
	}
	if err := c.copy(ctx, transfer); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Copier) fail(err error) error {
	if cerr := c.Dest.Cleanup(); cerr != nil {
		return errors.Join(err, fmt.Errorf("cleaning up %s: %w", c.Dest, cerr))
	}
	return err
}

// route picks the blob transfer for the endpoint pair.
func (c *Copier) route() (blobFunc, error) {
	switch src := c.Source.(type) {
	case *endpoint.Registry:
		switch dst := c.Dest.(type) {
		case *endpoint.Directory:
			return func(ctx context.Context, ref manifest.Reference) error {
				p, err := dst.BlobPath(ref.Digest)
				if err != nil {
					return err
				}
				return src.DownloadBlob(ctx, ref.Digest, ref.Size, p)
			}, nil
		case *endpoint.Registry:
			if src.Host() != dst.Host() {
				return nil, ErrCrossRegistry
			}
			return func(ctx context.Context, ref manifest.Reference) error {
				return dst.LinkBlob(ctx, ref.Digest, src.Repository())
			}, nil
		}
	case *endpoint.Directory:
		switch dst := c.Dest.(type) {
		case *endpoint.Registry:
			return func(ctx context.Context, ref manifest.Reference) error {
				p, err := src.BlobPath(ref.Digest)
				if err != nil {
					return err
				}
				return dst.UploadBlob(ctx, ref.Digest, ref.Size, p)
			}, nil
		case *endpoint.Directory:
			return nil, ErrBothDirectories
		}
	}
	return nil, fmt.Errorf("%w: copying from %T to %T", errdefs.ErrNotImplemented, c.Source, c.Dest)
}

func (c *Copier) copy(ctx context.Context, transfer blobFunc) error {
	top, err := c.Source.GetManifest(ctx, "", "")
	if err != nil {
		return err
	}
	log := c.Logger.WithFields(logrus.Fields{"digest": top.Digest, "media_type": top.MediaType})

	switch {
	case manifest.IsImage(top.MediaType):
		return c.copyManifest(ctx, transfer, top, true)

	case manifest.IsIndex(top.MediaType):
		idx, err := manifest.ParseIndex(top)
		if err != nil {
			return err
		}
		if c.Arch != "" {
			desc, ok := manifest.FindPlatform(idx, c.Arch)
			if !ok {
				return fmt.Errorf("%w: couldn't find architecture %s in %s", errdefs.ErrNotFound, c.Arch, c.Source)
			}
			log.WithField("arch", c.Arch).Debug("selected platform")
			sub, err := c.Source.GetManifest(ctx, desc.Digest, desc.MediaType)
			if err != nil {
				return err
			}
			return c.copyManifest(ctx, transfer, sub, true)
		}
		for _, desc := range idx.Manifests {
			sub, err := c.Source.GetManifest(ctx, desc.Digest, desc.MediaType)
			if err != nil {
				return err
			}
			if err := c.copyManifest(ctx, transfer, sub, false); err != nil {
				return err
			}
		}
		return c.Dest.WriteManifest(ctx, top, true)
	}
	return manifest.Unsupported(top.MediaType)
}

// copyManifest copies the blobs info references, then info itself.
func (c *Copier) copyManifest(ctx context.Context, transfer blobFunc, info *manifest.Info, toplevel bool) error {
	refs, err := manifest.References(info)
	if err != nil {
		return err
	}
	log := c.Logger.WithField("digest", info.Digest)
	log.WithField("references", len(refs)).Debug("copying manifest")
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		log.Trace(spew.Sdump(refs))
	}

	jobs := c.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs
	}
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(jobs)
	seen := make(map[digest.Digest]bool)
	for _, ref := range refs {
		// A blob listed twice is transferred once.
		if seen[ref.Digest] {
			continue
		}
		seen[ref.Digest] = true
		eg.Go(func() error {
			return c.copyBlob(ectx, transfer, ref)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return c.Dest.WriteManifest(ctx, info, toplevel)
}

func (c *Copier) copyBlob(ctx context.Context, transfer blobFunc, ref manifest.Reference) error {
	ok, err := c.Dest.HasBlob(ctx, ref.Digest)
	if err != nil {
		return err
	}
	if ok {
		c.Logger.WithField("digest", ref.Digest).Debug("blob already present")
		return nil
	}
	if err := transfer(ctx, ref); err != nil {
		return fmt.Errorf("copying blob %s: %w", ref.Digest, err)
	}
	return nil
}
