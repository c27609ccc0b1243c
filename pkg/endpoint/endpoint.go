// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package endpoint implements the two places an image can be copied from or
// to: a repository on a registry (Registry) and an OCI image layout on disk
// (Directory).
//
// Both satisfy Endpoint, which covers what the copier needs from either
// side. Moving blob bytes is variant specific and lives on the concrete
// types; the copier picks the transfer by looking at which pair it has.
package endpoint

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/manifest"
)

// Endpoint is one side of a copy.
type Endpoint interface {
	// Start prepares the endpoint before anything is written to it.
	Start(ctx context.Context) error
	// Cleanup undoes Start after a failed copy, where that is possible.
	Cleanup() error
	// GetManifest returns the top-level manifest when dgst is empty, and the
	// manifest with that digest otherwise. mediaType is the type the
	// referencing index declared for it, if known.
	GetManifest(ctx context.Context, dgst digest.Digest, mediaType string) (*manifest.Info, error)
	// WriteManifest stores info. A toplevel manifest becomes what the
	// endpoint's name (tag or index.json) resolves to.
	WriteManifest(ctx context.Context, info *manifest.Info, toplevel bool) error
	// HasBlob reports whether the blob is present. Absence is not an error.
	HasBlob(ctx context.Context, dgst digest.Digest) (bool, error)
	String() string
}

// Progress reports blob transfers.
type Progress interface {
	// Track returns a reader that reports reads from r against a transfer
	// called name of size bytes. Closing it ends the report; it does not
	// close r.
	Track(name string, size int64, r io.Reader) io.ReadCloser
}

type noProgress struct{}

func (noProgress) Track(_ string, _ int64, r io.Reader) io.ReadCloser {
	return io.NopCloser(r)
}

type options struct {
	log      logrus.FieldLogger
	progress Progress
}

// Option configures an endpoint.
type Option func(*options)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithProgress reports blob transfers to p.
func WithProgress(p Progress) Option {
	return func(o *options) { o.progress = p }
}

func newOptions(opts []Option) options {
	o := options{
		log:      logrus.StandardLogger(),
		progress: noProgress{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
