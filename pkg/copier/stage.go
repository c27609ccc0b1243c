// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package copier

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/endpoint"
)

// Options configures Copy and Stage.
type Options struct {
	Arch   string
	Jobs   int
	Logger logrus.FieldLogger
	// TempDir is where Stage creates its staging directory. Empty means
	// os.TempDir.
	TempDir string
}

func (o Options) copier(src, dst endpoint.Endpoint) *Copier {
	return &Copier{
		Source: src,
		Dest:   dst,
		Arch:   o.Arch,
		Jobs:   o.Jobs,
		Logger: o.Logger,
	}
}

// Copy copies src to dst. Registries on different hosts cannot share
// blobs, so that pair goes through Stage; every other pair is a single
// Copier run.
func Copy(ctx context.Context, src, dst endpoint.Endpoint, opts Options) error {
	sr, ok := src.(*endpoint.Registry)
	dr, ok2 := dst.(*endpoint.Registry)
	if ok && ok2 && sr.Host() != dr.Host() {
		return Stage(ctx, src, dst, opts)
	}
	return opts.copier(src, dst).Copy(ctx)
}

// Stage copies src into a temporary directory and from there to dst. The
// directory is removed afterwards whatever the outcome.
func Stage(ctx context.Context, src, dst endpoint.Endpoint, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	tmp, err := os.MkdirTemp(opts.TempDir, "regcopy-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	log := opts.Logger.WithField("path", tmp)
	log.Info("staging through local directory")
	stage := endpoint.OpenDirectory(tmp, endpoint.WithLogger(opts.Logger))

	if err := opts.copier(src, stage).Copy(ctx); err != nil {
		return fmt.Errorf("staging %s: %w", src, err)
	}
	// The staged copy is already filtered to one platform when Arch is set.
	if err := opts.copier(stage, dst).Copy(ctx); err != nil {
		return fmt.Errorf("pushing staged copy to %s: %w", dst, err)
	}
	return nil
}
