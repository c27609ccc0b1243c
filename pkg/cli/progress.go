// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cli

import (
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"
)

// barPool renders one byte-counting bar per blob transfer.
type barPool struct {
	pool *pb.Pool
}

func startBarPool(w io.Writer) (*barPool, error) {
	pool := pb.NewPool()
	pool.Output = w
	if err := pool.Start(); err != nil {
		return nil, err
	}
	return &barPool{pool: pool}, nil
}

func (p *barPool) Track(name string, size int64, r io.Reader) io.ReadCloser {
	bar := pb.New64(size)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", name+" ")
	p.pool.Add(bar)
	// Closing the proxy reader finishes the bar. r is hidden behind a plain
	// Reader so that closing does not reach it.
	return bar.NewProxyReader(struct{ io.Reader }{r})
}

func (p *barPool) Stop() error {
	return p.pool.Stop()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
