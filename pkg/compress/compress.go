// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Supported content codings, in order of preference.
const (
	Zstd    = "zstd"
	Gzip    = "gzip"
	Deflate = "deflate"
)

var preference = []string{Zstd, Gzip, Deflate}

// AcceptEncoding is the Accept-Encoding value a client sends when it can
// decode every coding NewReader supports.
const AcceptEncoding = "zstd, gzip"

// SelectEncoding chooses the best compression encoding based on client preferences.
// It parses the Accept-Encoding header and selects the most appropriate algorithm
// based on quality values and the preference order (zstd > gzip > deflate).
// Returns the encoding name or empty string if no compression should be used.
func SelectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	// Format: "gzip, deflate, br;q=0.9, *;q=0.8"
	quality := make(map[string]float64)
	for enc := range strings.SplitSeq(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		name = strings.TrimSpace(name)
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if name == "*" {
			// Wildcard covers whatever is not explicitly listed.
			for _, c := range preference {
				if _, ok := quality[c]; !ok {
					quality[c] = q
				}
			}
			continue
		}
		quality[name] = q
	}

	best, bestQ := "", 0.0
	for _, c := range preference {
		if q := quality[c]; q > bestQ {
			best, bestQ = c, q
		}
	}
	return best
}

// NewReader returns a reader decoding r according to encoding. An empty or
// identity encoding returns r unchanged. Closing the returned reader closes r.
func NewReader(encoding string, r io.ReadCloser) (io.ReadCloser, error) {
	var (
		dec io.ReadCloser
		err error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case Gzip, "x-gzip":
		dec, err = gzip.NewReader(r)
	case Deflate:
		dec = flate.NewReader(r)
	case Zstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r)
		if err == nil {
			dec = zr.IOReadCloser()
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor for %s: %w", encoding, err)
	}
	return &closeWrapper{ReadCloser: dec, onClose: r.Close}, nil
}

// DecompressRequest wraps the request body with a decompressing reader
// if the Content-Encoding header is set.
func DecompressRequest(r *http.Request) error {
	body, err := NewReader(r.Header.Get("Content-Encoding"), r.Body)
	if err != nil {
		return err
	}
	if body != r.Body {
		r.Body = body
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
	}
	return nil
}

// DecompressResponse is DecompressRequest for a client response. The
// response's ContentLength becomes -1 once a decoder is installed.
func DecompressResponse(resp *http.Response) error {
	body, err := NewReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return err
	}
	if body != resp.Body {
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return nil
}

// closeWrapper wraps an io.ReadCloser and calls an additional function on Close.
type closeWrapper struct {
	io.ReadCloser
	onClose func() error
}

func (cw *closeWrapper) Close() error {
	err1 := cw.ReadCloser.Close()
	err2 := cw.onClose()
	return errors.Join(err1, err2)
}
