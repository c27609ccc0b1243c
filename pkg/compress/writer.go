// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// ResponseWriter wraps an http.ResponseWriter to provide transparent compression.
// It sets Content-Encoding and Vary and drops Content-Length, since the
// compressed size differs from the original.
type ResponseWriter struct {
	http.ResponseWriter
	writer      io.Writer
	encoding    string
	wroteHeader bool
}

// NewResponseWriter creates a compression writer for encoding. Any encoding
// other than zstd, gzip or deflate passes writes through unchanged.
func NewResponseWriter(w http.ResponseWriter, encoding string) (*ResponseWriter, error) {
	cw := &ResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
	}

	var err error
	switch encoding {
	case Zstd:
		cw.writer, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case Gzip:
		cw.writer = gzip.NewWriter(w)
	case Deflate:
		cw.writer, err = flate.NewWriter(w, flate.DefaultCompression)
	default:
		cw.writer = w
		cw.encoding = ""
	}
	if err != nil {
		return nil, err
	}
	return cw, nil
}

// Write compresses data and writes it to the underlying response writer.
func (cw *ResponseWriter) Write(data []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.writer.Write(data)
}

// WriteHeader writes the status code, preceded by the compression headers.
func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != "" {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", cw.encoding)
		// Sent chunked instead.
		h.Del("Content-Length")
		h.Set("Vary", "Accept-Encoding")
	}
	cw.ResponseWriter.WriteHeader(code)
}

// Close flushes and closes the compression writer.
func (cw *ResponseWriter) Close() error {
	if closer, ok := cw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
