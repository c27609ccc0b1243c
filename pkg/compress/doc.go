// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress implements HTTP content-coding negotiation for zstd, gzip
// and deflate.
//
// Servers pick a coding with SelectEncoding and wrap their writer:
//
//	encoding := compress.SelectEncoding(r.Header.Get("Accept-Encoding"))
//	cw, err := compress.NewResponseWriter(w, encoding)
//	if err != nil {
//	    // handle error
//	}
//	defer cw.Close()
//
// Clients advertise AcceptEncoding and decode what comes back:
//
//	req.Header.Set("Accept-Encoding", compress.AcceptEncoding)
//	resp, err := client.Do(req)
//	...
//	if err := compress.DecompressResponse(resp); err != nil {
//	    // handle error
//	}
//
// A decoded response loses its Content-Length, so callers that need the
// size must take it from elsewhere (for blobs, the referencing manifest).
//
// Preference order when quality values are equal: zstd > gzip > deflate.
package compress
