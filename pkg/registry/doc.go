// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry is the client side of the OCI Distribution Specification
// as needed to copy images between registries.
//
// A Session is bound to one registry host. It attaches credentials to every
// request and hides the two negotiations a registry may force on a client:
//
//   - Authentication. A request answered with 401 Unauthorized and a Bearer
//     challenge triggers one token exchange against the challenge realm,
//     after which the original request is retried exactly once.
//   - Scheme. For insecure hosts given without a scheme, the first request is
//     tried over HTTPS; a TLS or connection failure switches the session to
//     plain HTTP for good.
//
// Every non-2xx response is returned as a *StatusError which carries the
// decoded OCI error body and answers errors.Is for the matching
// github.com/containerd/errdefs class, so callers can tell an expected
// absence (errdefs.ErrNotFound) from a real failure.
//
// Spec: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package registry
