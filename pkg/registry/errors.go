// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"
)

// Error codes defined by OCI Distribution Specification
const (
	// ErrCodeBlobUnknown indicates blob is unknown to the registry
	ErrCodeBlobUnknown = "BLOB_UNKNOWN"
	// ErrCodeBlobUploadInvalid indicates blob upload is invalid
	ErrCodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	// ErrCodeBlobUploadUnknown indicates blob upload session is unknown
	ErrCodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	// ErrCodeDigestInvalid indicates provided digest did not match uploaded content
	ErrCodeDigestInvalid = "DIGEST_INVALID"
	// ErrCodeManifestBlobUnknown indicates blob unknown to registry
	ErrCodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	// ErrCodeManifestInvalid indicates manifest is invalid
	ErrCodeManifestInvalid = "MANIFEST_INVALID"
	// ErrCodeManifestUnknown indicates manifest is unknown
	ErrCodeManifestUnknown = "MANIFEST_UNKNOWN"
	// ErrCodeNameInvalid indicates invalid repository name
	ErrCodeNameInvalid = "NAME_INVALID"
	// ErrCodeNameUnknown indicates repository name not known
	ErrCodeNameUnknown = "NAME_UNKNOWN"
	// ErrCodeUnauthorized indicates authentication required
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeDenied indicates requested access denied
	ErrCodeDenied = "DENIED"
	// ErrCodeUnsupported indicates operation is unsupported
	ErrCodeUnsupported = "UNSUPPORTED"
)

// ErrorDescriptor represents an OCI registry error.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse represents the OCI-compliant error response format.
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

// Error implements the error interface.
func (e ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// StatusError is returned by Session.Do for any response outside 2xx.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	// Errors holds the decoded OCI error body, if the registry sent one.
	Errors []ErrorDescriptor
	// Body holds the raw (truncated) body when it was not an OCI error body.
	Body string
}

// newStatusError consumes and closes resp.Body.
func newStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.Redacted()
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body)

	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && len(er.Errors) > 0 {
		e.Errors = er.Errors
	} else {
		e.Body = strings.TrimSpace(string(data))
	}
	return e
}

func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.URL, e.Status)
	for _, d := range e.Errors {
		fmt.Fprintf(&b, "; %v", d)
	}
	if len(e.Errors) == 0 && e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

// Is maps the HTTP status onto the errdefs classes.
func (e *StatusError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == errdefs.ErrNotFound
	case http.StatusUnauthorized:
		return target == errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		return target == errdefs.ErrPermissionDenied
	case http.StatusConflict:
		return target == errdefs.ErrConflict
	case http.StatusTooManyRequests:
		return target == errdefs.ErrResourceExhausted
	case http.StatusBadRequest:
		return target == errdefs.ErrInvalidArgument
	}
	if e.StatusCode >= 500 {
		return target == errdefs.ErrUnavailable
	}
	return target == errdefs.ErrUnknown
}

// UnexpectedStatus reports a 2xx response whose exact code violates the
// protocol step that produced it, such as a blob mount answered with 202.
func UnexpectedStatus(resp *http.Response, want int) error {
	var where string
	if resp.Request != nil {
		where = fmt.Sprintf("%s %s: ", resp.Request.Method, resp.Request.URL.Redacted())
	}
	return fmt.Errorf("%w: %sgot status %d, want %d", errdefs.ErrFailedPrecondition, where, resp.StatusCode, want)
}
