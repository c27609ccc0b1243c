// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registrytest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/regcopy/pkg/compress"
	"github.com/yeetrun/regcopy/pkg/registry"
)

// PathType represents the type of registry operation
type PathType int

const (
	PathTypeUnknown PathType = iota
	PathTypeManifest
	PathTypeBlob
	PathTypeBlobUploadInit
	PathTypeBlobUpload
)

func (pt PathType) String() string {
	switch pt {
	case PathTypeManifest:
		return "manifest"
	case PathTypeBlob:
		return "blob"
	case PathTypeBlobUploadInit:
		return "blob_upload_init"
	case PathTypeBlobUpload:
		return "blob_upload"
	default:
		return "unknown"
	}
}

// RegistryPath holds the parsed components of a registry path
type RegistryPath struct {
	Type      PathType
	Repo      string
	Reference string // For manifests: tag or digest; for blobs: digest; for uploads: uuid
}

// ParseRegistryPath parses a Distribution API path below /v2/.
func ParseRegistryPath(path string) (*RegistryPath, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v2" {
		return nil, fmt.Errorf("path must be /v2/<repo>/<operation>")
	}

	// Repo can have slashes; it ends at the first operation keyword.
	opIdx := -1
	for i := 2; i < len(parts); i++ {
		if parts[i] == "manifests" || parts[i] == "blobs" {
			opIdx = i
			break
		}
	}
	if opIdx < 0 {
		return nil, fmt.Errorf("no valid operation found (manifests/blobs)")
	}

	result := &RegistryPath{Repo: strings.Join(parts[1:opIdx], "/")}
	rest := parts[opIdx+1:]
	switch parts[opIdx] {
	case "manifests":
		if len(rest) != 1 || rest[0] == "" {
			return nil, fmt.Errorf("manifests path missing reference")
		}
		result.Type = PathTypeManifest
		result.Reference = rest[0]
	case "blobs":
		switch {
		case len(rest) == 1 && rest[0] == "uploads":
			result.Type = PathTypeBlobUploadInit
		case len(rest) == 2 && rest[0] == "uploads":
			result.Type = PathTypeBlobUpload
			result.Reference = rest[1]
		case len(rest) == 1 && rest[0] != "":
			result.Type = PathTypeBlob
			result.Reference = rest[0]
		default:
			return nil, fmt.Errorf("blobs path missing subpath")
		}
	}
	return result, nil
}

// WriteError writes an OCI-compliant error response.
func WriteError(w http.ResponseWriter, status int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(registry.ErrorResponse{
		Errors: []registry.ErrorDescriptor{{Code: code, Message: message, Detail: detail}},
	})
}

// Handler implements the subset of the OCI Distribution Specification a
// copier needs: manifests, blobs, monolithic uploads and cross-repository
// mounts.
type Handler struct {
	storage *Storage
	mux     *http.ServeMux
}

// NewHandler returns a Handler serving storage.
func NewHandler(storage *Storage) *Handler {
	h := &Handler{
		storage: storage,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("/v2/", h.route)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

func (h *Handler) route(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/v2/" {
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.WriteHeader(http.StatusOK)
		return
	}
	p, err := ParseRegistryPath(req.URL.Path)
	if err != nil {
		WriteError(w, http.StatusNotFound, registry.ErrCodeNameUnknown, err.Error(), nil)
		return
	}
	switch p.Type {
	case PathTypeManifest:
		h.handleManifest(w, req, p.Repo, p.Reference)
	case PathTypeBlob:
		h.handleBlob(w, req, p.Repo, p.Reference)
	case PathTypeBlobUploadInit:
		h.handleBlobUploadInitiate(w, req, p.Repo)
	case PathTypeBlobUpload:
		h.handleBlobUpload(w, req, p.Repo, p.Reference)
	default:
		http.NotFound(w, req)
	}
}

func (h *Handler) handleManifest(w http.ResponseWriter, req *http.Request, repo, reference string) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		h.handleManifestGet(w, req, repo, reference)
	case http.MethodPut:
		h.handleManifestPut(w, req, repo, reference)
	default:
		WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}

// handleManifestGet never compresses, so Content-Length is the manifest size.
func (h *Handler) handleManifestGet(w http.ResponseWriter, req *http.Request, repo, reference string) {
	mf, err := h.storage.GetManifest(repo, reference)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			WriteError(w, http.StatusNotFound, registry.ErrCodeManifestUnknown, "manifest not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, registry.ErrCodeManifestInvalid, err.Error(), nil)
		return
	}
	if !accepts(req.Header.Values("Accept"), mf.MediaType) {
		WriteError(w, http.StatusNotFound, registry.ErrCodeManifestUnknown,
			fmt.Sprintf("manifest media type %s not accepted", mf.MediaType), nil)
		return
	}

	w.Header().Set("Content-Type", mf.MediaType)
	w.Header().Set("Docker-Content-Digest", mf.Digest.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(mf.Data)))
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		w.Write(mf.Data)
	}
}

// accepts reports whether an Accept header list admits mediaType. No Accept
// header admits everything.
func accepts(accept []string, mediaType string) bool {
	if len(accept) == 0 {
		return true
	}
	for _, v := range accept {
		for t := range strings.SplitSeq(v, ",") {
			t, _, _ = strings.Cut(t, ";")
			t = strings.TrimSpace(t)
			if t == mediaType || t == "*/*" {
				return true
			}
		}
	}
	return false
}

func (h *Handler) handleManifestPut(w http.ResponseWriter, req *http.Request, repo, reference string) {
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid,
			"failed to decompress request body", nil)
		return
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid, "failed to read manifest", nil)
		return
	}

	mediaType := req.Header.Get("Content-Type")
	if mediaType == "" {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid, "Content-Type required", nil)
		return
	}

	var manifest struct {
		MediaType string `json:"mediaType"`
		Config    *struct {
			Digest digest.Digest `json:"digest"`
		} `json:"config"`
		Layers []struct {
			Digest digest.Digest `json:"digest"`
		} `json:"layers"`
		Manifests []struct {
			Digest digest.Digest `json:"digest"`
		} `json:"manifests"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid, "invalid JSON", nil)
		return
	}
	if manifest.MediaType != "" && manifest.MediaType != mediaType {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid,
			"manifest mediaType does not match Content-Type header", nil)
		return
	}
	if d, err := digest.Parse(reference); err == nil && d != digest.FromBytes(data) {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, "manifest digest mismatch", nil)
		return
	}

	// Everything a manifest references must already be in the repository.
	var missing []digest.Digest
	if manifest.Config != nil && !h.storage.BlobExists(repo, manifest.Config.Digest) {
		missing = append(missing, manifest.Config.Digest)
	}
	for _, l := range manifest.Layers {
		if !h.storage.BlobExists(repo, l.Digest) {
			missing = append(missing, l.Digest)
		}
	}
	for _, m := range manifest.Manifests {
		if _, err := h.storage.GetManifest(repo, m.Digest.String()); err != nil {
			missing = append(missing, m.Digest)
		}
	}
	if len(missing) > 0 {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestBlobUnknown, "manifest references unknown content", missing)
		return
	}

	dgst, err := h.storage.PutManifest(repo, reference, data, mediaType)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, registry.ErrCodeManifestInvalid, err.Error(), nil)
		return
	}
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Location", registry.ManifestPath(repo, dgst.String()))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleBlob(w http.ResponseWriter, req *http.Request, repo, ref string) {
	dgst, err := digest.Parse(ref)
	if err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, err.Error(), nil)
		return
	}
	switch req.Method {
	case http.MethodGet:
		h.handleBlobGet(w, req, repo, dgst)
	case http.MethodHead:
		h.handleBlobHead(w, req, repo, dgst)
	default:
		WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}

func (h *Handler) handleBlobGet(w http.ResponseWriter, req *http.Request, repo string, dgst digest.Digest) {
	f, err := h.storage.OpenBlob(repo, dgst)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUnknown, "blob not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, registry.ErrCodeBlobUnknown, err.Error(), nil)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())

	if encoding := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); encoding != "" {
		cw, err := compress.NewResponseWriter(w, encoding)
		if err == nil {
			defer cw.Close()
			cw.WriteHeader(http.StatusOK)
			io.Copy(cw, f)
			return
		}
	}
	if st, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func (h *Handler) handleBlobHead(w http.ResponseWriter, req *http.Request, repo string, dgst digest.Digest) {
	size, err := h.storage.BlobSize(repo, dgst)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

// handleBlobUploadInitiate starts an upload, or mounts a blob when the
// mount and from parameters name one the source repository has.
func (h *Handler) handleBlobUploadInitiate(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
		return
	}

	q := req.URL.Query()
	if mount, from := q.Get("mount"), q.Get("from"); mount != "" && from != "" {
		if dgst, err := digest.Parse(mount); err == nil {
			if err := h.storage.Mount(repo, from, dgst); err == nil {
				w.Header().Set("Location", registry.BlobPath(repo, dgst))
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		// Fall through to a new upload session, as the protocol requires.
	}

	session, err := h.storage.NewUpload(repo)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, registry.ErrCodeBlobUploadInvalid, err.Error(), nil)
		return
	}
	// The extra query parameter checks that clients keep it when appending
	// the digest.
	w.Header().Set("Location", fmt.Sprintf("%s%s?_state=%s", registry.UploadPath(repo), session.UUID, session.UUID))
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", session.UUID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleBlobUpload(w http.ResponseWriter, req *http.Request, repo, id string) {
	switch req.Method {
	case http.MethodPatch:
		h.handleBlobUploadChunk(w, req, repo, id)
	case http.MethodPut:
		h.handleBlobUploadComplete(w, req, repo, id)
	case http.MethodDelete:
		if err := h.storage.AbortUpload(id); err != nil {
			WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}

func (h *Handler) handleBlobUploadChunk(w http.ResponseWriter, req *http.Request, repo, id string) {
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeBlobUploadInvalid,
			"failed to decompress request body", nil)
		return
	}
	session, err := h.storage.CopyChunk(id, req.Body)
	if err != nil {
		WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, err.Error(), nil)
		return
	}
	w.Header().Set("Location", registry.UploadPath(repo)+id)
	w.Header().Set("Range", fmt.Sprintf("0-%d", session.Written-1))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleBlobUploadComplete(w http.ResponseWriter, req *http.Request, repo, id string) {
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeBlobUploadInvalid,
			"failed to decompress request body", nil)
		return
	}
	expected, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, "digest parameter required", nil)
		return
	}
	if q := req.URL.Query().Get("_state"); q != id {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeBlobUploadInvalid, "upload state lost", nil)
		return
	}
	if _, err := h.storage.CopyChunk(id, req.Body); err != nil {
		WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, err.Error(), nil)
		return
	}
	dgst, err := h.storage.CompleteUpload(id, expected)
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, err.Error(), nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, registry.ErrCodeBlobUploadInvalid, err.Error(), nil)
		return
	}
	w.Header().Set("Location", registry.BlobPath(repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}
