// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/compress"
	"github.com/yeetrun/regcopy/pkg/manifest"
	"github.com/yeetrun/regcopy/pkg/registry"
)

// maxManifestSize bounds manifest bodies, matching common registry limits.
const maxManifestSize = 4 << 20

// Registry is a tagged repository on a registry.
type Registry struct {
	session  *registry.Session
	repo     string
	tag      string
	log      logrus.FieldLogger
	progress Progress
}

var _ Endpoint = (*Registry)(nil)

// NewRegistry returns the endpoint for repo:tag on the session's registry.
func NewRegistry(session *registry.Session, repo, tag string, opts ...Option) *Registry {
	o := newOptions(opts)
	return &Registry{
		session:  session,
		repo:     repo,
		tag:      tag,
		log:      o.log.WithFields(logrus.Fields{"registry": session.Host(), "repo": repo}),
		progress: o.progress,
	}
}

// Host returns the registry host.
func (r *Registry) Host() string { return r.session.Host() }

// Repository returns the repository name.
func (r *Registry) Repository() string { return r.repo }

// Tag returns the tag the top-level manifest is read from and written to.
func (r *Registry) Tag() string { return r.tag }

func (r *Registry) String() string {
	return fmt.Sprintf("docker:%s/%s:%s", r.session.Host(), r.repo, r.tag)
}

// Start is a no-op; a copy never creates a registry.
func (r *Registry) Start(ctx context.Context) error { return nil }

// Cleanup is a no-op; blobs already pushed stay.
func (r *Registry) Cleanup() error { return nil }

// GetManifest fetches a manifest by tag (dgst empty) or digest. The
// Docker-Content-Digest, Content-Type and Content-Length headers are
// required.
func (r *Registry) GetManifest(ctx context.Context, dgst digest.Digest, _ string) (*manifest.Info, error) {
	ref := r.tag
	if dgst != "" {
		ref = dgst.String()
	}
	r.log.WithField("ref", ref).Debug("fetching manifest")
	resp, err := r.session.Do(ctx, &registry.Request{
		Method: http.MethodGet,
		Path:   registry.ManifestPath(r.repo, ref),
		Header: http.Header{"Accept": {strings.Join(manifest.MediaTypes, ", ")}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting manifest %s: %w", ref, err)
	}
	defer resp.Body.Close()

	header := func(k string) (string, error) {
		v := resp.Header.Get(k)
		if v == "" {
			return "", fmt.Errorf("%w: manifest %s response has no %s header", errdefs.ErrFailedPrecondition, ref, k)
		}
		return v, nil
	}
	dh, err := header("Docker-Content-Digest")
	if err != nil {
		return nil, err
	}
	ct, err := header("Content-Type")
	if err != nil {
		return nil, err
	}
	cl, err := header("Content-Length")
	if err != nil {
		return nil, err
	}
	got, err := digest.Parse(dh)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: bad Docker-Content-Digest: %v", errdefs.ErrFailedPrecondition, ref, err)
	}
	size, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || size < 0 || size > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest %s: bad Content-Length %q", errdefs.ErrFailedPrecondition, ref, cl)
	}
	contents, err := io.ReadAll(io.LimitReader(resp.Body, size))
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", ref, err)
	}
	if int64(len(contents)) != size {
		return nil, fmt.Errorf("reading manifest %s: short body: %w", ref, io.ErrUnexpectedEOF)
	}
	return &manifest.Info{
		Contents:  contents,
		Digest:    got,
		MediaType: manifest.ContentType(ct),
		Size:      size,
	}, nil
}

// WriteManifest pushes info under the tag if toplevel, else under its own
// digest.
func (r *Registry) WriteManifest(ctx context.Context, info *manifest.Info, toplevel bool) error {
	ref := info.Digest.String()
	if toplevel {
		ref = r.tag
	}
	r.log.WithFields(logrus.Fields{"ref": ref, "digest": info.Digest}).Info("storing manifest")
	resp, err := r.session.Do(ctx, &registry.Request{
		Method:        http.MethodPut,
		Path:          registry.ManifestPath(r.repo, ref),
		Header:        http.Header{"Content-Type": {info.MediaType}},
		Body:          bytes.NewReader(info.Contents),
		ContentLength: int64(len(info.Contents)),
	})
	if err != nil {
		return fmt.Errorf("putting manifest %s: %w", ref, err)
	}
	drain(resp)
	return nil
}

// HasBlob reports whether the repository has the blob.
func (r *Registry) HasBlob(ctx context.Context, dgst digest.Digest) (bool, error) {
	return r.hasBlob(ctx, r.repo, dgst)
}

func (r *Registry) hasBlob(ctx context.Context, repo string, dgst digest.Digest) (bool, error) {
	resp, err := r.session.Do(ctx, &registry.Request{
		Method: http.MethodHead,
		Path:   registry.BlobPath(repo, dgst),
	})
	if errors.Is(err, errdefs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob %s in %s: %w", dgst, repo, err)
	}
	drain(resp)
	return true, nil
}

// DownloadBlob streams a blob into destPath, creating parent directories.
// The file appears at destPath only once complete.
func (r *Registry) DownloadBlob(ctx context.Context, dgst digest.Digest, size int64, destPath string) error {
	log := r.log.WithFields(logrus.Fields{"digest": dgst, "size": size, "path": destPath})
	log.Info("downloading blob")

	resp, err := r.session.Do(ctx, &registry.Request{
		Method: http.MethodGet,
		Path:   registry.BlobPath(r.repo, dgst),
		Header: http.Header{"Accept-Encoding": {compress.AcceptEncoding}},
	})
	if err != nil {
		return fmt.Errorf("downloading blob %s: %w", dgst, err)
	}
	defer resp.Body.Close()
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		log.WithField("encoding", enc).Debug("decoding blob response")
	}
	if err := compress.DecompressResponse(resp); err != nil {
		return fmt.Errorf("downloading blob %s: %w", dgst, err)
	}

	body := r.progress.Track(shortDigest(dgst), size, resp.Body)
	defer body.Close()
	return writeFileAtomic(destPath, func(w io.Writer) error {
		_, err := io.Copy(w, body)
		return err
	})
}

// UploadBlob pushes the file at srcPath as dgst with a monolithic upload:
// POST for an upload location, then PUT the content there.
func (r *Registry) UploadBlob(ctx context.Context, dgst digest.Digest, size int64, srcPath string) error {
	r.log.WithFields(logrus.Fields{"digest": dgst, "size": size, "path": srcPath}).Info("uploading blob")

	resp, err := r.session.Do(ctx, &registry.Request{
		Method: http.MethodPost,
		Path:   registry.UploadPath(r.repo),
	})
	if err != nil {
		return fmt.Errorf("starting upload of %s: %w", dgst, err)
	}
	drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return registry.UnexpectedStatus(resp, http.StatusAccepted)
	}
	loc, err := uploadLocation(resp.Header.Get("Location"), dgst)
	if err != nil {
		return fmt.Errorf("starting upload of %s: %w", dgst, err)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	body := &rewindTracker{f: f, track: func(src io.Reader) io.ReadCloser {
		return r.progress.Track(shortDigest(dgst), size, src)
	}}
	defer body.Close()

	resp, err = r.session.Do(ctx, &registry.Request{
		Method:        http.MethodPut,
		Path:          loc,
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          body,
		ContentLength: size,
	})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", dgst, err)
	}
	drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return registry.UnexpectedStatus(resp, http.StatusCreated)
	}
	return nil
}

// uploadLocation turns an upload Location header into a path on the same
// registry with the digest parameter appended to any existing query.
func uploadLocation(location string, dgst digest.Digest) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: upload response has no Location header", errdefs.ErrFailedPrecondition)
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: bad upload Location %q: %v", errdefs.ErrFailedPrecondition, location, err)
	}
	q := "digest=" + url.QueryEscape(dgst.String())
	if u.RawQuery != "" {
		q = u.RawQuery + "&" + q
	}
	return (&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: q}).String(), nil
}

// LinkBlob mounts dgst from srcRepo on the same registry. A blob srcRepo
// does not have is skipped: it is assumed to be a foreign layer the
// destination does not need.
func (r *Registry) LinkBlob(ctx context.Context, dgst digest.Digest, srcRepo string) error {
	log := r.log.WithFields(logrus.Fields{"digest": dgst, "from": srcRepo})
	log.Info("linking blob")

	ok, err := r.hasBlob(ctx, srcRepo, dgst)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("blob not present in source repository, skipping")
		return nil
	}

	resp, err := r.session.Do(ctx, &registry.Request{
		Method: http.MethodPost,
		Path:   registry.MountPath(r.repo, dgst, srcRepo),
	})
	if err != nil {
		return fmt.Errorf("mounting blob %s from %s: %w", dgst, srcRepo, err)
	}
	drain(resp)
	// 202 means the registry started an upload instead of mounting.
	if resp.StatusCode != http.StatusCreated {
		return registry.UnexpectedStatus(resp, http.StatusCreated)
	}
	return nil
}

// rewindTracker reports reads of f as a transfer. Seeking ends the current
// transfer, so a body resent after a 401 starts a fresh one instead of
// counting twice.
type rewindTracker struct {
	f       *os.File
	track   func(io.Reader) io.ReadCloser
	current io.ReadCloser
}

func (t *rewindTracker) Read(p []byte) (int, error) {
	if t.current == nil {
		t.current = t.track(t.f)
	}
	return t.current.Read(p)
}

func (t *rewindTracker) Seek(offset int64, whence int) (int64, error) {
	if err := t.Close(); err != nil {
		return 0, err
	}
	return t.f.Seek(offset, whence)
}

func (t *rewindTracker) Close() error {
	if t.current == nil {
		return nil
	}
	err := t.current.Close()
	t.current = nil
	return err
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func shortDigest(dgst digest.Digest) string {
	enc := dgst.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

// writeFileAtomic creates path with the content written by fill, through a
// temporary file in the same directory.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
