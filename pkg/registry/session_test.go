// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/yeetrun/regcopy/pkg/registry"
	"github.com/yeetrun/regcopy/pkg/registry/registrytest"
	"golang.org/x/sync/errgroup"
)

func head(t *testing.T, s *registry.Session, path string) error {
	t.Helper()
	resp, err := s.Do(context.Background(), &registry.Request{Method: http.MethodHead, Path: path})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func TestSessionStatusError(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{})
	s := registry.NewSession(srv.URL, registry.Options{})

	_, err := s.Do(context.Background(), &registry.Request{
		Method: http.MethodGet,
		Path:   registry.ManifestPath("missing", "latest"),
	})
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var se *registry.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", se.StatusCode)
	}
	if len(se.Errors) != 1 || se.Errors[0].Code != registry.ErrCodeManifestUnknown {
		t.Errorf("Errors = %+v, want one %s", se.Errors, registry.ErrCodeManifestUnknown)
	}
	if errors.Is(err, errdefs.ErrUnavailable) {
		t.Errorf("404 classified as unavailable")
	}
}

func TestSessionBearerRetry(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))
	s := registry.NewSession(srv.URL, registry.Options{})

	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	if got := srv.TokenRequests(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}
	if got := srv.Count(http.MethodHead, dgst.String()); got != 2 {
		t.Fatalf("HEAD requests = %d, want 2", got)
	}

	// The token is kept for later requests.
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("second HEAD: %v", err)
	}
	if got := srv.TokenRequests(); got != 1 {
		t.Fatalf("token requests after second call = %d, want 1", got)
	}
}

func TestSessionTokensPerRepository(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	repos := []string{"a", "b", "c"}
	blobs := make(map[string]digest.Digest)
	for _, repo := range repos {
		blobs[repo] = srv.PutBlob(t, repo, []byte("blob in "+repo))
	}
	s := registry.NewSession(srv.URL, registry.Options{})

	var g errgroup.Group
	for range 8 {
		for _, repo := range repos {
			g.Go(func() error {
				return head(t, s, registry.BlobPath(repo, blobs[repo]))
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("HEAD: %v", err)
	}

	// Every repository now has a token, so no further exchange is needed.
	n := srv.TokenRequests()
	for _, repo := range repos {
		if err := head(t, s, registry.BlobPath(repo, blobs[repo])); err != nil {
			t.Fatalf("HEAD %s: %v", repo, err)
		}
	}
	if got := srv.TokenRequests(); got != n {
		t.Errorf("token requests = %d, want %d", got, n)
	}
}

func TestSessionMountToken(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	dgst := srv.PutBlob(t, "src", []byte("layer"))
	s := registry.NewSession(srv.URL, registry.Options{})

	// A token for dst alone does not cover the mount source.
	if err := head(t, s, registry.BlobPath("dst", dgst)); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("HEAD dst err = %v, want ErrNotFound", err)
	}
	resp, err := s.Do(context.Background(), &registry.Request{
		Method: http.MethodPost,
		Path:   registry.MountPath("dst", dgst, "src"),
	})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mount status = %d, want 201", resp.StatusCode)
	}
	if !srv.Storage.BlobExists("dst", dgst) {
		t.Error("blob not mounted into dst")
	}
}

func TestSessionLogsRegistry(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s := registry.NewSession(srv.URL, registry.Options{Logger: logger})

	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	entries := hook.AllEntries()
	if len(entries) == 0 {
		t.Fatal("no log entries")
	}
	for _, e := range entries {
		if got := e.Data["registry"]; got != s.Host() {
			t.Errorf("%q: registry = %v, want %s", e.Message, got, s.Host())
		}
	}
}

func TestSessionBearerRejectedTwice(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{
		Auth:         registrytest.AuthBearer,
		RejectTokens: true,
	})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))
	s := registry.NewSession(srv.URL, registry.Options{})

	err := head(t, s, registry.BlobPath("repo", dgst))
	if !errors.Is(err, errdefs.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if got := srv.Count(http.MethodHead, dgst.String()); got != 2 {
		t.Fatalf("HEAD requests = %d, want 2", got)
	}
	if got := srv.TokenRequests(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}
}

func TestSessionBearerWithCredentials(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{
		Auth:     registrytest.AuthBearer,
		Username: "alice",
		Password: "hunter2",
	})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))

	s := registry.NewSession(srv.URL, registry.Options{Username: "alice", Password: "hunter2"})
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}

	bad := registry.NewSession(srv.URL, registry.Options{Username: "alice", Password: "wrong"})
	if err := head(t, bad, registry.BlobPath("repo", dgst)); !errors.Is(err, errdefs.ErrUnauthenticated) {
		t.Fatalf("bad credentials err = %v, want ErrUnauthenticated", err)
	}
}

func TestSessionBasic(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{
		Auth:     registrytest.AuthBasic,
		Username: "bob",
		Password: "secret",
	})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))

	s := registry.NewSession(srv.URL, registry.Options{Username: "bob", Password: "secret"})
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}

	anon := registry.NewSession(srv.URL, registry.Options{})
	err := head(t, anon, registry.BlobPath("repo", dgst))
	if !errors.Is(err, registry.ErrNoBearerChallenge) {
		t.Fatalf("err = %v, want ErrNoBearerChallenge", err)
	}
	if !errors.Is(err, errdefs.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if got := srv.TokenRequests(); got != 0 {
		t.Fatalf("token requests = %d, want 0", got)
	}
}

func TestSessionRetryResendsBody(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	s := registry.NewSession(srv.URL, registry.Options{})
	ctx := context.Background()

	resp, err := s.Do(ctx, &registry.Request{Method: http.MethodPost, Path: registry.UploadPath("repo")})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")

	// Drop the token so the PUT is challenged and resent.
	s2 := registry.NewSession(srv.URL, registry.Options{})
	data := []byte("some blob content")
	dgst := digest.FromBytes(data)
	resp, err = s2.Do(ctx, &registry.Request{
		Method:        http.MethodPut,
		Path:          loc + "&digest=" + dgst.String(),
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          bytes.NewReader(data),
		ContentLength: int64(len(data)),
	})
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT status = %d, want 201", resp.StatusCode)
	}
	if !srv.Storage.BlobExists("repo", dgst) {
		t.Fatalf("blob missing after resent upload")
	}
}

func TestSessionHTTPFallback(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))

	s := registry.NewSession(srv.Host(), registry.Options{Insecure: true})
	if got, want := s.BaseURL(), "https://"+srv.Host(); got != want {
		t.Fatalf("BaseURL before = %q, want %q", got, want)
	}
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	if got, want := s.BaseURL(), "http://"+srv.Host(); got != want {
		t.Fatalf("BaseURL after = %q, want %q", got, want)
	}
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("second HEAD: %v", err)
	}
}

func TestSessionNoFallbackWhenSecure(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{})
	dgst := srv.PutBlob(t, "repo", []byte("blob"))

	s := registry.NewSession(srv.Host(), registry.Options{})
	if err := head(t, s, registry.BlobPath("repo", dgst)); err == nil {
		t.Fatal("HEAD over https to a plain http server succeeded")
	}
	if got := s.BaseURL(); !strings.HasPrefix(got, "https://") {
		t.Fatalf("BaseURL = %q, want https", got)
	}
}

func TestSessionHTTPSClearsFallback(t *testing.T) {
	storage, err := registrytest.NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dgst, err := storage.PutBlob("repo", []byte("blob"))
	if err != nil {
		t.Fatal(err)
	}
	tlsSrv := httptest.NewTLSServer(registrytest.NewHandler(storage))
	defer tlsSrv.Close()
	host := strings.TrimPrefix(tlsSrv.URL, "https://")

	s := registry.NewSession(host, registry.Options{
		Insecure:  true,
		Transport: tlsSrv.Client().Transport,
	})
	if err := head(t, s, registry.BlobPath("repo", dgst)); err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	tlsSrv.Close()

	// Fallback was decided by the first request; a later failure keeps https.
	if err := head(t, s, registry.BlobPath("repo", dgst)); err == nil {
		t.Fatal("HEAD after close succeeded")
	}
	if got, want := s.BaseURL(), "https://"+host; got != want {
		t.Fatalf("BaseURL = %q, want %q", got, want)
	}
}

func TestStatusErrorRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream exploded\n")
	}))
	defer srv.Close()

	s := registry.NewSession(srv.URL, registry.Options{})
	err := head(t, s, "/v2/")
	if !errors.Is(err, errdefs.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	var se *registry.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	// HEAD responses carry no body.
	if se.Body != "" {
		t.Errorf("Body = %q, want empty for HEAD", se.Body)
	}

	_, err = s.Do(context.Background(), &registry.Request{Method: http.MethodGet, Path: "/v2/"})
	if !errors.As(err, &se) || se.Body != "upstream exploded" {
		t.Fatalf("GET err = %v, want raw body", err)
	}
}

func TestHostname(t *testing.T) {
	tests := map[string]string{
		"quay.io":                 "quay.io",
		"https://quay.io":         "quay.io",
		"http://localhost:5000":   "localhost:5000",
		"localhost:5000/foo/bar":  "localhost:5000",
		"https://quay.io/v2/repo": "quay.io",
	}
	for in, want := range tests {
		if got := registry.Hostname(in); got != want {
			t.Errorf("Hostname(%q) = %q, want %q", in, got, want)
		}
	}
}
