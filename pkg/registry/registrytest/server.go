// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registrytest runs an in-process OCI registry for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/regcopy/pkg/registry"
)

// Auth selects how the server authenticates requests.
type Auth int

const (
	// AuthNone accepts every request.
	AuthNone Auth = iota
	// AuthBasic requires the configured Basic credentials.
	AuthBasic
	// AuthBearer answers unauthenticated requests with a Bearer challenge
	// pointing at the server's own /token endpoint.
	AuthBearer
)

// Options configures a Server.
type Options struct {
	Auth     Auth
	Username string
	Password string
	// Service is the service named in Bearer challenges.
	Service string
	// RejectTokens makes the registry refuse every token it issued, so a
	// retried request fails again.
	RejectTokens bool
}

// Request is one logged request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

func (r Request) String() string {
	return r.Method + " " + r.Path
}

// Server is a running test registry.
type Server struct {
	*httptest.Server
	Storage *Storage

	opts          Options
	handler       http.Handler
	tokenRequests atomic.Int32

	mu       sync.Mutex
	tokens   map[string]map[string]bool // token -> repositories it grants
	requests []Request
}

// NewServer starts a registry backed by a temporary directory. It is closed
// when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if opts.Service == "" {
		opts.Service = "registrytest"
	}
	s := &Server{
		Storage: storage,
		opts:    opts,
		handler: NewHandler(storage),
		tokens:  make(map[string]map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.serveToken)
	mux.HandleFunc("/v2/", s.serveRegistry)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Host returns host:port of the server.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// TokenRequests returns how many token exchanges were served.
func (s *Server) TokenRequests() int {
	return int(s.tokenRequests.Load())
}

// Requests returns the registry requests served so far, token exchanges
// excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Count returns how many logged requests used method on a path with the
// given suffix.
func (s *Server) Count(method, pathSuffix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, pathSuffix) {
			n++
		}
	}
	return n
}

func (s *Server) serveRegistry(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()})
	s.mu.Unlock()

	if !s.authorized(r) {
		s.challenge(w, r)
		return
	}
	s.handler.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	switch s.opts.Auth {
	case AuthBasic:
		u, p, ok := r.BasicAuth()
		return ok && u == s.opts.Username && p == s.opts.Password
	case AuthBearer:
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.opts.RejectTokens {
			return false
		}
		s.mu.Lock()
		repos, ok := s.tokens[tok]
		s.mu.Unlock()
		if !ok {
			return false
		}
		for _, repo := range requestRepos(r) {
			if !repos[repo] {
				return false
			}
		}
	}
	return true
}

// requestRepos returns the repositories r touches: its own and, for a
// cross-repository mount, the source.
func requestRepos(r *http.Request) []string {
	p, err := ParseRegistryPath(r.URL.Path)
	if err != nil {
		return nil
	}
	repos := []string{p.Repo}
	if from := r.URL.Query().Get("from"); from != "" && r.URL.Query().Get("mount") != "" {
		repos = append(repos, from)
	}
	return repos
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	switch s.opts.Auth {
	case AuthBasic:
		w.Header().Set("WWW-Authenticate", `Basic realm="registrytest"`)
	case AuthBearer:
		scope := "registry:catalog:*"
		if repos := requestRepos(r); len(repos) > 0 {
			scopes := []string{fmt.Sprintf("repository:%s:pull,push", repos[0])}
			for _, from := range repos[1:] {
				scopes = append(scopes, fmt.Sprintf("repository:%s:pull", from))
			}
			scope = strings.Join(scopes, " ")
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="%s",scope="%s"`,
			s.URL, s.opts.Service, scope))
	}
	WriteError(w, http.StatusUnauthorized, registry.ErrCodeUnauthorized, "authentication required", nil)
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)
	if s.opts.Username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != s.opts.Username || p != s.opts.Password {
			WriteError(w, http.StatusUnauthorized, registry.ErrCodeUnauthorized, "bad credentials", nil)
			return
		}
	}
	if svc := r.URL.Query().Get("service"); svc != s.opts.Service {
		WriteError(w, http.StatusBadRequest, registry.ErrCodeUnsupported, "unknown service "+svc, nil)
		return
	}
	// A token grants only the repositories named in its scopes.
	repos := make(map[string]bool)
	for _, param := range r.URL.Query()["scope"] {
		for _, scope := range strings.Fields(param) {
			if name, ok := strings.CutPrefix(scope, "repository:"); ok {
				if i := strings.LastIndex(name, ":"); i >= 0 {
					repos[name[:i]] = true
				}
			}
		}
	}
	tok := uuid.New().String()
	s.mu.Lock()
	s.tokens[tok] = repos
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"token": tok, "expires_in": 300})
}

// PutBlob stores data in repo and returns its digest.
func (s *Server) PutBlob(t testing.TB, repo string, data []byte) digest.Digest {
	t.Helper()
	dgst, err := s.Storage.PutBlob(repo, data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	return dgst
}

// PutManifest stores a manifest under reference in repo.
func (s *Server) PutManifest(t testing.TB, repo, reference, mediaType string, data []byte) digest.Digest {
	t.Helper()
	dgst, err := s.Storage.PutManifest(repo, reference, data, mediaType)
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	return dgst
}
