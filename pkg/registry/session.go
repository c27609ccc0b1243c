// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/containerd/containerd/remotes/docker/auth"
	"github.com/sirupsen/logrus"
)

// ErrNoBearerChallenge is joined to the 401 StatusError when the registry
// rejected a request without offering a Bearer challenge to answer.
var ErrNoBearerChallenge = errors.New("no bearer challenge in WWW-Authenticate")

// Options configures a Session.
type Options struct {
	// Insecure disables TLS verification. For a host given without a scheme
	// it also allows falling back to plain HTTP.
	Insecure bool
	// Username and Password are sent as Basic credentials and used for the
	// token exchange. Both empty means anonymous.
	Username string
	Password string
	// Transport overrides the HTTP transport. Mostly for tests.
	Transport http.RoundTripper
	Logger    logrus.FieldLogger
}

// Request is one call against the registry.
type Request struct {
	Method string
	// Path is relative to the registry base URL and may carry a query. An
	// absolute http(s) URL is used as is.
	Path   string
	Header http.Header
	// Body is rewound before a retry. The Session never closes it.
	Body          io.ReadSeeker
	ContentLength int64
}

// Session is an authenticated HTTP client bound to one registry host. It is
// safe for concurrent use.
type Session struct {
	host     string
	username string
	password string
	client   *http.Client
	log      logrus.FieldLogger

	basic string // Basic Authorization value, if credentials were given

	mu       sync.Mutex
	base     string            // scheme://host
	fallback bool              // next request may switch base to http
	tokens   map[string]string // challenge scope -> Bearer Authorization value
	routes   map[string]string // route (see routeKey) -> challenge scope
}

// NewSession returns a Session for registry, which is a host[:port] with an
// optional http:// or https:// prefix.
func NewSession(registry string, opts Options) *Session {
	host := Hostname(registry)
	s := &Session{
		host:     host,
		username: opts.Username,
		password: opts.Password,
		log:      opts.Logger,
		tokens:   make(map[string]string),
		routes:   make(map[string]string),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("registry", host)

	switch {
	case strings.HasPrefix(registry, "http://"):
		s.base = "http://" + host
	case hasScheme(registry):
		s.base = "https://" + host
	default:
		s.base = "https://" + host
		s.fallback = opts.Insecure
	}

	if opts.Username != "" || opts.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		s.basic = "Basic " + cred
	}

	rt := opts.Transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// Blob downloads negotiate their own encoding.
		tr.DisableCompression = true
		if opts.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		rt = tr
	}
	s.client = &http.Client{Transport: rt}
	return s
}

// Host returns the registry host without scheme.
func (s *Session) Host() string {
	return s.host
}

// BaseURL returns the scheme and host requests are currently sent to.
func (s *Session) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Do sends r and returns the response when its status is 2xx. A 401 with a
// Bearer challenge is answered with one token exchange and one retry. Any
// other non-2xx status is returned as a *StatusError.
//
// Registries scope tokens to repositories, so tokens are kept per challenge
// scope and each request carries the one last issued for its route.
func (s *Session) Do(ctx context.Context, r *Request) (*http.Response, error) {
	route := routeKey(r.Path)
	s.mu.Lock()
	authz := s.authorizationLocked(route)
	s.mu.Unlock()

	resp, err := s.send(ctx, r, authz)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		unauthorized := newStatusError(resp)
		authz, err = s.authorize(ctx, resp.Header, route, authz)
		if err != nil {
			return nil, errors.Join(unauthorized, err)
		}
		resp, err = s.send(ctx, r, authz)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (s *Session) authorizationLocked(route string) string {
	if scope, ok := s.routes[route]; ok {
		if tok, ok := s.tokens[scope]; ok {
			return tok
		}
	}
	return s.basic
}

// send issues r once with authz, applying the pending scheme fallback if any.
func (s *Session) send(ctx context.Context, r *Request, authz string) (*http.Response, error) {
	s.mu.Lock()
	if !s.fallback {
		base := s.base
		s.mu.Unlock()
		return s.roundTrip(ctx, base, authz, r)
	}

	// The fallback is decided by the first request only, so the lock is held
	// across it and concurrent callers wait for the outcome.
	s.fallback = false
	base := s.base
	resp, err := s.roundTrip(ctx, base, authz, r)
	if err == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return resp, err
	}
	s.log.WithError(err).Debug("https failed, falling back to http")
	s.base = "http://" + s.host
	base = s.base
	s.mu.Unlock()
	return s.roundTrip(ctx, base, authz, r)
}

func (s *Session) roundTrip(ctx context.Context, base, authz string, r *Request) (*http.Response, error) {
	u := r.Path
	if !hasScheme(u) {
		u = base + u
	}
	var body io.Reader
	if r.Body != nil {
		if _, err := r.Body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		body = io.NopCloser(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if r.Body != nil {
		req.ContentLength = r.ContentLength
		if r.ContentLength == 0 {
			req.Body = http.NoBody
		}
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	s.log.WithFields(logrus.Fields{"method": r.Method, "url": u}).Trace("request")
	return s.client.Do(req)
}

// authorize answers a Bearer challenge from hdr for requests on route and
// returns the Authorization value to retry with. A token another request
// already obtained for the same scope is reused unless it is the one that
// just failed (used).
func (s *Session) authorize(ctx context.Context, hdr http.Header, route, used string) (string, error) {
	for _, c := range auth.ParseAuthHeader(hdr) {
		if c.Scheme != auth.BearerAuth {
			continue
		}
		scope := c.Parameters["scope"]

		s.mu.Lock()
		s.routes[route] = scope
		tok, ok := s.tokens[scope]
		s.mu.Unlock()
		if ok && tok != used {
			return tok, nil
		}

		to, err := auth.GenerateTokenOptions(ctx, s.host, s.username, s.password, c)
		if err != nil {
			return "", err
		}
		s.log.WithFields(logrus.Fields{
			"realm":   to.Realm,
			"service": to.Service,
			"scope":   strings.Join(to.Scopes, " "),
		}).Debug("fetching bearer token")
		tr, err := auth.FetchToken(ctx, s.client, nil, to)
		if err != nil {
			return "", fmt.Errorf("fetching token from %s: %w", to.Realm, err)
		}
		tok = "Bearer " + tr.Token
		s.mu.Lock()
		s.tokens[scope] = tok
		s.mu.Unlock()
		return tok, nil
	}
	return "", ErrNoBearerChallenge
}

// routeKey names the repositories a request touches: the repository in its
// /v2/ path plus the mount source, if any. Requests with the same key get
// the same challenge scope.
func routeKey(path string) string {
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	repo := strings.TrimPrefix(u.Path, "/v2/")
	for _, sep := range []string{"/blobs/", "/manifests/", "/tags/"} {
		if i := strings.Index(repo, sep); i >= 0 {
			repo = repo[:i]
			break
		}
	}
	if from := u.Query().Get("from"); from != "" {
		repo += " from=" + from
	}
	return repo
}
