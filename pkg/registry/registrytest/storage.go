// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registrytest

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"tailscale.com/syncs"
)

var (
	// ErrBlobNotFound indicates the blob is not linked into the repository.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrManifestNotFound indicates the manifest was not found.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrUploadNotFound indicates an unknown upload session.
	ErrUploadNotFound = errors.New("upload not found")
	// ErrDigestMismatch indicates the digest does not match the content.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// Manifest is a stored manifest.
type Manifest struct {
	MediaType string
	Digest    digest.Digest
	Data      []byte
}

// UploadSession represents an ongoing blob upload.
type UploadSession struct {
	UUID    string
	Written int64
}

// Storage is content-addressable storage on the filesystem. Blob content is
// shared by all repositories; a blob is visible in a repository only once it
// was uploaded to or mounted into it.
type Storage struct {
	rootDir string
	uploads syncs.Map[string, *fileUpload]
}

type fileUpload struct {
	mu       sync.Mutex
	uuid     string
	repo     string
	digester digest.Digester
	hash     hash.Hash
	file     *os.File
	written  int64
}

func (f *fileUpload) session() *UploadSession {
	return &UploadSession{
		UUID:    f.uuid,
		Written: f.written,
	}
}

// NewStorage creates filesystem storage rooted at rootDir.
func NewStorage(rootDir string) (*Storage, error) {
	for _, d := range []string{"blobs", "repositories", "uploads"} {
		if err := os.MkdirAll(filepath.Join(rootDir, d), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", d, err)
		}
	}
	return &Storage{rootDir: rootDir}, nil
}

func (s *Storage) blobPath(dgst digest.Digest) string {
	// blobs/sha256/ab/cd/abcd...
	hex := dgst.Encoded()
	return filepath.Join(s.rootDir, "blobs", dgst.Algorithm().String(), hex[0:2], hex[2:4], hex)
}

func (s *Storage) linkPath(repo string, dgst digest.Digest) string {
	return filepath.Join(s.rootDir, "repositories", repo, "_layers", dgst.Algorithm().String(), dgst.Encoded())
}

func (s *Storage) manifestPath(repo, reference string) string {
	return filepath.Join(s.rootDir, "repositories", repo, "_manifests", reference)
}

func (s *Storage) uploadPath(id string) string {
	return filepath.Join(s.rootDir, "uploads", id)
}

// OpenBlob opens a blob linked into repo.
func (s *Storage) OpenBlob(repo string, dgst digest.Digest) (*os.File, error) {
	if !s.BlobExists(repo, dgst) {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// BlobExists reports whether dgst is linked into repo.
func (s *Storage) BlobExists(repo string, dgst digest.Digest) bool {
	if dgst.Validate() != nil {
		return false
	}
	_, err := os.Stat(s.linkPath(repo, dgst))
	return err == nil
}

// BlobSize returns the size of a blob linked into repo.
func (s *Storage) BlobSize(repo string, dgst digest.Digest) (int64, error) {
	if !s.BlobExists(repo, dgst) {
		return 0, ErrBlobNotFound
	}
	st, err := os.Stat(s.blobPath(dgst))
	if err != nil {
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return st.Size(), nil
}

// Mount links an existing blob from one repository into another.
func (s *Storage) Mount(repo, from string, dgst digest.Digest) error {
	if !s.BlobExists(from, dgst) {
		return ErrBlobNotFound
	}
	return s.link(repo, dgst)
}

func (s *Storage) link(repo string, dgst digest.Digest) error {
	p := s.linkPath(repo, dgst)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create link directory: %w", err)
	}
	return os.WriteFile(p, []byte(dgst), 0644)
}

// PutBlob stores data and links it into repo.
func (s *Storage) PutBlob(repo string, data []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(data)
	bp := s.blobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(bp), 0755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(bp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return dgst, s.link(repo, dgst)
}

// GetManifest retrieves a manifest by tag or digest.
func (s *Storage) GetManifest(repo, reference string) (*Manifest, error) {
	path := s.manifestPath(repo, reference)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	mediaType, err := os.ReadFile(path + ".mediatype")
	if err != nil {
		return nil, fmt.Errorf("read media type: %w", err)
	}
	return &Manifest{
		MediaType: string(mediaType),
		Digest:    digest.FromBytes(data),
		Data:      data,
	}, nil
}

// PutManifest stores a manifest under reference and under its digest.
func (s *Storage) PutManifest(repo, reference string, data []byte, mediaType string) (digest.Digest, error) {
	if mediaType == "" {
		return "", fmt.Errorf("media type is empty")
	}
	dgst := digest.FromBytes(data)
	refs := []string{reference}
	if reference != dgst.String() {
		refs = append(refs, dgst.String())
	}
	for _, ref := range refs {
		path := s.manifestPath(repo, ref)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("create manifest directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("write manifest: %w", err)
		}
		if err := os.WriteFile(path+".mediatype", []byte(mediaType), 0644); err != nil {
			return "", fmt.Errorf("write media type: %w", err)
		}
	}
	return dgst, nil
}

// NewUpload creates a new upload session for repo.
func (s *Storage) NewUpload(repo string) (*UploadSession, error) {
	d := digest.Canonical.Digester()
	fu := &fileUpload{
		uuid:     uuid.New().String(),
		repo:     repo,
		digester: d,
		hash:     d.Hash(),
	}
	f, err := os.Create(s.uploadPath(fu.uuid))
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	fu.file = f
	s.uploads.Store(fu.uuid, fu)
	return fu.session(), nil
}

// CopyChunk appends r to an upload session.
func (s *Storage) CopyChunk(id string, r io.Reader) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	fu.mu.Lock()
	defer fu.mu.Unlock()
	n, err := io.Copy(io.MultiWriter(fu.file, fu.hash), r)
	if err != nil {
		return nil, fmt.Errorf("copy chunk: %w", err)
	}
	fu.written += n
	return fu.session(), nil
}

// CompleteUpload verifies the upload against expected and links the blob
// into the repository the upload was started for.
func (s *Storage) CompleteUpload(id string, expected digest.Digest) (digest.Digest, error) {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return "", ErrUploadNotFound
	}
	defer os.Remove(fu.file.Name())
	if err := fu.file.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	got := fu.digester.Digest()
	if got != expected {
		return "", fmt.Errorf("%w: %s != %s", ErrDigestMismatch, got, expected)
	}
	bp := s.blobPath(got)
	if err := os.MkdirAll(filepath.Dir(bp), 0755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(fu.file.Name(), bp); err != nil {
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return got, s.link(fu.repo, got)
}

// GetUpload retrieves an upload session.
func (s *Storage) GetUpload(id string) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	fu.mu.Lock()
	defer fu.mu.Unlock()
	return fu.session(), nil
}

// AbortUpload removes an upload session.
func (s *Storage) AbortUpload(id string) error {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return ErrUploadNotFound
	}
	fu.file.Close()
	return os.Remove(fu.file.Name())
}
