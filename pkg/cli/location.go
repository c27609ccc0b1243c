// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"strings"
)

const (
	dirPrefix    = "dir:"
	dockerPrefix = "docker:"

	defaultTag = "latest"
)

// Docker Hub's registry API is not served from docker.io itself.
var registryAliases = map[string]string{
	"docker.io": "registry-1.docker.io",
}

// Location is a parsed copy source or destination: either a local OCI
// layout directory or a repository tag on a registry.
type Location struct {
	// Dir is set for dir: locations.
	Dir string

	Registry   string
	Repository string
	Tag        string
}

// IsDir reports whether l names a directory.
func (l Location) IsDir() bool { return l.Registry == "" }

func (l Location) String() string {
	if l.IsDir() {
		return dirPrefix + l.Dir
	}
	return fmt.Sprintf("%s%s/%s:%s", dockerPrefix, l.Registry, l.Repository, l.Tag)
}

// ParseLocation parses dir:PATH or docker:REGISTRY/REPO[:TAG].
func ParseLocation(s string) (Location, error) {
	switch {
	case strings.HasPrefix(s, dirPrefix):
		dir := strings.TrimPrefix(s, dirPrefix)
		if dir == "" {
			return Location{}, fmt.Errorf("%q: directory path is empty", s)
		}
		return Location{Dir: dir}, nil

	case strings.HasPrefix(s, dockerPrefix):
		reg, path, ok := strings.Cut(strings.TrimPrefix(s, dockerPrefix), "/")
		if !ok || reg == "" || path == "" {
			return Location{}, fmt.Errorf("%q: registry location should be docker:REGISTRY/REPO[:TAG]", s)
		}
		repo, tag, ok := strings.Cut(path, ":")
		if !ok {
			tag = defaultTag
		}
		if repo == "" || tag == "" {
			return Location{}, fmt.Errorf("%q: registry location should be docker:REGISTRY/REPO[:TAG]", s)
		}
		if alias, ok := registryAliases[reg]; ok {
			reg = alias
		}
		return Location{Registry: reg, Repository: repo, Tag: tag}, nil
	}
	return Location{}, fmt.Errorf("unknown source/destination %q: want dir:PATH or docker:REGISTRY/REPO[:TAG]", s)
}

// parseCreds splits USER:PASS. The password may contain colons.
func parseCreds(s string) (user, pass string, err error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("credentials should be USERNAME:PASSWORD")
	}
	return user, pass, nil
}
