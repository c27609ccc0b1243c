// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"github.com/yeetrun/regcopy/pkg/manifest"
	"github.com/yeetrun/regcopy/pkg/manifest/manifesttest"
	"github.com/yeetrun/regcopy/pkg/registry/registrytest"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{in: "dir:/tmp/app", want: Location{Dir: "/tmp/app"}},
		{in: "dir:relative/path", want: Location{Dir: "relative/path"}},
		{in: "docker:quay.io/org/app", want: Location{Registry: "quay.io", Repository: "org/app", Tag: "latest"}},
		{in: "docker:quay.io/org/app:v1.2", want: Location{Registry: "quay.io", Repository: "org/app", Tag: "v1.2"}},
		{in: "docker:localhost:5000/app:dev", want: Location{Registry: "localhost:5000", Repository: "app", Tag: "dev"}},
		{in: "docker:docker.io/library/alpine", want: Location{Registry: "registry-1.docker.io", Repository: "library/alpine", Tag: "latest"}},
		{in: "docker:quay.io", wantErr: true},
		{in: "docker:quay.io/", wantErr: true},
		{in: "docker:quay.io/app:", wantErr: true},
		{in: "dir:", wantErr: true},
		{in: "oci:/tmp/app", wantErr: true},
		{in: "/tmp/app", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLocation(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLocation(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLocation(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseLocation(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestLocationString(t *testing.T) {
	for _, s := range []string{"dir:/tmp/app", "docker:quay.io/org/app:v1"} {
		loc, err := ParseLocation(s)
		if err != nil {
			t.Fatal(err)
		}
		if got := loc.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
	}
}

func TestParseCreds(t *testing.T) {
	user, pass, err := parseCreds("bob:pa:ss")
	if err != nil || user != "bob" || pass != "pa:ss" {
		t.Errorf("parseCreds = %q, %q, %v", user, pass, err)
	}
	for _, bad := range []string{"bob", ":secret", ""} {
		if _, _, err := parseCreds(bad); err == nil {
			t.Errorf("parseCreds(%q) succeeded", bad)
		}
	}
}

func TestParseFlags(t *testing.T) {
	parsed, err := parseFlags[Flags]([]string{
		"--src-creds", "a:b",
		"--dest-tls-verify", "false",
		"--arch", "arm64",
		"-j", "8",
		"docker:quay.io/app", "dir:out",
		"--debug",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	f := parsed.Flags
	if f.SrcCreds != "a:b" || f.DestTLSVerify != "false" || f.Arch != "arm64" || f.Jobs != 8 || !f.Debug {
		t.Errorf("flags = %+v", f)
	}
	if f.Progress != nil {
		t.Errorf("Progress = %v, want unset", *f.Progress)
	}
	if diff := cmp.Diff([]string{"docker:quay.io/app", "dir:out"}, parsed.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRunHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("Run(--help): %v", err)
	}
	if !strings.Contains(out, "regcopy") {
		t.Errorf("help output missing command name:\n%s", out)
	}
}

func TestRunUsageErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		is   error
	}{
		{name: "no args"},
		{name: "one arg", args: []string{"dir:" + dir}},
		{name: "both directories", args: []string{"dir:" + dir, "dir:" + filepath.Join(dir, "out")}, is: errdefs.ErrNotImplemented},
		{name: "creds on directory", args: []string{"--src-creds", "a:b", "dir:" + dir, "docker:localhost:1/app"}},
		{name: "bad location", args: []string{"oci:" + dir, "docker:localhost:1/app"}},
		{name: "bad tls flag", args: []string{"--dest-tls-verify", "maybe", "dir:" + dir, "docker:localhost:1/app"}},
		{name: "negative jobs", args: []string{"--jobs", "-1", "dir:" + dir, "docker:localhost:1/app"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			if err == nil {
				t.Fatal("Run succeeded, want error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want %v", err, tt.is)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Error("rejected copy created its destination")
	}
}

func TestRunPullWithConfig(t *testing.T) {
	srv := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBasic, Username: "bob", Password: "secret"})
	img := manifesttest.NewImage(t, manifest.MediaTypeOCIManifest, "amd64", 2)
	for _, b := range img.Blobs() {
		srv.PutBlob(t, "org/app", b)
	}
	srv.PutManifest(t, "org/app", "v1", img.Manifest.MediaType, img.Manifest.Contents)

	cfgPath := filepath.Join(t.TempDir(), "regcopy.toml")
	cfg := "[registries.\"" + srv.URL + "\"]\nusername = \"bob\"\npassword = \"secret\"\ntls_verify = false\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "app")
	if _, err := run(t, "--config", cfgPath, "docker:"+srv.Host()+"/org/app:v1", "dir:"+out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, d := range img.Digests() {
		if _, err := os.Stat(filepath.Join(out, "blobs", "sha256", d.Encoded())); err != nil {
			t.Errorf("blob %s: %v", d, err)
		}
	}

	// The explicit flag overrides the config file's credentials.
	out2 := filepath.Join(t.TempDir(), "app")
	_, err := run(t, "--config", cfgPath, "--src-creds", "bob:wrong", "docker:"+srv.Host()+"/org/app:v1", "dir:"+out2)
	if !errors.Is(err, errdefs.ErrUnauthenticated) {
		t.Fatalf("Run with wrong creds err = %v, want ErrUnauthenticated", err)
	}
	if _, err := os.Stat(out2); !os.IsNotExist(err) {
		t.Error("failed copy left its destination behind")
	}
}

func TestRunPushToRegistry(t *testing.T) {
	src := registrytest.NewServer(t, registrytest.Options{})
	dst := registrytest.NewServer(t, registrytest.Options{Auth: registrytest.AuthBearer})
	img := manifesttest.NewImage(t, manifest.MediaTypeDockerManifest, "arm64", 1)
	for _, b := range img.Blobs() {
		src.PutBlob(t, "app", b)
	}
	src.PutManifest(t, "app", "latest", img.Manifest.MediaType, img.Manifest.Contents)

	_, err := run(t,
		"--src-tls-verify", "false", "--dest-tls-verify", "false",
		"docker:"+src.Host()+"/app", "docker:"+dst.Host()+"/mirror/app:v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := dst.Storage.GetManifest("mirror/app", "v1")
	if err != nil {
		t.Fatalf("manifest not pushed: %v", err)
	}
	if !bytes.Equal(got.Data, img.Manifest.Contents) {
		t.Error("pushed manifest differs from source")
	}
}
