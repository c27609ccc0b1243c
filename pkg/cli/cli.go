// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cli implements the regcopy command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shayne/yargs"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/config"
	"github.com/yeetrun/regcopy/pkg/copier"
	"github.com/yeetrun/regcopy/pkg/endpoint"
	"github.com/yeetrun/regcopy/pkg/registry"
)

// Flags are the regcopy command line flags.
type Flags struct {
	Config        string `flag:"config" help:"Config file with per-registry credentials (default $REGCOPY_CONFIG)"`
	SrcCreds      string `flag:"src-creds" help:"USERNAME:PASSWORD for the source registry"`
	DestCreds     string `flag:"dest-creds" help:"USERNAME:PASSWORD for the destination registry"`
	SrcTLSVerify  string `flag:"src-tls-verify" help:"Verify TLS certificates of the source registry (true|false, default true)"`
	DestTLSVerify string `flag:"dest-tls-verify" help:"Verify TLS certificates of the destination registry (true|false, default true)"`
	Arch          string `flag:"arch" help:"Copy only this architecture out of a manifest list or image index"`
	Jobs          int    `flag:"jobs" short:"j" help:"Parallel blob transfers per manifest (default 4)"`
	Progress      *bool  `flag:"progress" help:"Show transfer progress (default when stderr is a terminal)"`
	Debug         bool   `flag:"debug" short:"d" help:"Enable debug logging"`
	Help          bool   `flag:"help" short:"h" help:"Show help"`
}

var helpConfig = yargs.HelpConfig{
	Command: yargs.CommandInfo{
		Name:        "regcopy",
		Description: "Copy container images between registries and OCI layout directories",
		Examples: []string{
			"regcopy docker:quay.io/org/app:v1 dir:./app",
			"regcopy --dest-creds bob:secret dir:./app docker:registry.example.com/org/app:v1",
			"regcopy --arch arm64 docker:docker.io/library/alpine docker:localhost:5000/alpine",
		},
	},
}

type parsedFlags[T any] struct {
	Flags T
	Args  []string
}

func parseFlags[T any](args []string) (parsedFlags[T], error) {
	result, err := yargs.ParseFlags[T](args)
	if err != nil {
		return parsedFlags[T]{}, err
	}
	argsOut := append([]string{}, result.Args...)
	if len(result.RemainingArgs) > 0 {
		argsOut = append(argsOut, result.RemainingArgs...)
	}
	return parsedFlags[T]{Flags: result.Flags, Args: argsOut}, nil
}

// side is the per-endpoint half of the flags.
type side struct {
	name      string
	creds     string
	tlsVerify string
}

// Run parses args and performs one copy. Logs and progress go to stderr;
// stdout only carries help output.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	parsed, err := parseFlags[Flags](args)
	if err != nil {
		return err
	}
	flags := parsed.Flags
	if flags.Help {
		fmt.Fprint(stdout, yargs.GenerateGlobalHelp(helpConfig, Flags{}))
		return nil
	}
	if len(parsed.Args) != 2 {
		return fmt.Errorf("expected SRC and DEST, got %d argument(s); see --help", len(parsed.Args))
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	if flags.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	src, err := ParseLocation(parsed.Args[0])
	if err != nil {
		return err
	}
	dst, err := ParseLocation(parsed.Args[1])
	if err != nil {
		return err
	}
	if src.IsDir() && dst.IsDir() {
		return copier.ErrBothDirectories
	}

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	jobs := flags.Jobs
	if jobs == 0 {
		jobs = cfg.Jobs
	}
	if jobs < 0 {
		return fmt.Errorf("--jobs must not be negative")
	}

	var opts []endpoint.Option
	opts = append(opts, endpoint.WithLogger(logger))
	showProgress := isTerminal(stderr)
	if flags.Progress != nil {
		showProgress = *flags.Progress
	}
	if showProgress {
		bars, err := startBarPool(stderr)
		if err != nil {
			return err
		}
		defer bars.Stop()
		opts = append(opts, endpoint.WithProgress(bars))
	}

	srcEP, err := newEndpoint(src, side{"source", flags.SrcCreds, flags.SrcTLSVerify}, cfg, logger, opts)
	if err != nil {
		return err
	}
	dstEP, err := newEndpoint(dst, side{"destination", flags.DestCreds, flags.DestTLSVerify}, cfg, logger, opts)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"src": src, "dest": dst}).Info("copying")
	return copier.Copy(ctx, srcEP, dstEP, copier.Options{
		Arch:   flags.Arch,
		Jobs:   jobs,
		Logger: logger,
	})
}

// newEndpoint builds the endpoint for loc. Flags win over the config file.
func newEndpoint(loc Location, s side, cfg *config.Config, logger logrus.FieldLogger, opts []endpoint.Option) (endpoint.Endpoint, error) {
	if loc.IsDir() {
		if s.creds != "" {
			return nil, fmt.Errorf("credentials can't be specified for a directory %s", s.name)
		}
		if s.tlsVerify != "" {
			return nil, fmt.Errorf("TLS verification can't be specified for a directory %s", s.name)
		}
		return endpoint.NewDirectory(loc.Dir, opts...), nil
	}

	rc := cfg.Lookup(loc.Registry)
	sopts := registry.Options{
		Username: rc.Username,
		Password: rc.Password,
		Insecure: rc.Insecure(),
		Logger:   logger,
	}
	if s.creds != "" {
		user, pass, err := parseCreds(s.creds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		sopts.Username, sopts.Password = user, pass
	}
	if s.tlsVerify != "" {
		verify, err := strconv.ParseBool(s.tlsVerify)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%s TLS verification must be true or false", s.name), err)
		}
		sopts.Insecure = !verify
	}
	session := registry.NewSession(loc.Registry, sopts)
	return endpoint.NewRegistry(session, loc.Repository, loc.Tag, opts...), nil
}
