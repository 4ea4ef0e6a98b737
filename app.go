package main

import (
	"fmt"
	"log/slog"

	"github.com/unidrive/unidrive-go/internal/backend/localfs"
	"github.com/unidrive/unidrive-go/internal/backend/memfs"
	"github.com/unidrive/unidrive-go/internal/backend/s3"
	"github.com/unidrive/unidrive-go/internal/backend/webdrive"
	"github.com/unidrive/unidrive-go/internal/config"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/tokenstore"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// appState is the wired application: config, logger, shared retry
// policy, transfer engine, token store, and the backend registry.
type appState struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *gateway.Registry
	tokens   *tokenstore.Store
	policy   *retry.Policy
	engine   *transfer.Engine
}

// newAppState wires every backend into the registry. Gateways are
// constructed lazily; registering a backend costs nothing until a
// command touches it.
func newAppState(cfg *config.Config, logger *slog.Logger) (*appState, error) {
	chunk, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}

	threshold, err := cfg.ThresholdBytes()
	if err != nil {
		return nil, err
	}

	a := &appState{
		cfg:      cfg,
		logger:   logger,
		registry: gateway.NewRegistry(),
		tokens:   tokenstore.New(cfg.TokenDir),
		policy:   retry.New(logger),
	}
	a.engine = transfer.NewEngine(a.policy, logger)

	regs := []*gateway.Registration{
		{
			Schema:       memfs.Schema,
			Capabilities: memfs.Capabilities(),
			ServiceURI:   memfs.ServiceURI,
			Factory: func() gateway.Gateway {
				return memfs.New(a.policy, memfs.Options{
					ChunkSize: chunk, Threshold: threshold, Logger: logger,
				})
			},
		},
		{
			Schema:       localfs.Schema,
			Capabilities: localfs.Capabilities(),
			ServiceURI:   localfs.ServiceURI,
			Factory: func() gateway.Gateway {
				return localfs.New(a.policy, localfs.Options{
					ChunkSize: chunk, Threshold: threshold, Logger: logger,
				})
			},
		},
		{
			Schema:       s3.Schema,
			Capabilities: s3.Capabilities(),
			ServiceURI:   s3.ServiceURI,
			Factory: func() gateway.Gateway {
				return s3.New(a.policy, s3.Options{
					ChunkSize: chunk, Threshold: threshold, Logger: logger,
				})
			},
		},
		{
			Schema:       webdrive.Schema,
			Capabilities: webdrive.Capabilities(),
			ServiceURI:   webdrive.ServiceURI,
			Factory: func() gateway.Gateway {
				return webdrive.New(a.policy, webdrive.Options{
					ChunkSize: chunk, Threshold: threshold, Logger: logger,
					Tokens: a.tokens,
				})
			},
		},
	}

	for _, reg := range regs {
		if err := a.registry.Register(reg); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// selectRoot resolves the --root selector against the configured roots
// and looks up the matching backend registration.
func (a *appState) selectRoot() (*gateway.Registration, gateway.RootName, gateway.Params, error) {
	root, err := a.cfg.FindRoot(flagRoot)
	if err != nil {
		return nil, gateway.RootName{}, nil, err
	}

	reg, err := a.registry.Lookup(root.Schema)
	if err != nil {
		return nil, gateway.RootName{}, nil, err
	}

	return reg, root.Name(), gateway.Params(root.Params), nil
}

// parseRootName parses an explicit "schema:account" argument and
// verifies the schema is registered. Unlike selectRoot, the root does
// not have to be configured yet; login uses this form.
func (a *appState) parseRootName(arg string) (gateway.RootName, error) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == ':' {
			name := gateway.RootName{Schema: arg[:i], Account: arg[i+1:]}
			if name.Schema == "" || name.Account == "" {
				break
			}

			if _, err := a.registry.Lookup(name.Schema); err != nil {
				return gateway.RootName{}, err
			}

			return name, nil
		}
	}

	return gateway.RootName{}, fmt.Errorf("invalid root %q, expected schema:account", arg)
}
