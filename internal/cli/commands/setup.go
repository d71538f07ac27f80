// Package commands implements the leaplineage subcommands.
package commands

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/catalog"
	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg        *config.Config
	ConfigFile string
	Logger     *slog.Logger
	Renderer   *output.Renderer
}

// NewCommandContext collects the config and logger stored by the root
// command and builds a renderer for the configured output mode.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	loaded := config.FromContext(cmd.Context())
	if loaded == nil {
		return nil, errors.New("configuration not loaded")
	}
	return &CommandContext{
		Cfg:        loaded.Config,
		ConfigFile: loaded.File,
		Logger:     config.GetLogger(cmd.Context()),
		Renderer:   output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(loaded.Config.Output)),
	}, nil
}

// openCatalog opens the configured catalog, or returns nil when none is
// configured. The cleanup function is always safe to call.
func (cc *CommandContext) openCatalog() (*catalog.Store, func(), error) {
	if cc.Cfg.Catalog.Path == "" {
		return nil, func() {}, nil
	}
	store, err := catalog.Open(cc.Cfg.Catalog.Path, cc.Logger)
	if err != nil {
		return nil, func() {}, err
	}
	return store, func() { _ = store.Close() }, nil
}

// newResolver creates a schema resolver for the configured platform.
// store may be nil.
func (cc *CommandContext) newResolver(store *catalog.Store, opts schema.Options) (*schema.Resolver, error) {
	opts.Platform = cc.Cfg.Platform
	opts.PlatformInstance = cc.Cfg.PlatformInstance
	opts.Env = cc.Cfg.Env
	opts.LookupTimeout = cc.Cfg.ParseTimeout
	opts.Logger = cc.Logger
	if store != nil {
		opts.Catalog = store
	}
	return schema.New(opts)
}
