package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"partbatch/internal/batch"
	"partbatch/internal/config"
	"partbatch/internal/publish"
)

func addExtractFlags(cmd *cobra.Command) {
	cmd.Flags().String("ipc_dir", "", "Directory for the macro hand-off files (default from "+config.EnvIPCDir+")")
	cmd.Flags().String("macro", "", "Path to the dimension macro (default from "+config.EnvMacro+")")
	cmd.Flags().Duration("macro_timeout", 0, "How long to wait for the macro output (default from "+config.EnvMacroTimeout+")")
}

// loadConfig reads the environment and applies any flags the user set.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	var merr error
	set := func(name string, apply func() error) {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return
		}
		if err := apply(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	set("ipc_dir", func() (err error) { cfg.IPCDir, err = flags.GetString("ipc_dir"); return })
	set("macro", func() (err error) { cfg.MacroPath, err = flags.GetString("macro"); return })
	set("macro_timeout", func() (err error) { cfg.MacroTimeout, err = flags.GetDuration("macro_timeout"); return })
	set("addr", func() (err error) { cfg.Addr, err = flags.GetString("addr"); return })
	set("static_dir", func() (err error) { cfg.StaticDir, err = flags.GetString("static_dir"); return })
	set("collisions", func() error {
		s, err := flags.GetString("collisions")
		if err != nil {
			return err
		}
		cfg.Collisions, err = batch.ParseCollisionPolicy(s)
		return err
	})

	if merr != nil {
		return config.Config{}, fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
	}
	return cfg, nil
}

// newPublisher returns nil when no upload endpoint is configured.
func newPublisher(ctx context.Context) (batch.Publisher, error) {
	cfg, err := publish.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("publish config: %w", err)
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	p, err := publish.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect artifact store: %w", err)
	}
	slog.Info("publishing artifacts", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return p, nil
}
