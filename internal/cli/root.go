// Package cli holds the partbatch command tree.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"partbatch/internal/host"
	"partbatch/internal/host/solidworks"
	"partbatch/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var ErrInvalidArgument = errors.New("invalid argument")

// Options wires collaborators into the command tree.
type Options struct {
	// Connector reaches the host; nil uses the SOLIDWORKS COM binding.
	Connector host.Connector
}

func NewRootCmd(name, shortDesc, longDesc string, opts Options) *cobra.Command {
	if opts.Connector == nil {
		opts.Connector = solidworks.NewConnector()
	}

	cmd := &cobra.Command{
		Use:           name,
		Short:         shortDesc,
		Long:          longDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.PersistentFlags().String("log_level", "warn", "Set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log_format", "text", "Set the log format (text, logfmt, json)")

	cmd.PersistentPreRunE = func(cc *cobra.Command, _ []string) error {
		flags := cc.Flags()

		var merr error

		logLevel, err := flags.GetString("log_level")
		if err != nil {
			merr = multierror.Append(merr, err)
		}

		logFormat, err := flags.GetString("log_format")
		if err != nil {
			merr = multierror.Append(merr, err)
		}

		if merr != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
		}

		h, err := logging.CreateHandler(cc.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return fmt.Errorf("failed creating log handler: %w", err)
		}
		slog.SetDefault(slog.New(h))

		return nil
	}

	cmd.AddCommand(NewRunCmd(opts))
	cmd.AddCommand(NewDimsCmd(opts))
	cmd.AddCommand(NewServeCmd(opts))

	return cmd
}
