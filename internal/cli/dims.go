package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"partbatch/internal/extract"
)

// NewDimsCmd returns the dims command.
func NewDimsCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dims <part>",
		Short:        "List the dimension names of a part",
		Example:      "  partbatch dims bracket.SLDPRT --macro ./GetDimensions.swp",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, args []string) error {
			flags := cc.Flags()
			asJSON, err := flags.GetBool("json")
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}
			quiet, err := flags.GetBool("quiet")
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			logf := func(line string) {
				if !quiet {
					fmt.Fprintln(cc.ErrOrStderr(), line)
				}
			}
			xopts := extract.New(cfg.ExtractOptions(), nil).Options()
			slog.Debug("extracting dimensions", "part", args[0], "extract", xopts)
			dims, err := extract.Catalog(cc.Context(), opts.Connector, args[0], xopts, logf)
			if err != nil {
				return fmt.Errorf("extract dimensions: %w", err)
			}

			out := cc.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(dims)
			}
			for _, d := range dims {
				fmt.Fprintln(out, d)
			}
			return nil
		},
	}

	addExtractFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the names as a JSON array")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress to stderr")

	return cmd
}
