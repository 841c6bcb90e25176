package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"partbatch/internal/batch"
	"partbatch/internal/batchfile"
)

const (
	runDesc = `Open a part, export it unmodified, then apply each configuration's
dimension values (millimetres), rebuild and export a copy per configuration.

Configurations come from a batch file (-f, JSON, YAML or HCL) or from
repeated -c flags of the form [filename:]name=value[,name=value...].
Flags given alongside -f override the file's part, output and format.
`
	runExample = `  # Two configurations from flags
  partbatch run --part bracket.SLDPRT --output ./out --format step \
    -c "A:D1@Sketch1=25,D2@Boss-Extrude1=10" -c "B:D1@Sketch1=30"

  # From a batch file
  partbatch run -f bracket.yaml
`
)

// NewRunCmd returns the run command.
func NewRunCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Export every configuration of a part",
		Long:         runDesc,
		Example:      runExample,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, _ []string) error {
			flags := cc.Flags()

			f, err := runFile(flags)
			if err != nil {
				return err
			}
			quiet, err := flags.GetBool("quiet")
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			p := newPrinter(cc.OutOrStdout(), quiet)

			req, v, err := f.Request(cfg.Collisions)
			p.validation(v)
			if err != nil {
				return fmt.Errorf("%w: %w", batch.ErrInvalidRequest, err)
			}

			ctx := cc.Context()
			pub, err := newPublisher(ctx)
			if err != nil {
				return err
			}

			pipeline := &batch.Pipeline{Connector: opts.Connector, Publisher: pub, Logger: slog.Default()}

			id := uuid.NewString()
			slog.Debug("starting batch", "batch", id, "part", req.PartPath, "configurations", len(req.Configurations))

			events, results := pipeline.Start(ctx, id, req)
			for ev := range events {
				p.event(ev)
			}
			res := <-results
			p.summary(res, len(req.Configurations))

			if batch.IsFatal(res.Err) {
				return fmt.Errorf("batch did not start: %w", res.Err)
			}
			if res.Err != nil {
				return fmt.Errorf("batch failed: %w", res.Err)
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d of %d configurations failed: %w", len(res.Failed), len(req.Configurations), res.Failures())
			}
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "Batch file (.json, .yaml, .yml or .hcl)")
	cmd.Flags().String("part", "", "Part document to process")
	cmd.Flags().StringP("output", "o", "", "Output root directory")
	cmd.Flags().String("format", "", "Export format (step, iges, stl)")
	cmd.Flags().String("collisions", "", "Filename collision policy (suffix, reject, overwrite)")
	cmd.Flags().StringArrayP("configuration", "c", nil, "Configuration as [filename:]name=value[,name=value...]")
	cmd.Flags().BoolP("quiet", "q", false, "Only print row results")

	return cmd
}

// runFile builds the batch from -f and the inline flags.
func runFile(flags *pflag.FlagSet) (*batchfile.File, error) {
	var merr error
	get := func(name string) string {
		s, err := flags.GetString(name)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
		return s
	}

	path := get("file")
	part, output, format := get("part"), get("output"), get("format")
	inline, err := flags.GetStringArray("configuration")
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if merr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
	}

	f := &batchfile.File{}
	if path != "" {
		if f, err = batchfile.Load(path); err != nil {
			return nil, err
		}
	}
	if part != "" {
		f.Part = part
	}
	if output != "" {
		f.Output = output
	}
	if format != "" {
		f.Format = format
	}
	if f.Format == "" {
		f.Format = string(batch.FormatSTEP)
	}

	if len(inline) > 0 {
		f.Configurations = f.Configurations[:0]
		for _, s := range inline {
			e, err := parseConfiguration(s)
			if err != nil {
				return nil, err
			}
			f.Configurations = append(f.Configurations, e)
		}
	}

	if f.Part == "" || f.Output == "" {
		return nil, fmt.Errorf("%w: --part and --output are required without a batch file", ErrInvalidArgument)
	}
	if len(f.Configurations) == 0 {
		return nil, fmt.Errorf("%w: no configurations given", ErrInvalidArgument)
	}
	return f, nil
}

// parseConfiguration reads [filename:]name=value[,name=value...]. Values are
// kept as text so numeric validation reports them per row.
func parseConfiguration(s string) (batchfile.Entry, error) {
	e := batchfile.Entry{Dims: make(map[string]batchfile.Cell)}
	body := s
	if i := strings.Index(body, ":"); i >= 0 && !strings.Contains(body[:i], "=") {
		e.Filename = strings.TrimSpace(body[:i])
		body = body[i+1:]
	}
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return batchfile.Entry{}, fmt.Errorf("%w: configuration %q: expected name=value, got %q", ErrInvalidArgument, s, pair)
		}
		e.Dims[name] = batchfile.Cell(strings.TrimSpace(value))
	}
	return e, nil
}
