package main

import (
	"fmt"
	"os"
	"strings"

	"partbatch/internal/cli"
)

const (
	cmdName = "partbatch"

	shortDesc = "Batch dimension export for CAD parts."
	longDesc  = `partbatch drives a running CAD host to export one part under many
dimension configurations.

For each configuration it applies the given dimension values (millimetres),
rebuilds the model and saves a copy in the chosen format (STEP, IGES or STL)
next to an export of the unmodified part. Failures are isolated per row, and
the document is always closed when the batch ends.
`
)

func main() {
	cmd := cli.NewRootCmd(cmdName, shortDesc, longDesc, cli.Options{})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimLeft(err.Error(), "\n"))
		os.Exit(1)
	}
}
