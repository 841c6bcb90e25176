//go:build !windows

package solidworks

import (
	"fmt"
	"runtime"

	"partbatch/internal/host"
)

func connect(progID string) (host.Application, error) {
	return nil, fmt.Errorf("%w: %s requires windows, running on %s", host.ErrConnectionFailed, progID, runtime.GOOS)
}
