// Package solidworks binds the host contract to SOLIDWORKS through COM
// automation. Only Windows builds can reach a running application; other
// platforms get a connector that always fails with host.ErrConnectionFailed.
package solidworks

import (
	"context"

	"partbatch/internal/host"
)

// ProgID is the COM class registered by a SOLIDWORKS installation.
const ProgID = "SldWorks.Application"

const (
	docTypePart    = 1 // swDocPART
	frameMinimized = 1 // swWindowMinimized
)

// Connector creates or attaches to the SOLIDWORKS application. The handle it
// returns is bound to the calling goroutine's OS thread until Release.
type Connector struct {
	ProgID string
}

var _ host.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{ProgID: ProgID}
}

func (c *Connector) Connect(ctx context.Context) (host.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progID := c.ProgID
	if progID == "" {
		progID = ProgID
	}
	return connect(progID)
}
