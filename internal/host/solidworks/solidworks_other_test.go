//go:build !windows

package solidworks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partbatch/internal/host"
)

func TestConnect_Unsupported(t *testing.T) {
	app, err := NewConnector().Connect(context.Background())
	require.ErrorIs(t, err, host.ErrConnectionFailed)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), ProgID)
}

func TestConnect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Connector{}).Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
