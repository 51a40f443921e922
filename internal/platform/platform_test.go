//go:build unix

package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHardenDisablesCoreDumps(t *testing.T) {
	Harden(zaptest.NewLogger(t))
	off, err := CoreDumpsDisabled()
	require.NoError(t, err)
	require.True(t, off)
}
