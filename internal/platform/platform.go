// Package platform holds process hardening for the daemon and CLI.
package platform

import (
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
)

// Harden disables core dumps and checks that key memory can be locked.
// Failures are logged and otherwise ignored.
func Harden(lg *zap.Logger) {
	if err := DisableCoreDumps(); err != nil {
		lg.Warn("cannot disable core dumps", zap.Error(err))
	}
	probe := make([]byte, 64)
	if err := crypto.LockMemory(probe); err != nil {
		lg.Warn("memory locking unavailable", zap.Error(err))
		return
	}
	_ = crypto.UnlockMemory(probe)
}
