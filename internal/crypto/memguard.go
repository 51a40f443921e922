//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockMemory keeps b out of swap. Failure is not fatal; the caller just
// loses the guarantee.
func LockMemory(b []byte) error   { return unix.Mlock(b) }
func UnlockMemory(b []byte) error { return unix.Munlock(b) }
