//go:build unix

package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps keeps derived basis keys out of crash dumps.
func DisableCoreDumps() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}

// CoreDumpsDisabled reports whether the core size limit is zero.
func CoreDumpsDisabled() (bool, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return false, err
	}
	return rlim.Cur == 0, nil
}
