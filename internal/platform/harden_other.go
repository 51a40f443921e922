//go:build !unix

package platform

func DisableCoreDumps() error { return nil }

func CoreDumpsDisabled() (bool, error) { return false, nil }
