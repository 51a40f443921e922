package crypto

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero32 wipes a fixed-size key array in place.
func Zero32(x *[32]byte) {
	Zero(x[:])
}
