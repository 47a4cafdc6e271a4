package cryptoutils

// WipeBytes overwrites a secret buffer with zeros. Callers wipe key
// material, shares and pad blocks as soon as they leave scope.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeBytesMultiPass overwrites the buffer three times: all ones, a rolling
// byte pattern, then zeros. Burn paths use this for pad material; single-pass
// WipeBytes is enough for transient keys.
func WipeBytesMultiPass(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
	for i := range b {
		b[i] = byte(i % 255)
	}
	for i := range b {
		b[i] = 0
	}
}
