package helpers

import "lukechampine.com/blake3"

// HashKey derives a 32 byte key from parts, each terminated by a zero byte
// so that ("ab", "c") and ("a", "bc") differ.
func HashKey(parts ...string) []byte {
	h := blake3.New(32, nil)
	var sep [1]byte
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write(sep[:])
	}
	return h.Sum(nil)
}
