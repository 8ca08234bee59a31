package randutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Hex returns numBytes of output from crypto/rand encoded as hex, so the
// result is twice as long as numBytes. Suitable for secrets.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("error generating random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
