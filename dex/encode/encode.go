// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package encode

import (
	"crypto/rand"
)

// RandomBytes returns a byte slice with the specified length of random bytes.
// Used to generate HTLC secrets.
func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	_, err := rand.Read(bytes)
	if err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return bytes
}

// ClearBytes zeroes the byte slice. Used to scrub a revealed HTLC secret once
// it has been persisted to the swap record.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
