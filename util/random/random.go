// Package random generates crypto-random identifiers.
package random

import (
	"crypto/rand"
	"math/big"
)

const numLower = "0123456789abcdefghijklmnopqrstuvwxyz"

func pick(alphabet string, n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}

// LowerSeq returns n characters from [0-9a-z], the alphabet the panel uses
// for subscription ids.
func LowerSeq(n int) string {
	return pick(numLower, n)
}
