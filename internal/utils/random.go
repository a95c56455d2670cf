package utils

import (
	"crypto/rand"
	"math/big"
)

const (
	orderNumberPrefix   = "ORD-"
	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberLength   = 8
)

// GenerateOrderNumber returns a human-readable order token, e.g. ORD-7KQ2M9XA.
// Uniqueness is not guaranteed here; the order_number unique index is.
func GenerateOrderNumber() string {
	buf := make([]byte, orderNumberLength)
	max := big.NewInt(int64(len(orderNumberAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = orderNumberAlphabet[n.Int64()]
	}
	return orderNumberPrefix + string(buf)
}
