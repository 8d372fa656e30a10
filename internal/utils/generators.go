package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Order codes avoid characters that are easy to confuse on a printed ticket
// (O/0, I/1/L).
const codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const secretCharset = "abcdefghjkmnpqrstuvwxyz23456789"

// GenerateOrderCode returns a 5-character order code. Uniqueness per event is
// enforced by the caller (retry on collision).
func GenerateOrderCode() string {
	return randomString(5, codeCharset)
}

// GenerateSecret returns a 32-character ticket credential.
func GenerateSecret() string {
	return randomString(32, secretCharset)
}

func randomString(n int, charset string) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			out[i] = charset[int(time.Now().UnixNano())%len(charset)]
			continue
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out)
}

// GeneratePaymentID returns a payment row identifier.
func GeneratePaymentID() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("pay_%d_%06d", timestamp, randomNum.Int64())
}

// GenerateRefundID returns a refund row identifier.
func GenerateRefundID() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("ref_%d_%06d", timestamp, randomNum.Int64())
}
