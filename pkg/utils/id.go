package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// peerCodeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const peerCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GeneratePeerCode returns a random short code of n characters for use as a
// peer identifier.
func GeneratePeerCode(n int) string {
	if n <= 0 {
		n = 6
	}
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = peerCodeAlphabet[int(b[i])%len(peerCodeAlphabet)]
	}
	return string(b)
}

// GenerateInstanceID generates a unique relay instance ID
func GenerateInstanceID() string {
	return GenerateID("relay")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
