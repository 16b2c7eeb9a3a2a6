// Package util holds small helpers shared across QuoteRelay components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex characters.
// IDs are unique within one process only.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hexadecimal string of the given length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateClientID returns an id for a connected page, prefixed "c_".
func GenerateClientID() string {
	return GenerateRandomID("c_", 16)
}

// GenerateRequestID returns an id used to correlate log lines for one HTTP request.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 12)
}
