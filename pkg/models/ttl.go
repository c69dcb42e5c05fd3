package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTTLMinutes is used when a TTL string cannot be parsed (30 days).
const DefaultTTLMinutes = 30 * 24 * 60

// maxTTLMinutes keeps TTL arithmetic inside time.Duration.
const maxTTLMinutes = math.MaxInt64 / int64(time.Minute)

// TimeFormat converts "<n>m", "<n>h" or "<n>d" into minutes. The second return
// value is false when the input was rejected and DefaultTTLMinutes was used.
func TimeFormat(ttl string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(ttl))
	if len(s) < 2 {
		return DefaultTTLMinutes, false
	}
	digits, unit := s[:len(s)-1], s[len(s)-1]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return DefaultTTLMinutes, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return DefaultTTLMinutes, false
	}
	var mult int64
	switch unit {
	case 'm':
		mult = 1
	case 'h':
		mult = 60
	case 'd':
		mult = 24 * 60
	default:
		return DefaultTTLMinutes, false
	}
	if n > maxTTLMinutes/mult || n*mult > math.MaxInt {
		return DefaultTTLMinutes, false
	}
	return int(n * mult), true
}
