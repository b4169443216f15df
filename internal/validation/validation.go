// Package validation provides input validation middleware and helpers for
// the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields such as
// dispute reasons.
const MaxStringLength = 10000

var (
	// moneroAddressRegex matches mainnet standard (4...) and subaddress (8...)
	// base58 encodings. Integrated addresses are longer and not accepted as
	// payout or refund destinations.
	moneroAddressRegex = regexp.MustCompile(`^[48][1-9A-HJ-NP-Za-km-z]{94}$`)
	// txHashRegex matches a 32-byte transaction hash in hex.
	txHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidMoneroAddress checks whether a string is a plausible mainnet
// address. Full validity (checksum, network byte) is the wallet's call; this
// rejects obvious garbage before it reaches an RPC.
func IsValidMoneroAddress(addr string) bool {
	return moneroAddressRegex.MatchString(addr)
}

// IsValidTxHash checks whether a string is a well-formed transaction hash.
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and caps length. The
// cap is in bytes but never splits a multi-byte rune, so the result stays
// valid UTF-8.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
