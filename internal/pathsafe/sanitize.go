// SPDX-License-Identifier: MIT

// Package pathsafe sanitizes untrusted channel logins before they are used
// to build filesystem paths or capture subprocess argv entries.
package pathsafe

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxLoginLength is the maximum length for a sanitized channel login.
	MaxLoginLength = 64

	// MaxRawInputLength is the maximum raw input length processed. Inputs
	// longer than this are rejected outright to bound the cost of a
	// maliciously long channel login from the platform webhook.
	MaxRawInputLength = 1024
)

// SanitizeChannelLogin sanitizes a platform channel login for safe use as a
// path component (the per-channel recordings subdirectory name) and as a
// capture subprocess argv entry.
//
// Sanitization rules:
//  1. Reject suspicious patterns (path traversal, shell metacharacters):
//     fall back to a timestamped placeholder.
//  2. Truncate to MaxLoginLength characters.
//  3. Replace non-alphanumeric characters with underscore.
//  4. Collapse consecutive underscores.
//  5. Strip leading and trailing underscores.
//  6. Prefix "ch_" if the result starts with a digit.
//  7. Fall back to a timestamped placeholder if empty after sanitization.
func SanitizeChannelLogin(login string) string {
	if login == "" {
		return timestampFallback()
	}
	if len(login) > MaxRawInputLength {
		return timestampFallback()
	}
	if containsControlChars(login) {
		return timestampFallback()
	}
	if strings.Contains(login, "..") ||
		strings.ContainsAny(login, "/$") ||
		strings.HasPrefix(login, "-") {
		return timestampFallback()
	}

	if len(login) > MaxLoginLength {
		login = login[:MaxLoginLength]
	}

	sanitized := replaceNonAlphanumeric(login)
	sanitized = collapseUnderscores(sanitized)
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "ch_" + sanitized
	}

	if sanitized == "" {
		return timestampFallback()
	}

	return sanitized
}

func replaceNonAlphanumeric(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			result.WriteByte(c)
		} else {
			result.WriteByte('_')
		}
	}
	return result.String()
}

var underscoreRun = regexp.MustCompile(`_+`)

func collapseUnderscores(s string) string {
	return underscoreRun.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func timestampFallback() string {
	return fmt.Sprintf("unknown_channel_%d", time.Now().Unix())
}

func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
