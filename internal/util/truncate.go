// Package util holds small helpers shared across packages.
package util

import "fmt"

// DefaultLogMaxLen caps provider bodies written to logs (1KB).
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to maxLen bytes, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies TruncateLog with DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
