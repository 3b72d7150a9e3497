package util

import "fmt"

// DefaultLogMaxLen caps verbose payload logging at 1KB per line.
// Full request records live in the request log behind /api/requests.
const DefaultLogMaxLen = 1024

// TruncateLog shortens s for log output, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes truncates a byte payload at DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
