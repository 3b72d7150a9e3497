package util

// MaskSecret keeps the first and last four characters of a credential for
// log correlation without exposing it.
func MaskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
