package convert

// SyntheticSignature is the fixed placeholder signature attached to injected
// thinking blocks that suppress the backend's tool-use retry loop. It is
// exempt from the minimum-length check.
const SyntheticSignature = "skip_thought_signature_validator"

// MinSignatureLength is the shortest signature the backend will re-validate.
// Anything shorter (other than the synthetic marker) is garbage from a
// truncated transcript and must not be replayed.
var MinSignatureLength = 40

// ValidThinkingSignature reports whether a thinking block signature may be
// replayed into a new turn. Real signatures are opaque and round-tripped
// byte-exact; sub-minimum signatures are dropped unless they are exactly the
// synthetic marker.
func ValidThinkingSignature(sig string) bool {
	if sig == SyntheticSignature {
		return true
	}
	return len(sig) >= MinSignatureLength
}

// SanitizeThinkingBlocks filters a message's blocks, dropping thinking blocks
// whose signature fails validation. Valid blocks pass through unmodified so
// the backend sees the exact bytes it produced.
func SanitizeThinkingBlocks(blocks []BackendBlock) []BackendBlock {
	out := blocks[:0:0]
	for _, b := range blocks {
		if b.Type == "thinking" && !ValidThinkingSignature(b.Signature) {
			continue
		}
		out = append(out, b)
	}
	return out
}
